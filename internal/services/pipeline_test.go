package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/storage"
	"github.com/google/uuid"
)

type failingContentStore struct{}

func (failingContentStore) Put(context.Context, uuid.UUID, string, string) (string, error) {
	return "", errors.New("disk full")
}

func (failingContentStore) Exists(context.Context, uuid.UUID, string) (bool, error) {
	return false, nil
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestPipeline_RunOnce(t *testing.T) {
	env := setupTestIngest(t)
	deposit := mustRegister(t, env,
		fileInput("flow-deep", "a/b/c.txt", 11),
		fileInput("flow-empty", "empty.txt", 0),
	)
	mustUpload(t, env.deposits, env.user.ID, "flow-deep", 11, []byte("hello "), []byte("world"))
	mustUpload(t, env.deposits, env.user.ID, "flow-empty", 0, []byte{})

	report := mustRunOnce(t, env.pipeline)
	if report.Hashed != 2 || report.Replicated != 2 || report.Failed != 0 {
		t.Fatalf("unexpected pass report %+v", report)
	}

	t.Run("files and deposit are replicated", func(t *testing.T) {
		assertFileState(t, env.db, "flow-deep", models.DepositFileStateReplicated)
		assertFileState(t, env.db, "flow-empty", models.DepositFileStateReplicated)
		got := mustDeposit(t, env.db, deposit.ID)
		if got.State != models.DepositStateReplicated {
			t.Fatalf("expected REPLICATED deposit, got %s", got.State)
		}
		if got.UploadedAt == nil || got.HashedAt == nil || got.ReplicatedAt == nil {
			t.Fatalf("expected every milestone timestamp, got %+v", got)
		}
	})

	t.Run("folders and file node are materialized", func(t *testing.T) {
		file := mustDepositFile(t, env.db, "flow-deep")
		if file.TreeNodeID == nil {
			t.Fatal("expected deposit file to link its node")
		}
		node := mustGetNode(t, env.tree, *file.TreeNodeID)
		if node.NodeType != models.NodeTypeFile || node.Name != "c.txt" || node.Size != 11 {
			t.Fatalf("unexpected file node %+v", node)
		}
		if node.SHA256Sum == nil || *node.SHA256Sum != sha256Hex("hello world") {
			t.Fatalf("unexpected sha256 %v", node.SHA256Sum)
		}
		if node.UploadedByID == nil || *node.UploadedByID != env.user.ID {
			t.Fatalf("expected uploader %s, got %v", env.user.ID, node.UploadedByID)
		}

		b, err := env.tree.GetAncestor(context.Background(), node, models.NodeTypeFolder)
		if err != nil || b.Name != "b" {
			t.Fatalf("expected parent folder b, got %v (%v)", b, err)
		}
		a := mustGetNode(t, env.tree, *b.ParentID)
		if a.Name != "a" || *a.ParentID != env.collNode.ID {
			t.Fatalf("expected folder a under the collection, got %+v", a)
		}
		assertAggregate(t, env.tree, a.ID, 11, 1)
		assertAggregate(t, env.tree, env.collNode.ID, 11, 2)
		assertAggregate(t, env.tree, env.orgNode.ID, 11, 2)
	})

	t.Run("content is stored and chunks are gone", func(t *testing.T) {
		ok, err := env.content.Exists(context.Background(), env.org.ID, sha256Hex("hello world"))
		if err != nil || !ok {
			t.Fatalf("expected stored content, got %v (%v)", ok, err)
		}
		ok, err = env.content.Exists(context.Background(), env.org.ID, sha256Hex(""))
		if err != nil || !ok {
			t.Fatalf("expected stored empty content, got %v (%v)", ok, err)
		}
		if chunks, _ := env.chunks.List(env.org.ID, "flow-deep"); len(chunks) != 0 {
			t.Fatalf("expected chunks removed, %d remain", len(chunks))
		}
	})

	t.Run("repeated passes change nothing", func(t *testing.T) {
		again := mustRunOnce(t, env.pipeline)
		if again.Hashed+again.Replicated+again.Failed != 0 {
			t.Fatalf("expected idle pass, got %+v", again)
		}
		assertAggregate(t, env.tree, env.collNode.ID, 11, 2)
		assertAggregatesConsistent(t, env.db)
	})
}

func TestPipeline_ReplicationIsIdempotent(t *testing.T) {
	env := setupTestIngest(t)
	mustRegister(t, env, fileInput("flow-1", "dir/x.bin", 3))
	mustUpload(t, env.deposits, env.user.ID, "flow-1", 3, []byte("xyz"))

	if report := mustRunOnce(t, env.pipeline); report.Replicated != 1 {
		t.Fatalf("expected one replicated file, got %+v", report)
	}

	// Force the file back to HASHED as if a worker crashed after creating
	// the node but before recording the transition.
	if err := env.db.Model(&models.DepositFile{}).Where("flow_identifier = ?", "flow-1").
		Update("state", models.DepositFileStateHashed).Error; err != nil {
		t.Fatalf("failed resetting state: %v", err)
	}
	if report := mustRunOnce(t, env.pipeline); report.Replicated != 1 {
		t.Fatalf("expected file to be replicated again, got %+v", report)
	}

	var count int64
	env.db.Model(&models.Node{}).Where("name IN ?", []string{"dir", "x.bin"}).Count(&count)
	if count != 2 {
		t.Fatalf("expected one folder and one file node, got %d nodes", count)
	}
	assertAggregate(t, env.tree, env.collNode.ID, 3, 1)
	assertAggregatesConsistent(t, env.db)
}

func TestPipeline_RedepositReplacesInPlace(t *testing.T) {
	env := setupTestIngest(t)
	mustRegister(t, env, fileInput("v1", "report.pdf", 4))
	mustUpload(t, env.deposits, env.user.ID, "v1", 4, []byte("old!"))
	mustRunOnce(t, env.pipeline)
	first := mustDepositFile(t, env.db, "v1")

	mustRegister(t, env, fileInput("v2", "report.pdf", 9))
	mustUpload(t, env.deposits, env.user.ID, "v2", 9, []byte("brand new"))
	mustRunOnce(t, env.pipeline)
	second := mustDepositFile(t, env.db, "v2")

	if second.TreeNodeID == nil || *second.TreeNodeID != *first.TreeNodeID {
		t.Fatalf("expected the same node to be reused, got %v and %v", first.TreeNodeID, second.TreeNodeID)
	}
	node := mustGetNode(t, env.tree, *second.TreeNodeID)
	if node.Size != 9 || *node.SHA256Sum != sha256Hex("brand new") {
		t.Fatalf("expected node to carry the new content, got %+v", node)
	}
	assertAggregate(t, env.tree, env.collNode.ID, 9, 1)
	assertAggregatesConsistent(t, env.db)
}

func TestPipeline_Failures(t *testing.T) {
	t.Run("size mismatch marks the file as failed", func(t *testing.T) {
		env := setupTestIngest(t)
		deposit := mustRegister(t, env, fileInput("short", "short.txt", 10))
		mustUpload(t, env.deposits, env.user.ID, "short", 10, []byte("abc"))

		report := mustRunOnce(t, env.pipeline)
		if report.Failed != 1 {
			t.Fatalf("expected one failure, got %+v", report)
		}
		file := mustDepositFile(t, env.db, "short")
		if file.State != models.DepositFileStateError || file.ErrorMessage == nil || !strings.Contains(*file.ErrorMessage, "size mismatch") {
			t.Fatalf("unexpected failed file %+v", file)
		}
		if got := mustDeposit(t, env.db, deposit.ID).State; got != models.DepositStateCompleteWithErrors {
			t.Fatalf("expected COMPLETE_WITH_ERRORS, got %s", got)
		}
		if again := mustRunOnce(t, env.pipeline); again.Failed != 0 {
			t.Fatalf("expected failed file not to be retried, got %+v", again)
		}
	})

	t.Run("content store failure marks the file as failed", func(t *testing.T) {
		env := setupTestIngest(t)
		env.pipeline.Content = failingContentStore{}
		mustRegister(t, env, fileInput("io", "io.txt", 2))
		mustUpload(t, env.deposits, env.user.ID, "io", 2, []byte("ok"))

		mustRunOnce(t, env.pipeline)
		file := mustDepositFile(t, env.db, "io")
		if file.State != models.DepositFileStateError || !strings.Contains(*file.ErrorMessage, ErrIOFailure.Error()) {
			t.Fatalf("unexpected failed file %+v", file)
		}
	})

	t.Run("read failure is retried on the next pass", func(t *testing.T) {
		env := setupTestIngest(t)
		mustRegister(t, env, fileInput("flaky", "flaky.txt", 10))
		mustUpload(t, env.deposits, env.user.ID, "flaky", 10, []byte("hello"), []byte("world"))

		// Swap chunk 2 for a dangling link of the same length so the
		// listing still adds up but reading fails.
		chunkPath := env.chunks.ChunkPath(env.org.ID, "flaky", 2)
		if err := os.Remove(chunkPath); err != nil {
			t.Fatalf("failed removing chunk: %v", err)
		}
		if err := os.Symlink("/nope", chunkPath); err != nil {
			t.Fatalf("failed linking chunk: %v", err)
		}

		report := mustRunOnce(t, env.pipeline)
		if report.Hashed != 0 || report.Failed != 0 {
			t.Fatalf("expected nothing to finish, got %+v", report)
		}
		assertFileState(t, env.db, "flaky", models.DepositFileStateUploaded)
		if _, err := os.Stat(env.chunks.MergedPath(env.org.ID, "flaky") + ".tmp"); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected temp artifact to be removed, got %v", err)
		}

		if err := os.Remove(chunkPath); err != nil {
			t.Fatalf("failed removing link: %v", err)
		}
		if err := os.WriteFile(chunkPath, []byte("world"), 0o644); err != nil {
			t.Fatalf("failed restoring chunk: %v", err)
		}
		mustRunOnce(t, env.pipeline)
		assertFileState(t, env.db, "flaky", models.DepositFileStateReplicated)
	})

	t.Run("name taken by a folder fails replication", func(t *testing.T) {
		env := setupTestIngest(t)
		mustCreateFolder(t, env.tree, env.collNode, "clash")
		deposit := mustRegister(t, env, fileInput("clash", "clash", 1))
		mustUpload(t, env.deposits, env.user.ID, "clash", 1, []byte("c"))

		report := mustRunOnce(t, env.pipeline)
		if report.Hashed != 1 || report.Failed != 1 {
			t.Fatalf("unexpected pass report %+v", report)
		}
		assertFileState(t, env.db, "clash", models.DepositFileStateError)
		if got := mustDeposit(t, env.db, deposit.ID).State; got != models.DepositStateCompleteWithErrors {
			t.Fatalf("expected COMPLETE_WITH_ERRORS, got %s", got)
		}
		assertAggregate(t, env.tree, env.collNode.ID, 0, 0)
	})
}

func TestPipeline_ChunksOnAnotherMachine(t *testing.T) {
	env := setupTestIngest(t)
	elsewhere := storage.NewChunkStore(t.TempDir())
	remote := NewDepositService(env.db, env.tree, env.orgs, elsewhere)
	mustRegister(t, env, fileInput("split", "split.txt", 6))

	ctx := context.Background()
	if _, err := env.deposits.SubmitChunk(ctx, env.user.ID, ChunkInput{FlowIdentifier: "split", ChunkNumber: 1, TotalChunks: 2, TotalSize: 6}, strings.NewReader("abc")); err != nil {
		t.Fatalf("SubmitChunk returned error: %v", err)
	}
	receipt, err := remote.SubmitChunk(ctx, env.user.ID, ChunkInput{FlowIdentifier: "split", ChunkNumber: 2, TotalChunks: 2, TotalSize: 6}, strings.NewReader("def"))
	if err != nil {
		t.Fatalf("SubmitChunk returned error: %v", err)
	}
	if !receipt.Complete {
		t.Fatalf("expected chunks received on two machines to complete the file, got %+v", receipt)
	}
	assertFileState(t, env.db, "split", models.DepositFileStateUploaded)

	report := mustRunOnce(t, env.pipeline)
	if report.Skipped != 1 || report.Failed != 0 {
		t.Fatalf("expected the file to be skipped, got %+v", report)
	}
	assertFileState(t, env.db, "split", models.DepositFileStateUploaded)

	other := NewPipeline(env.db, env.tree, elsewhere, env.content, time.Hour, 0)
	if report := mustRunOnce(t, other); report.Skipped != 1 {
		t.Fatalf("expected the other machine to skip too, got %+v", report)
	}
	assertFileState(t, env.db, "split", models.DepositFileStateUploaded)
}

func TestPipeline_Run(t *testing.T) {
	env := setupTestIngest(t)
	mustRegister(t, env, fileInput("loop", "loop.txt", 4))
	mustUpload(t, env.deposits, env.user.ID, "loop", 4, []byte("loop"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.pipeline.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		var file models.DepositFile
		if err := env.db.First(&file, "flow_identifier = ?", "loop").Error; err == nil && file.State == models.DepositFileStateReplicated {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("pipeline did not replicate the file")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestPipeline_SkipsFlowMergedByAnotherWorker(t *testing.T) {
	env := setupTestIngest(t)
	mustRegister(t, env, fileInput("flow-busy", "busy.txt", 4))
	mustUpload(t, env.deposits, env.user.ID, "flow-busy", 4, []byte("busy"))

	tmpPath := env.chunks.MergedPath(env.org.ID, "flow-busy") + ".tmp"
	if err := os.WriteFile(tmpPath, []byte("bu"), 0o644); err != nil {
		t.Fatalf("failed writing in-flight artifact: %v", err)
	}

	report := mustRunOnce(t, env.pipeline)
	if report.Hashed != 0 || report.Failed != 0 || report.Skipped != 1 {
		t.Fatalf("expected the busy flow to be skipped, got %+v", report)
	}
	assertFileState(t, env.db, "flow-busy", models.DepositFileStateUploaded)

	if err := os.Remove(tmpPath); err != nil {
		t.Fatalf("failed removing in-flight artifact: %v", err)
	}
	report = mustRunOnce(t, env.pipeline)
	if report.Hashed != 1 || report.Replicated != 1 {
		t.Fatalf("expected the flow to complete once released, got %+v", report)
	}
	file := mustDepositFile(t, env.db, "flow-busy")
	if file.SHA256Sum == nil || *file.SHA256Sum != sha256Hex("busy") {
		t.Fatalf("unexpected digest %v", file.SHA256Sum)
	}
	assertAggregatesConsistent(t, env.db)
}
