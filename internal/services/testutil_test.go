package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/storage"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testTree struct {
	db         *gorm.DB
	accounting *AccountingService
	tree       *TreeService
	orgs       *OrganizationService
	org        *models.Organization
	collection *models.Collection
	orgNode    *models.Node
	collNode   *models.Node
	user       *models.User
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating schema: %v", err)
	}
	return db
}

// setupTestTree builds one organization with one collection and a user
// scoped to it.
func setupTestTree(t *testing.T) *testTree {
	t.Helper()

	db := setupTestDB(t)
	accounting := NewAccountingService(db)
	tree := NewTreeService(db, accounting)
	orgs := NewOrganizationService(db, tree, 1<<40)

	ctx := context.Background()
	org, err := orgs.CreateOrganization(ctx, "Test Archive", 0)
	if err != nil {
		t.Fatalf("failed creating organization: %v", err)
	}
	collection, err := orgs.CreateCollection(ctx, org.ID, "Web Crawls")
	if err != nil {
		t.Fatalf("failed creating collection: %v", err)
	}

	user := &models.User{Username: "archivist", Email: "archivist@example.org", OrganizationID: &org.ID}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}

	return &testTree{
		db:         db,
		accounting: accounting,
		tree:       tree,
		orgs:       orgs,
		org:        org,
		collection: collection,
		orgNode:    mustGetNode(t, tree, *org.TreeNodeID),
		collNode:   mustGetNode(t, tree, *collection.TreeNodeID),
		user:       user,
	}
}

func mustGetNode(t *testing.T, tree *TreeService, id uuid.UUID) *models.Node {
	t.Helper()
	node, err := tree.GetUnscoped(context.Background(), id)
	if err != nil {
		t.Fatalf("failed loading node %s: %v", id, err)
	}
	return node
}

func mustCreateFolder(t *testing.T, tree *TreeService, parent *models.Node, name string) *models.Node {
	t.Helper()
	node, err := tree.Create(context.Background(), CreateNodeInput{
		ParentID: &parent.ID,
		Type:     models.NodeTypeFolder,
		Name:     name,
	})
	if err != nil {
		t.Fatalf("failed creating folder %q: %v", name, err)
	}
	return node
}

func mustCreateFile(t *testing.T, tree *TreeService, parent *models.Node, name string, size int64) *models.Node {
	t.Helper()
	node, err := tree.Create(context.Background(), CreateNodeInput{
		ParentID: &parent.ID,
		Type:     models.NodeTypeFile,
		Name:     name,
		Size:     size,
	})
	if err != nil {
		t.Fatalf("failed creating file %q: %v", name, err)
	}
	return node
}

func assertAggregate(t *testing.T, tree *TreeService, id uuid.UUID, size, fileCount int64) {
	t.Helper()
	node := mustGetNode(t, tree, id)
	if node.Size != size || node.FileCount != fileCount {
		t.Fatalf("node %q: expected (%d, %d), got (%d, %d)", node.Name, size, fileCount, node.Size, node.FileCount)
	}
}

// assertAggregatesConsistent recomputes every live container's aggregate
// from its live FILE descendants and compares it to the stored values.
func assertAggregatesConsistent(t *testing.T, db *gorm.DB) {
	t.Helper()

	var nodes []models.Node
	if err := db.Find(&nodes).Error; err != nil {
		t.Fatalf("failed loading nodes: %v", err)
	}
	for _, container := range nodes {
		if !container.IsContainer() {
			continue
		}
		var size, count int64
		for _, candidate := range nodes {
			if candidate.NodeType == models.NodeTypeFile && candidate.ID != container.ID && candidate.IsWithin(&container) {
				size += candidate.Size
				count++
			}
		}
		if container.Size != size || container.FileCount != count {
			t.Errorf("container %q: stored (%d, %d), expected (%d, %d)",
				container.Name, container.Size, container.FileCount, size, count)
		}
	}
}

type testIngest struct {
	*testTree
	chunks   *storage.ChunkStore
	content  *storage.LocalContentStore
	deposits *DepositService
	pipeline *Pipeline
}

func setupTestIngest(t *testing.T) *testIngest {
	t.Helper()

	env := setupTestTree(t)
	chunks := storage.NewChunkStore(t.TempDir())
	content := storage.NewLocalContentStore(t.TempDir())
	return &testIngest{
		testTree: env,
		chunks:   chunks,
		content:  content,
		deposits: NewDepositService(env.db, env.tree, env.orgs, chunks),
		pipeline: NewPipeline(env.db, env.tree, chunks, content, time.Hour, 8),
	}
}

func fileInput(flow, relativePath string, size int64) DepositFileInput {
	name := relativePath
	if i := strings.LastIndex(relativePath, "/"); i >= 0 {
		name = relativePath[i+1:]
	}
	return DepositFileInput{FlowIdentifier: flow, Name: name, RelativePath: relativePath, Size: size, Type: "text/plain"}
}

func mustRegister(t *testing.T, env *testIngest, files ...DepositFileInput) *models.Deposit {
	t.Helper()
	deposit, err := env.deposits.RegisterDeposit(context.Background(), env.user.ID, RegisterDepositInput{
		CollectionID: &env.collection.ID,
		Files:        files,
	})
	if err != nil {
		t.Fatalf("RegisterDeposit returned error: %v", err)
	}
	return deposit
}

// mustUpload submits parts as chunks 1..n of flow, announcing declared as
// the total size.
func mustUpload(t *testing.T, deposits *DepositService, userID uuid.UUID, flow string, declared int64, parts ...[]byte) *ChunkReceipt {
	t.Helper()
	var receipt *ChunkReceipt
	for i, part := range parts {
		var err error
		receipt, err = deposits.SubmitChunk(context.Background(), userID, ChunkInput{
			FlowIdentifier: flow,
			ChunkNumber:    i + 1,
			TotalChunks:    len(parts),
			TotalSize:      declared,
		}, bytes.NewReader(part))
		if err != nil {
			t.Fatalf("SubmitChunk %s/%d returned error: %v", flow, i+1, err)
		}
	}
	return receipt
}

func mustRunOnce(t *testing.T, pipeline *Pipeline) *PassReport {
	t.Helper()
	report, err := pipeline.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	return report
}

func mustDepositFile(t *testing.T, db *gorm.DB, flow string) *models.DepositFile {
	t.Helper()
	var file models.DepositFile
	if err := db.First(&file, "flow_identifier = ?", flow).Error; err != nil {
		t.Fatalf("failed loading deposit file %s: %v", flow, err)
	}
	return &file
}

func mustDeposit(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Deposit {
	t.Helper()
	var deposit models.Deposit
	if err := db.First(&deposit, "id = ?", id).Error; err != nil {
		t.Fatalf("failed loading deposit %s: %v", id, err)
	}
	return &deposit
}

func assertFileState(t *testing.T, db *gorm.DB, flow string, want models.DepositFileState) {
	t.Helper()
	if file := mustDepositFile(t, db, flow); file.State != want {
		msg := ""
		if file.ErrorMessage != nil {
			msg = fmt.Sprintf(" (%s)", *file.ErrorMessage)
		}
		t.Fatalf("flow %s: expected state %s, got %s%s", flow, want, file.State, msg)
	}
}
