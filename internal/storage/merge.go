package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docshare/vault/pkg/logger"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const DefaultMergeBufferSize = 2 * 1024 * 1024

// StaleMergeAge is how long a {flow}.merged.tmp may go unwritten before
// another merger treats its owner as dead and reclaims it.
const StaleMergeAge = 30 * time.Minute

var (
	ErrChunkMissing    = errors.New("chunk missing")
	ErrMergeInProgress = errors.New("merge already in progress")
)

// MergeResult describes a finished {flow}.merged artifact.
type MergeResult struct {
	Path   string
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
}

// Merge concatenates chunks 1..totalChunks of a flow into {flow}.merged,
// computing MD5, SHA-1 and SHA-256 in the same pass. The bytes are written
// to {flow}.merged.tmp first, created exclusively: a concurrent merger of
// the same flow gets ErrMergeInProgress instead of sharing the file. On any
// other failure the temp artifact is removed and the chunks are left
// untouched so the merge can be retried.
func (s *ChunkStore) Merge(ctx context.Context, orgID uuid.UUID, flow string, totalChunks int, bufferSize int) (result *MergeResult, err error) {
	if err := ValidateFlowIdentifier(flow); err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultMergeBufferSize
	}

	final := s.MergedPath(orgID, flow)
	tmpPath := final + ".tmp"
	out, err := createMergeArtifact(tmpPath, time.Now())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	md5Hash, sha1Hash, sha256Hash := md5.New(), sha1.New(), sha256.New()
	sink := io.MultiWriter(out, md5Hash, sha1Hash, sha256Hash)
	buf := make([]byte, bufferSize)
	start := time.Now()

	var total int64
	for n := 1; n <= totalChunks; n++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		var written int64
		written, err = copyChunk(sink, s.ChunkPath(orgID, flow, n), buf)
		if err != nil {
			logger.Error("chunk_read_failed", err, map[string]interface{}{
				"flow_identifier": flow,
				"chunk_number":    n,
			})
			return nil, err
		}
		total += written
	}

	if err = out.Sync(); err != nil {
		return nil, fmt.Errorf("failed syncing merge artifact: %w", err)
	}
	if err = out.Close(); err != nil {
		return nil, fmt.Errorf("failed closing merge artifact: %w", err)
	}
	if err = os.Rename(tmpPath, final); err != nil {
		return nil, fmt.Errorf("failed finalizing merge artifact: %w", err)
	}

	elapsed := time.Since(start)
	rate := "n/a"
	if elapsed > 0 {
		rate = humanize.IBytes(uint64(float64(total)/elapsed.Seconds())) + "/s"
	}
	logger.Info("chunks_merged", map[string]interface{}{
		"flow_identifier": flow,
		"chunks":          totalChunks,
		"size":            humanize.IBytes(uint64(total)),
		"duration_ms":     elapsed.Milliseconds(),
		"rate":            rate,
	})

	return &MergeResult{
		Path:   final,
		Size:   total,
		MD5:    hex.EncodeToString(md5Hash.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1Hash.Sum(nil)),
		SHA256: hex.EncodeToString(sha256Hash.Sum(nil)),
	}, nil
}

// createMergeArtifact opens path with O_EXCL. An existing artifact older
// than StaleMergeAge is removed and the create retried once.
func createMergeArtifact(path string, now time.Time) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed creating merge artifact: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) && attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrMergeInProgress, path)
		}
		if attempt > 0 || now.Sub(info.ModTime()) < StaleMergeAge {
			return nil, fmt.Errorf("%w: %s", ErrMergeInProgress, path)
		}

		logger.Warn("stale_merge_artifact_removed", map[string]interface{}{
			"path":     path,
			"modified": info.ModTime().UTC().Format(time.RFC3339),
		})
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed removing stale merge artifact: %w", err)
		}
	}
}

func copyChunk(dst io.Writer, path string, buf []byte) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrChunkMissing, path)
		}
		return 0, err
	}
	defer in.Close()
	return io.CopyBuffer(dst, in, buf)
}
