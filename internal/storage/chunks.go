package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

var (
	ErrInvalidFlow  = errors.New("invalid flow identifier")
	ErrInvalidChunk = errors.New("invalid chunk number")
)

var (
	flowPattern      = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	chunkNamePattern = regexp.MustCompile(`^(.+)-([0-9]+)\.tmp$`)
)

// ChunkStore keeps the chunks received by this machine under
// {root}/{organization_id}/chunks. Chunks of one upload may be spread over
// several machines, each with its own ChunkStore.
type ChunkStore struct {
	root string
}

// Chunk is one finished chunk artifact on local disk.
type Chunk struct {
	Number int
	Size   int64
	Path   string
}

func NewChunkStore(root string) *ChunkStore {
	return &ChunkStore{root: root}
}

func ValidateFlowIdentifier(flow string) error {
	if !flowPattern.MatchString(flow) {
		return fmt.Errorf("%w: %q", ErrInvalidFlow, flow)
	}
	return nil
}

func (s *ChunkStore) Dir(orgID uuid.UUID) string {
	return filepath.Join(s.root, orgID.String(), "chunks")
}

func (s *ChunkStore) ChunkPath(orgID uuid.UUID, flow string, number int) string {
	return filepath.Join(s.Dir(orgID), fmt.Sprintf("%s-%d.tmp", flow, number))
}

func (s *ChunkStore) MergedPath(orgID uuid.UUID, flow string) string {
	return filepath.Join(s.Dir(orgID), flow+".merged")
}

// Write stores one chunk. The bytes land in a hidden temp file that is
// renamed into place, so a finished chunk artifact is always complete. A
// chunk that already exists is left alone and reported with written=false.
func (s *ChunkStore) Write(orgID uuid.UUID, flow string, number int, r io.Reader) (written bool, size int64, err error) {
	if err := ValidateFlowIdentifier(flow); err != nil {
		return false, 0, err
	}
	if number < 1 {
		return false, 0, fmt.Errorf("%w: %d", ErrInvalidChunk, number)
	}

	target := s.ChunkPath(orgID, flow, number)
	if info, statErr := os.Stat(target); statErr == nil {
		return false, info.Size(), nil
	}

	if err := os.MkdirAll(s.Dir(orgID), 0o755); err != nil {
		return false, 0, fmt.Errorf("failed creating chunk directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir(orgID), "."+filepath.Base(target)+".*")
	if err != nil {
		return false, 0, fmt.Errorf("failed creating chunk temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	size, err = io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return false, 0, fmt.Errorf("failed writing chunk: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return false, 0, fmt.Errorf("failed closing chunk: %w", err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return false, 0, fmt.Errorf("failed finalizing chunk: %w", err)
	}
	return true, size, nil
}

// Has reports whether the finished chunk artifact exists locally.
func (s *ChunkStore) Has(orgID uuid.UUID, flow string, number int) bool {
	if ValidateFlowIdentifier(flow) != nil || number < 1 {
		return false
	}
	_, err := os.Stat(s.ChunkPath(orgID, flow, number))
	return err == nil
}

// List returns the local chunks of a flow ordered by chunk number. A
// missing chunk directory yields no chunks.
func (s *ChunkStore) List(orgID uuid.UUID, flow string) ([]Chunk, error) {
	if err := ValidateFlowIdentifier(flow); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.Dir(orgID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var chunks []Chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := chunkNamePattern.FindStringSubmatch(entry.Name())
		if match == nil || match[1] != flow {
			continue
		}
		number, err := strconv.Atoi(match[2])
		if err != nil || number < 1 {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			Number: number,
			Size:   info.Size(),
			Path:   filepath.Join(s.Dir(orgID), entry.Name()),
		})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Number < chunks[j].Number })
	return chunks, nil
}

// Remove deletes every local chunk of a flow along with leftover merge
// artifacts.
func (s *ChunkStore) Remove(orgID uuid.UUID, flow string) error {
	chunks, err := s.List(orgID, flow)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := os.Remove(chunk.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	for _, leftover := range []string{s.MergedPath(orgID, flow), s.MergedPath(orgID, flow) + ".tmp"} {
		if err := os.Remove(leftover); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
