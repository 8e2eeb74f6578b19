package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/docshare/vault/pkg/logger"
	"github.com/google/uuid"
)

var ErrInvalidDigest = errors.New("invalid sha256 digest")

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ContentStore is the content-addressed home of merged files. Objects are
// keyed by organization and SHA-256; putting an object that already exists
// keeps the stored copy.
type ContentStore interface {
	// Put moves the file at srcPath into the store and returns its locator.
	// srcPath no longer exists after a successful Put.
	Put(ctx context.Context, orgID uuid.UUID, sha256Hex string, srcPath string) (string, error)
	Exists(ctx context.Context, orgID uuid.UUID, sha256Hex string) (bool, error)
}

func ValidateDigest(sha256Hex string) error {
	if !digestPattern.MatchString(sha256Hex) {
		return fmt.Errorf("%w: %q", ErrInvalidDigest, sha256Hex)
	}
	return nil
}

// LocalContentStore lays objects out as {root}/{organization_id}/{sha256}.
type LocalContentStore struct {
	root string
}

func NewLocalContentStore(root string) *LocalContentStore {
	return &LocalContentStore{root: root}
}

func (s *LocalContentStore) ObjectPath(orgID uuid.UUID, sha256Hex string) string {
	return filepath.Join(s.root, orgID.String(), sha256Hex)
}

func (s *LocalContentStore) Exists(_ context.Context, orgID uuid.UUID, sha256Hex string) (bool, error) {
	if err := ValidateDigest(sha256Hex); err != nil {
		return false, err
	}
	_, err := os.Stat(s.ObjectPath(orgID, sha256Hex))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalContentStore) Put(ctx context.Context, orgID uuid.UUID, sha256Hex string, srcPath string) (string, error) {
	dest := s.ObjectPath(orgID, sha256Hex)
	exists, err := s.Exists(ctx, orgID, sha256Hex)
	if err != nil {
		return "", err
	}
	if exists {
		if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		logger.Info("content_already_stored", map[string]interface{}{
			"organization_id": orgID.String(),
			"sha256":          sha256Hex,
		})
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed creating content directory: %w", err)
	}
	if err := os.Rename(srcPath, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			logger.Error("content_move_failed", err, map[string]interface{}{
				"organization_id": orgID.String(),
				"sha256":          sha256Hex,
			})
			return "", err
		}
		if err := copyAcrossDevices(srcPath, dest); err != nil {
			logger.Error("content_copy_failed", err, map[string]interface{}{
				"organization_id": orgID.String(),
				"sha256":          sha256Hex,
			})
			return "", err
		}
	}

	logger.Info("content_stored", map[string]interface{}{
		"organization_id": orgID.String(),
		"sha256":          sha256Hex,
		"path":            dest,
	})
	return dest, nil
}

// copyAcrossDevices is the rename fallback when the chunk and content
// roots live on different filesystems.
func copyAcrossDevices(srcPath, dest string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Remove(srcPath)
}
