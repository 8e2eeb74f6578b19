package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/docshare/vault/internal/config"
	"github.com/docshare/vault/pkg/logger"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOContentStore keeps merged files in a bucket under
// {organization_id}/{sha256}.
type MinIOContentStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOContentStore(cfg config.MinIOConfig) (*MinIOContentStore, error) {
	var creds *credentials.Credentials
	if cfg.AccessKey == "" {
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOContentStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func ObjectKey(orgID uuid.UUID, sha256Hex string) string {
	return orgID.String() + "/" + sha256Hex
}

func (m *MinIOContentStore) Locator(orgID uuid.UUID, sha256Hex string) string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, ObjectKey(orgID, sha256Hex))
}

func (m *MinIOContentStore) Exists(ctx context.Context, orgID uuid.UUID, sha256Hex string) (bool, error) {
	if err := ValidateDigest(sha256Hex); err != nil {
		return false, err
	}
	_, err := m.client.StatObject(ctx, m.bucket, ObjectKey(orgID, sha256Hex), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (m *MinIOContentStore) Put(ctx context.Context, orgID uuid.UUID, sha256Hex string, srcPath string) (string, error) {
	key := ObjectKey(orgID, sha256Hex)
	exists, err := m.Exists(ctx, orgID, sha256Hex)
	if err != nil {
		return "", err
	}

	if !exists {
		info, err := m.client.FPutObject(ctx, m.bucket, key, srcPath, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			logger.Error("minio_upload_failed", err, map[string]interface{}{
				"object_name": key,
				"bucket":      m.bucket,
			})
			return "", err
		}
		logger.Info("minio_upload_success", map[string]interface{}{
			"object_name": key,
			"size":        humanize.IBytes(uint64(info.Size)),
			"bucket":      m.bucket,
		})
	} else {
		logger.Info("content_already_stored", map[string]interface{}{
			"object_name": key,
			"bucket":      m.bucket,
		})
	}

	if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return m.Locator(orgID, sha256Hex), nil
}

func (m *MinIOContentStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed creating bucket %s: %w", m.bucket, err)
	}
	return nil
}

// NewContentStore builds the backend selected by the storage config.
func NewContentStore(ctx context.Context, cfg *config.Config) (ContentStore, error) {
	switch cfg.Storage.ContentBackend {
	case config.ContentBackendLocal, "":
		return NewLocalContentStore(cfg.Storage.ContentRoot), nil
	case config.ContentBackendMinIO:
		store, err := NewMinIOContentStore(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Storage.ContentBackend)
	}
}
