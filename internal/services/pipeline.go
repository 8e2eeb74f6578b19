package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/storage"
	"github.com/docshare/vault/pkg/logger"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultPollInterval = 20 * time.Second

// Pipeline turns uploaded chunks into stored content and tree nodes. Every
// step is idempotent and guarded by the file's current state, so any number
// of pipelines on any number of machines may run against the same database.
type Pipeline struct {
	DB              *gorm.DB
	Tree            *TreeService
	Chunks          *storage.ChunkStore
	Content         storage.ContentStore
	Interval        time.Duration
	MergeBufferSize int
}

func NewPipeline(db *gorm.DB, tree *TreeService, chunks *storage.ChunkStore, content storage.ContentStore, interval time.Duration, mergeBufferSize int) *Pipeline {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Pipeline{
		DB:              db,
		Tree:            tree,
		Chunks:          chunks,
		Content:         content,
		Interval:        interval,
		MergeBufferSize: mergeBufferSize,
	}
}

// PassReport counts what one pass did.
type PassReport struct {
	Hashed     int
	Replicated int
	Skipped    int
	Failed     int
}

// Run executes passes until ctx is cancelled. A cancelled context
// interrupts the sleep between passes; a pass in progress stops between
// files.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Info("pipeline_started", map[string]interface{}{
		"interval": p.Interval.String(),
	})
	for {
		report, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("pipeline_pass_failed", err, nil)
		} else if report.Hashed+report.Replicated+report.Failed > 0 {
			logger.Info("pipeline_pass_finished", map[string]interface{}{
				"hashed":     report.Hashed,
				"replicated": report.Replicated,
				"skipped":    report.Skipped,
				"failed":     report.Failed,
			})
		}

		select {
		case <-ctx.Done():
			logger.Info("pipeline_stopped", nil)
			return nil
		case <-time.After(p.Interval):
		}
	}
	logger.Info("pipeline_stopped", nil)
	return nil
}

// RunOnce merges every UPLOADED file whose chunks are on this machine, then
// materializes every HASHED file in the tree.
func (p *Pipeline) RunOnce(ctx context.Context) (*PassReport, error) {
	report := &PassReport{}

	var uploaded []models.DepositFile
	if err := p.DB.WithContext(ctx).
		Where("state = ?", models.DepositFileStateUploaded).
		Order("uploaded_at").
		Find(&uploaded).Error; err != nil {
		return report, err
	}
	for i := range uploaded {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := p.processUploaded(ctx, &uploaded[i], report); err != nil {
			return report, err
		}
	}

	var hashed []models.DepositFile
	if err := p.DB.WithContext(ctx).
		Where("state = ?", models.DepositFileStateHashed).
		Order("hashed_at").
		Find(&hashed).Error; err != nil {
		return report, err
	}
	for i := range hashed {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := p.replicate(ctx, &hashed[i], report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// processUploaded returns an error only for failures that should end the
// pass; per-file problems are recorded on the file.
func (p *Pipeline) processUploaded(ctx context.Context, file *models.DepositFile, report *PassReport) error {
	var deposit models.Deposit
	if err := p.DB.WithContext(ctx).First(&deposit, "id = ?", file.DepositID).Error; err != nil {
		return err
	}
	orgID := deposit.OrganizationID

	chunks, err := p.Chunks.List(orgID, file.FlowIdentifier)
	if err != nil {
		logger.Warn("chunk_list_failed", map[string]interface{}{
			"flow_identifier": file.FlowIdentifier,
			"error":           err.Error(),
		})
		report.Skipped++
		return nil
	}
	if len(chunks) == 0 || !haveAllChunks(chunks, file.TotalChunks) {
		logger.Debug("chunks_not_local", map[string]interface{}{
			"flow_identifier": file.FlowIdentifier,
			"local_chunks":    len(chunks),
			"total_chunks":    file.TotalChunks,
		})
		report.Skipped++
		return nil
	}

	var localSize int64
	for _, chunk := range chunks {
		localSize += chunk.Size
	}
	if localSize != file.Size {
		report.Failed++
		return p.markError(ctx, file, models.DepositFileStateUploaded,
			fmt.Errorf("%w: chunks hold %d bytes, %d declared", ErrSizeMismatch, localSize, file.Size))
	}

	total := file.TotalChunks
	if total == 0 {
		total = len(chunks)
	}
	merged, err := p.Chunks.Merge(ctx, orgID, file.FlowIdentifier, total, p.MergeBufferSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, storage.ErrMergeInProgress) {
			logger.Debug("merge_in_progress", map[string]interface{}{
				"flow_identifier": file.FlowIdentifier,
			})
			report.Skipped++
			return nil
		}
		// Left UPLOADED; the next pass retries.
		logger.Error("merge_failed", err, map[string]interface{}{
			"flow_identifier": file.FlowIdentifier,
		})
		report.Skipped++
		return nil
	}

	locator, err := p.Content.Put(ctx, orgID, merged.SHA256, merged.Path)
	if err != nil {
		report.Failed++
		return p.markError(ctx, file, models.DepositFileStateUploaded, fmt.Errorf("%w: %v", ErrIOFailure, err))
	}

	var transitioned bool
	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.DepositFile{}).
			Where("id = ? AND state = ?", file.ID, models.DepositFileStateUploaded).
			Updates(map[string]interface{}{
				"state":        models.DepositFileStateHashed,
				"md5_sum":      merged.MD5,
				"sha1_sum":     merged.SHA1,
				"sha256_sum":   merged.SHA256,
				"content_path": locator,
				"hashed_at":    time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		transitioned = true
		return refreshDepositState(tx, file.DepositID)
	})
	if err != nil {
		return err
	}

	if err := p.Chunks.Remove(orgID, file.FlowIdentifier); err != nil {
		logger.Warn("chunk_cleanup_failed", map[string]interface{}{
			"flow_identifier": file.FlowIdentifier,
			"error":           err.Error(),
		})
	}
	if !transitioned {
		report.Skipped++
		return nil
	}

	report.Hashed++
	logger.Info("deposit_file_hashed", map[string]interface{}{
		"flow_identifier": file.FlowIdentifier,
		"sha256":          merged.SHA256,
		"size":            humanize.IBytes(uint64(merged.Size)),
	})
	return nil
}

func haveAllChunks(chunks []storage.Chunk, total int) bool {
	if total == 0 {
		return true
	}
	present := make(map[int]bool, len(chunks))
	for _, chunk := range chunks {
		present[chunk.Number] = true
	}
	for n := 1; n <= total; n++ {
		if !present[n] {
			return false
		}
	}
	return true
}

// replicate creates or updates the FILE node for a HASHED file, creating
// the FOLDER nodes of its relative path on the way, and moves the file to
// REPLICATED. Node writes and the state change share one transaction.
func (p *Pipeline) replicate(ctx context.Context, file *models.DepositFile, report *PassReport) error {
	var nodeID uuid.UUID
	var created bool
	err := p.Tree.Tx(ctx, func(tx *gorm.DB) error {
		var current models.DepositFile
		if err := tx.First(&current, "id = ? AND state = ?", file.ID, models.DepositFileStateHashed).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		var deposit models.Deposit
		if err := tx.First(&deposit, "id = ?", current.DepositID).Error; err != nil {
			return err
		}

		node, isNew, err := p.materialize(tx, &current, &deposit)
		if err != nil {
			return err
		}

		result := tx.Model(&models.DepositFile{}).
			Where("id = ? AND state = ?", current.ID, models.DepositFileStateHashed).
			Updates(map[string]interface{}{
				"state":         models.DepositFileStateReplicated,
				"tree_node_id":  node.ID,
				"replicated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		nodeID, created = node.ID, isNew
		return refreshDepositState(tx, current.DepositID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanentReplicationError(err) {
			report.Failed++
			return p.markError(ctx, file, models.DepositFileStateHashed, err)
		}
		logger.Error("replication_failed", err, map[string]interface{}{
			"flow_identifier": file.FlowIdentifier,
		})
		report.Skipped++
		return nil
	}
	if nodeID == uuid.Nil {
		report.Skipped++
		return nil
	}

	report.Replicated++
	logger.Info("deposit_file_replicated", map[string]interface{}{
		"flow_identifier": file.FlowIdentifier,
		"node_id":         nodeID.String(),
		"created":         created,
	})
	return nil
}

func (p *Pipeline) materialize(tx *gorm.DB, file *models.DepositFile, deposit *models.Deposit) (*models.Node, bool, error) {
	parent, err := findNode(tx, deposit.ParentNodeID)
	if err != nil {
		return nil, false, err
	}

	segments := strings.Split(file.RelativePath, "/")
	for _, segment := range segments[:len(segments)-1] {
		if segment == "" {
			continue
		}
		parent, _, err = p.Tree.getOrCreateChild(tx, parent, CreateNodeInput{
			Type: models.NodeTypeFolder,
			Name: segment,
		})
		if err != nil {
			return nil, false, err
		}
	}

	uploadedAt := file.UploadedAt
	if uploadedAt == nil {
		uploadedAt = &file.RegisteredAt
	}
	node, created, err := p.Tree.getOrCreateChild(tx, parent, CreateNodeInput{
		Type:                 models.NodeTypeFile,
		Name:                 file.Name,
		Size:                 file.Size,
		MD5Sum:               file.MD5Sum,
		SHA1Sum:              file.SHA1Sum,
		SHA256Sum:            file.SHA256Sum,
		FileType:             file.Type,
		ContentPath:          file.ContentPath,
		UploadedAt:           uploadedAt,
		PreDepositModifiedAt: file.PreDepositModifiedAt,
		UploadedByID:         &deposit.UserID,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return node, true, nil
	}
	// The resize delta is computed from the locked row.
	node, err = findNodeForUpdate(tx, node.ID, false)
	if err != nil {
		return nil, false, err
	}

	logger.Info("file_node_replaced", map[string]interface{}{
		"node_id":         node.ID.String(),
		"name":            node.Name,
		"previous_sha256": stringValue(node.SHA256Sum),
		"previous_size":   node.Size,
	})
	if err := tx.Model(&models.Node{}).Where("id = ?", node.ID).Updates(map[string]interface{}{
		"md5_sum":                 file.MD5Sum,
		"sha1_sum":                file.SHA1Sum,
		"sha256_sum":              file.SHA256Sum,
		"file_type":               file.Type,
		"content_path":            file.ContentPath,
		"uploaded_at":             uploadedAt,
		"pre_deposit_modified_at": file.PreDepositModifiedAt,
		"uploaded_by_id":          deposit.UserID,
	}).Error; err != nil {
		return nil, false, err
	}
	if node.Size != file.Size {
		if err := p.Tree.resize(tx, node, file.Size); err != nil {
			return nil, false, err
		}
	}
	return node, false, nil
}

// isPermanentReplicationError reports failures that another pass would
// only repeat: the tree refuses the file as deposited.
func isPermanentReplicationError(err error) bool {
	for _, permanent := range []error{ErrNameConflict, ErrNameTooLong, ErrInvalidInput, ErrHierarchyViolation, ErrNotFound} {
		if errors.Is(err, permanent) {
			return true
		}
	}
	return false
}

func (p *Pipeline) markError(ctx context.Context, file *models.DepositFile, from models.DepositFileState, cause error) error {
	message := cause.Error()
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.DepositFile{}).
			Where("id = ? AND state = ?", file.ID, from).
			Updates(map[string]interface{}{
				"state":         models.DepositFileStateError,
				"error_message": message,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return refreshDepositState(tx, file.DepositID)
	})
	if err != nil {
		return err
	}

	logger.Error("deposit_file_failed", cause, map[string]interface{}{
		"flow_identifier": file.FlowIdentifier,
		"deposit_id":      file.DepositID.String(),
	})
	return nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
