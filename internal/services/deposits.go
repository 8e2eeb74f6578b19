package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/storage"
	"github.com/docshare/vault/pkg/logger"
	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DepositService registers deposits and receives their chunks. Everything
// after the last chunk is the Pipeline's job.
type DepositService struct {
	DB     *gorm.DB
	Tree   *TreeService
	Orgs   *OrganizationService
	Chunks *storage.ChunkStore
}

func NewDepositService(db *gorm.DB, tree *TreeService, orgs *OrganizationService, chunks *storage.ChunkStore) *DepositService {
	return &DepositService{DB: db, Tree: tree, Orgs: orgs, Chunks: chunks}
}

type DepositFileInput struct {
	FlowIdentifier       string     `json:"flowIdentifier"`
	Name                 string     `json:"name"`
	RelativePath         string     `json:"relativePath"`
	Size                 int64      `json:"size"`
	Type                 string     `json:"type"`
	PreDepositModifiedAt *time.Time `json:"preDepositModifiedAt"`
}

func (f DepositFileInput) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.FlowIdentifier,
			validation.Required,
			validation.Length(1, 255),
			validation.By(func(interface{}) error { return storage.ValidateFlowIdentifier(f.FlowIdentifier) }),
		),
		validation.Field(&f.Name,
			validation.Required,
			validation.Length(1, maxNodeNameLength),
			validation.Match(nodeNamePattern).Error("must not contain '/'"),
		),
		validation.Field(&f.RelativePath,
			validation.Required,
			validation.By(func(interface{}) error { return validateRelativePath(f.RelativePath, f.Name) }),
		),
		validation.Field(&f.Size, validation.Min(int64(0))),
	)
}

// validateRelativePath requires the last segment of path to be name and
// refuses dot segments, which the tree could not represent.
func validateRelativePath(path, name string) error {
	if path != name && !strings.HasSuffix(path, "/"+name) {
		return fmt.Errorf("must end with the file name")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "." || segment == ".." {
			return fmt.Errorf("must not contain %q segments", segment)
		}
	}
	return nil
}

// RegisterDepositInput locates the deposit's parent either by collection or
// by an existing FOLDER/COLLECTION node.
type RegisterDepositInput struct {
	CollectionID *uuid.UUID         `json:"collectionID"`
	ParentNodeID *uuid.UUID         `json:"parentNodeID"`
	Files        []DepositFileInput `json:"files"`
}

func (in RegisterDepositInput) Validate() error {
	if (in.CollectionID == nil) == (in.ParentNodeID == nil) {
		return fmt.Errorf("exactly one of collectionID or parentNodeID is required")
	}
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Files, validation.Required),
	); err != nil {
		return err
	}

	seen := make(map[string]bool, len(in.Files))
	for _, f := range in.Files {
		if seen[f.FlowIdentifier] {
			return fmt.Errorf("duplicate flow identifier %q", f.FlowIdentifier)
		}
		seen[f.FlowIdentifier] = true
	}
	return nil
}

// ChunkInput mirrors the flow.js chunk parameters.
type ChunkInput struct {
	FlowIdentifier string
	ChunkNumber    int
	TotalChunks    int
	TotalSize      int64
}

type ChunkReceipt struct {
	Written  bool  `json:"written"`
	Size     int64 `json:"size"`
	Received int64 `json:"received"`
	Complete bool  `json:"complete"`
}

type DepositStatusReport struct {
	Deposit models.Deposit                    `json:"deposit"`
	Counts  map[models.DepositFileState]int64 `json:"counts"`
	Total   int64                             `json:"total"`
}

func (s *DepositService) RegisterDeposit(ctx context.Context, userID uuid.UUID, in RegisterDepositInput) (*models.Deposit, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var total int64
	for _, f := range in.Files {
		total += f.Size
	}

	deposit := &models.Deposit{UserID: userID, State: models.DepositStateRegistered}
	err := s.Tree.Tx(ctx, func(tx *gorm.DB) error {
		user, org, err := userOrganization(tx, userID)
		if err != nil {
			return err
		}

		parent, collection, err := s.resolveParent(tx, user, org, in)
		if err != nil {
			return err
		}

		orgNode, err := s.Orgs.ensureOrganizationNode(tx, org)
		if err != nil {
			return err
		}
		if org.QuotaBytes > 0 && orgNode.Size+total > org.QuotaBytes {
			return fmt.Errorf("%w: %s of %s already used, deposit adds %s", ErrQuotaExceeded,
				humanize.IBytes(uint64(orgNode.Size)), humanize.IBytes(uint64(org.QuotaBytes)), humanize.IBytes(uint64(total)))
		}

		now := time.Now().UTC()
		deposit.OrganizationID = org.ID
		deposit.CollectionID = collection.ID
		deposit.ParentNodeID = parent.ID
		deposit.RegisteredAt = now
		if err := tx.Create(deposit).Error; err != nil {
			return err
		}

		files := make([]models.DepositFile, 0, len(in.Files))
		for _, f := range in.Files {
			files = append(files, models.DepositFile{
				DepositID:            deposit.ID,
				FlowIdentifier:       f.FlowIdentifier,
				Name:                 f.Name,
				RelativePath:         f.RelativePath,
				Size:                 f.Size,
				Type:                 f.Type,
				PreDepositModifiedAt: f.PreDepositModifiedAt,
				State:                models.DepositFileStateRegistered,
				RegisteredAt:         now,
			})
		}
		if err := tx.Create(&files).Error; err != nil {
			if database.IsDuplicateError(err) {
				return fmt.Errorf("%w: flow identifier already registered", ErrInvalidInput)
			}
			return err
		}
		return nil
	})
	if err != nil {
		logger.Warn("deposit_registration_rejected", map[string]interface{}{
			"user_id": userID.String(),
			"files":   len(in.Files),
			"error":   err.Error(),
		})
		return nil, err
	}

	logger.InfoWithUser(userID.String(), "deposit_registered", map[string]interface{}{
		"deposit_id":     deposit.ID.String(),
		"parent_node_id": deposit.ParentNodeID.String(),
		"files":          len(in.Files),
		"size":           humanize.IBytes(uint64(total)),
	})
	return deposit, nil
}

func (s *DepositService) resolveParent(tx *gorm.DB, user *models.User, org *models.Organization, in RegisterDepositInput) (*models.Node, *models.Collection, error) {
	if in.CollectionID != nil {
		var collection models.Collection
		if err := tx.First(&collection, "id = ? AND organization_id = ?", *in.CollectionID, org.ID).Error; err != nil {
			if database.IsNotFound(err) {
				return nil, nil, fmt.Errorf("%w: collection %s", ErrNotFound, *in.CollectionID)
			}
			return nil, nil, err
		}
		node, err := s.Orgs.ensureCollectionNode(tx, &collection)
		if err != nil {
			return nil, nil, err
		}
		return node, &collection, nil
	}

	node, err := ownedBy(tx, *in.ParentNodeID, user.ID)
	if err != nil {
		return nil, nil, err
	}
	if node.NodeType != models.NodeTypeFolder && node.NodeType != models.NodeTypeCollection {
		return nil, nil, fmt.Errorf("%w: deposits go into a folder or collection, not %s", ErrHierarchyViolation, node.NodeType)
	}

	collectionNode := node
	if node.NodeType != models.NodeTypeCollection {
		collectionNode, err = getAncestor(tx, node, models.NodeTypeCollection)
		if err != nil {
			return nil, nil, err
		}
	}
	var collection models.Collection
	if err := tx.First(&collection, "tree_node_id = ?", collectionNode.ID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: no collection for node %s", ErrNotFound, collectionNode.ID)
		}
		return nil, nil, err
	}
	return node, &collection, nil
}

// SubmitChunk stores one chunk on this machine and records its receipt.
// Once every chunk of the flow has been received somewhere the file moves
// to UPLOADED.
func (s *DepositService) SubmitChunk(ctx context.Context, userID uuid.UUID, in ChunkInput, r io.Reader) (*ChunkReceipt, error) {
	file, deposit, err := s.ownedFlow(ctx, userID, in.FlowIdentifier)
	if err != nil {
		return nil, err
	}
	if in.TotalChunks < 1 || in.ChunkNumber < 1 || in.ChunkNumber > in.TotalChunks {
		return nil, fmt.Errorf("%w: chunk %d of %d", ErrInvalidInput, in.ChunkNumber, in.TotalChunks)
	}
	if in.TotalSize != file.Size {
		return nil, fmt.Errorf("%w: declared %d bytes, flow reports %d", ErrSizeMismatch, file.Size, in.TotalSize)
	}
	if file.TotalChunks != 0 && file.TotalChunks != in.TotalChunks {
		return nil, fmt.Errorf("%w: flow was started with %d chunks", ErrInvalidInput, file.TotalChunks)
	}
	if file.State != models.DepositFileStateRegistered {
		return &ChunkReceipt{Complete: true}, nil
	}

	written, size, err := s.Chunks.Write(deposit.OrganizationID, in.FlowIdentifier, in.ChunkNumber, r)
	if err != nil {
		logger.ErrorWithUser(userID.String(), "chunk_write_failed", err, map[string]interface{}{
			"flow_identifier": in.FlowIdentifier,
			"chunk_number":    in.ChunkNumber,
		})
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	receipt := &ChunkReceipt{Written: written, Size: size}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		chunk := models.DepositChunk{
			FlowIdentifier: in.FlowIdentifier,
			ChunkNumber:    in.ChunkNumber,
			Size:           size,
			ReceivedAt:     now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.DepositFile{}).
			Where("id = ? AND total_chunks = 0", file.ID).
			Update("total_chunks", in.TotalChunks).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.DepositChunk{}).
			Where("flow_identifier = ? AND chunk_number <= ?", in.FlowIdentifier, in.TotalChunks).
			Count(&receipt.Received).Error; err != nil {
			return err
		}
		if receipt.Received < int64(in.TotalChunks) {
			return nil
		}

		receipt.Complete = true
		result := tx.Model(&models.DepositFile{}).
			Where("id = ? AND state = ?", file.ID, models.DepositFileStateRegistered).
			Updates(map[string]interface{}{
				"state":       models.DepositFileStateUploaded,
				"uploaded_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return refreshDepositState(tx, deposit.ID)
	})
	if err != nil {
		return nil, err
	}

	if receipt.Complete {
		logger.InfoWithUser(userID.String(), "deposit_file_uploaded", map[string]interface{}{
			"flow_identifier": in.FlowIdentifier,
			"chunks":          in.TotalChunks,
			"size":            humanize.IBytes(uint64(file.Size)),
		})
	}
	return receipt, nil
}

// ProbeChunk reports whether the chunk is still needed from the client.
func (s *DepositService) ProbeChunk(ctx context.Context, userID uuid.UUID, flow string, number int) (bool, error) {
	file, deposit, err := s.ownedFlow(ctx, userID, flow)
	if err != nil {
		return false, err
	}
	if file.State != models.DepositFileStateRegistered {
		return false, nil
	}
	return !s.Chunks.Has(deposit.OrganizationID, flow, number), nil
}

func (s *DepositService) DepositStatus(ctx context.Context, userID, depositID uuid.UUID) (*DepositStatusReport, error) {
	db := s.DB.WithContext(ctx)
	_, org, err := userOrganization(db, userID)
	if err != nil {
		return nil, err
	}

	report := &DepositStatusReport{Counts: make(map[models.DepositFileState]int64)}
	if err := db.First(&report.Deposit, "id = ? AND organization_id = ?", depositID, org.ID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: deposit %s", ErrNotFound, depositID)
		}
		return nil, err
	}

	counts, err := fileStateCounts(db, depositID)
	if err != nil {
		return nil, err
	}
	for state, n := range counts {
		report.Counts[state] = n
		report.Total += n
	}
	return report, nil
}

// Files lists the files of one deposit.
func (s *DepositService) Files(ctx context.Context, userID, depositID uuid.UUID) ([]models.DepositFile, error) {
	if _, err := s.DepositStatus(ctx, userID, depositID); err != nil {
		return nil, err
	}
	var files []models.DepositFile
	err := s.DB.WithContext(ctx).Where("deposit_id = ?", depositID).Order("relative_path").Find(&files).Error
	return files, err
}

func (s *DepositService) ownedFlow(ctx context.Context, userID uuid.UUID, flow string) (*models.DepositFile, *models.Deposit, error) {
	if err := storage.ValidateFlowIdentifier(flow); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	db := s.DB.WithContext(ctx)
	_, org, err := userOrganization(db, userID)
	if err != nil {
		return nil, nil, err
	}

	var file models.DepositFile
	if err := db.First(&file, "flow_identifier = ?", flow).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: flow %s", ErrNotFound, flow)
		}
		return nil, nil, err
	}
	var deposit models.Deposit
	if err := db.First(&deposit, "id = ? AND organization_id = ?", file.DepositID, org.ID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: flow %s", ErrNotFound, flow)
		}
		return nil, nil, err
	}
	return &file, &deposit, nil
}

func userOrganization(db *gorm.DB, userID uuid.UUID) (*models.User, *models.Organization, error) {
	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
		}
		return nil, nil, err
	}
	if user.OrganizationID == nil {
		return nil, nil, fmt.Errorf("%w: user has no organization", ErrUnauthorized)
	}
	var org models.Organization
	if err := db.First(&org, "id = ?", *user.OrganizationID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: organization %s", ErrNotFound, *user.OrganizationID)
		}
		return nil, nil, err
	}
	return &user, &org, nil
}

func fileStateCounts(db *gorm.DB, depositID uuid.UUID) (map[models.DepositFileState]int64, error) {
	var rows []struct {
		State models.DepositFileState
		Count int64
	}
	if err := db.Model(&models.DepositFile{}).
		Select("state, COUNT(*) AS count").
		Where("deposit_id = ?", depositID).
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[models.DepositFileState]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}

// depositStateFor derives a deposit's state from its files' states. The
// deposit only leaves REGISTERED/UPLOADED once no file is in either.
func depositStateFor(counts map[models.DepositFileState]int64) models.DepositState {
	switch {
	case counts[models.DepositFileStateRegistered] > 0:
		return models.DepositStateRegistered
	case counts[models.DepositFileStateUploaded] > 0:
		return models.DepositStateUploaded
	case counts[models.DepositFileStateHashed] > 0:
		return models.DepositStateHashed
	case counts[models.DepositFileStateError] > 0:
		return models.DepositStateCompleteWithErrors
	default:
		return models.DepositStateReplicated
	}
}

// refreshDepositState recomputes the deposit state after a file
// transition and stamps the timestamp of every milestone it reaches.
func refreshDepositState(tx *gorm.DB, depositID uuid.UUID) error {
	counts, err := fileStateCounts(tx, depositID)
	if err != nil {
		return err
	}

	var deposit models.Deposit
	if err := tx.First(&deposit, "id = ?", depositID).Error; err != nil {
		return err
	}

	state := depositStateFor(counts)
	now := time.Now().UTC()
	updates := map[string]interface{}{}
	if state != deposit.State {
		updates["state"] = state
	}
	if state != models.DepositStateRegistered && deposit.UploadedAt == nil {
		updates["uploaded_at"] = now
	}
	if (state == models.DepositStateHashed || state == models.DepositStateReplicated || state == models.DepositStateCompleteWithErrors) && deposit.HashedAt == nil {
		updates["hashed_at"] = now
	}
	if state == models.DepositStateReplicated && deposit.ReplicatedAt == nil {
		updates["replicated_at"] = now
	}
	if len(updates) == 0 {
		return nil
	}
	if err := tx.Model(&models.Deposit{}).Where("id = ?", depositID).Updates(updates).Error; err != nil {
		return err
	}

	if state != deposit.State {
		logger.Info("deposit_state_changed", map[string]interface{}{
			"deposit_id": depositID.String(),
			"from":       deposit.State,
			"to":         state,
		})
	}
	return nil
}
