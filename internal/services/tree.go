package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/pkg/logger"
	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxNodeNameLength = 1024

var nodeNamePattern = regexp.MustCompile(`^[^/\x00]+$`)

// TreeService is the only writer of nodes. Every mutation validates the
// hierarchy rules and applies its accounting delta in the same transaction.
type TreeService struct {
	DB         *gorm.DB
	Accounting *AccountingService
}

func NewTreeService(db *gorm.DB, accounting *AccountingService) *TreeService {
	return &TreeService{DB: db, Accounting: accounting}
}

type CreateNodeInput struct {
	ParentID             *uuid.UUID
	Type                 models.NodeType
	Name                 string
	Size                 int64
	MD5Sum               *string
	SHA1Sum              *string
	SHA256Sum            *string
	FileType             string
	ContentPath          *string
	UploadedAt           *time.Time
	PreDepositModifiedAt *time.Time
	UploadedByID         *uuid.UUID
	Comment              *string
	Deleted              bool
}

// NodeUpdate carries optional changes. Parent, Size and Deleted are the
// managed attributes: at most one of them may actually change per update.
type NodeUpdate struct {
	Name     *string
	ParentID *uuid.UUID
	Size     *int64
	Deleted  *bool
	Comment  *string
}

func (u NodeUpdate) onlyDeletes() bool {
	return u.Deleted != nil && *u.Deleted &&
		u.Name == nil && u.ParentID == nil && u.Size == nil && u.Comment == nil
}

// Tx runs fn as one node-store transaction.
func (s *TreeService) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.Accounting.mutate(ctx, fn)
}

func (s *TreeService) Create(ctx context.Context, in CreateNodeInput) (*models.Node, error) {
	var node *models.Node
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		var err error
		node, err = s.create(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("node_created", map[string]interface{}{
		"node_id":   node.ID.String(),
		"node_type": node.NodeType,
		"name":      node.Name,
		"size":      humanize.IBytes(uint64(node.Size)),
	})
	return node, nil
}

func (s *TreeService) create(tx *gorm.DB, in CreateNodeInput) (*models.Node, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown node type %q", ErrInvalidInput, in.Type)
	}
	if err := validateNodeName(in.Type, in.Name); err != nil {
		return nil, err
	}

	node := &models.Node{
		BaseModel:            models.BaseModel{ID: uuid.New()},
		NodeType:             in.Type,
		Name:                 in.Name,
		MD5Sum:               in.MD5Sum,
		SHA1Sum:              in.SHA1Sum,
		SHA256Sum:            in.SHA256Sum,
		FileType:             in.FileType,
		ContentPath:          in.ContentPath,
		UploadedAt:           in.UploadedAt,
		PreDepositModifiedAt: in.PreDepositModifiedAt,
		UploadedByID:         in.UploadedByID,
		Comment:              in.Comment,
	}

	if in.Type == models.NodeTypeOrganization {
		if in.ParentID != nil {
			return nil, fmt.Errorf("%w: organizations cannot have a parent", ErrHierarchyViolation)
		}
		node.Path = models.ChildPath("", node.ID)
	} else {
		if in.ParentID == nil {
			return nil, fmt.Errorf("%w: %s requires a parent", ErrHierarchyViolation, in.Type)
		}
		parent, err := findNodeForUpdate(tx, *in.ParentID, false)
		if err != nil {
			return nil, err
		}
		if !in.Type.AllowsParent(parent.NodeType) {
			return nil, fmt.Errorf("%w: %s cannot be placed under %s", ErrHierarchyViolation, in.Type, parent.NodeType)
		}
		node.ParentID = &parent.ID
		node.Path = models.ChildPath(parent.Path, node.ID)
	}

	if in.Type == models.NodeTypeFile {
		if in.Size < 0 {
			return nil, fmt.Errorf("%w: negative size", ErrInvalidInput)
		}
		node.Size = in.Size
		node.FileCount = 1
	}

	if in.Deleted {
		node.Deleted = true
		node.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
	}

	if err := tx.Create(node).Error; err != nil {
		if database.IsDuplicateError(err) {
			return nil, fmt.Errorf("%w: %q", ErrNameConflict, in.Name)
		}
		return nil, err
	}

	if err := s.Accounting.onInsert(tx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// getOrCreateChild finds the live child of parent named in.Name or creates
// it. Creation runs under a savepoint so that losing a race against another
// worker falls back to the winner's row instead of aborting the caller.
func (s *TreeService) getOrCreateChild(tx *gorm.DB, parent *models.Node, in CreateNodeInput) (*models.Node, bool, error) {
	existing, err := findChild(tx, parent.ID, in.Name)
	if err == nil {
		if existing.NodeType != in.Type {
			return nil, false, fmt.Errorf("%w: %q already exists as %s", ErrNameConflict, in.Name, existing.NodeType)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	in.ParentID = &parent.ID
	var created *models.Node
	err = tx.Transaction(func(sp *gorm.DB) error {
		var err error
		created, err = s.create(sp, in)
		return err
	})
	if errors.Is(err, ErrNameConflict) {
		existing, findErr := findChild(tx, parent.ID, in.Name)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *TreeService) Update(ctx context.Context, id uuid.UUID, upd NodeUpdate) (*models.Node, error) {
	var node *models.Node
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		var err error
		node, err = s.update(tx, id, upd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *TreeService) update(tx *gorm.DB, id uuid.UUID, upd NodeUpdate) (*models.Node, error) {
	node, err := findNodeForUpdate(tx, id, true)
	if err != nil {
		return nil, err
	}
	if node.Deleted {
		if upd.onlyDeletes() {
			logger.Warn("node_already_deleted", map[string]interface{}{
				"node_id": node.ID.String(),
			})
			return node, nil
		}
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	moving := upd.ParentID != nil && (node.ParentID == nil || *node.ParentID != *upd.ParentID)
	resizing := upd.Size != nil && *upd.Size != node.Size
	deleting := upd.Deleted != nil && *upd.Deleted

	managed := 0
	for _, changed := range []bool{moving, resizing, deleting} {
		if changed {
			managed++
		}
	}
	if managed > 1 {
		return nil, fmt.Errorf("%w: parent, size and deleted must be changed separately", ErrConflictingUpdate)
	}
	if upd.Size != nil && node.IsContainer() {
		return nil, fmt.Errorf("%w: %s sizes are derived", ErrNotAFile, node.NodeType)
	}

	if upd.Name != nil && *upd.Name != node.Name {
		if err := s.rename(tx, node, *upd.Name); err != nil {
			return nil, err
		}
	}
	if upd.Comment != nil {
		if err := tx.Model(&models.Node{}).Where("id = ?", node.ID).Update("comment", *upd.Comment).Error; err != nil {
			return nil, err
		}
		node.Comment = upd.Comment
	}

	switch {
	case moving:
		err = s.move(tx, node, *upd.ParentID)
	case resizing:
		err = s.resize(tx, node, *upd.Size)
	case deleting:
		err = s.softDelete(tx, node)
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *TreeService) rename(tx *gorm.DB, node *models.Node, name string) error {
	if err := validateNodeName(node.NodeType, name); err != nil {
		return err
	}
	if err := tx.Model(&models.Node{}).Where("id = ?", node.ID).Update("name", name).Error; err != nil {
		if database.IsDuplicateError(err) {
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		}
		return err
	}
	node.Name = name
	return syncEntityName(tx, node.NodeType, node.ID, name)
}

func (s *TreeService) move(tx *gorm.DB, node *models.Node, newParentID uuid.UUID) error {
	if node.NodeType == models.NodeTypeOrganization {
		return fmt.Errorf("%w: organizations cannot have a parent", ErrHierarchyViolation)
	}
	newParent, err := findNodeForUpdate(tx, newParentID, false)
	if err != nil {
		return err
	}
	if !node.NodeType.AllowsParent(newParent.NodeType) {
		return fmt.Errorf("%w: %s cannot be placed under %s", ErrHierarchyViolation, node.NodeType, newParent.NodeType)
	}
	if newParent.IsWithin(node) {
		return fmt.Errorf("%w: cannot move a node into its own subtree", ErrHierarchyViolation)
	}

	from, err := node.AncestorIDs()
	if err != nil {
		return err
	}
	to, err := newParent.AncestorIDs()
	if err != nil {
		return err
	}
	to = append(to, newParent.ID)

	oldPath := node.Path
	newPath := models.ChildPath(newParent.Path, node.ID)

	if err := tx.Model(&models.Node{}).Where("id = ?", node.ID).Update("parent_id", newParent.ID).Error; err != nil {
		if database.IsDuplicateError(err) {
			return fmt.Errorf("%w: %q", ErrNameConflict, node.Name)
		}
		return err
	}
	// Raw SQL so soft-deleted descendants are re-rooted too.
	if err := tx.Exec(
		"UPDATE nodes SET path = CAST(? AS TEXT) || substr(path, CAST(? AS INTEGER)) WHERE path = ? OR path LIKE ?",
		newPath, len(oldPath)+1, oldPath, oldPath+models.PathSeparator+"%",
	).Error; err != nil {
		return err
	}
	if err := s.Accounting.onMove(tx, node, from, to); err != nil {
		return err
	}

	node.ParentID = &newParent.ID
	node.Path = newPath

	logger.Info("node_moved", map[string]interface{}{
		"node_id":       node.ID.String(),
		"new_parent_id": newParent.ID.String(),
		"size":          humanize.IBytes(uint64(node.Size)),
	})
	return nil
}

func (s *TreeService) resize(tx *gorm.DB, node *models.Node, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidInput)
	}
	delta := size - node.Size
	if err := tx.Model(&models.Node{}).Where("id = ?", node.ID).Update("size", size).Error; err != nil {
		return err
	}
	node.Size = size
	return s.Accounting.onResize(tx, node, delta)
}

func (s *TreeService) softDelete(tx *gorm.DB, node *models.Node) error {
	if !node.NodeType.Deletable() {
		return fmt.Errorf("%w: %s", ErrUndeletable, node.NodeType)
	}
	if err := s.Accounting.onSoftDelete(tx, node); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := tx.Exec(
		"UPDATE nodes SET deleted = ?, deleted_at = ? WHERE (path = ? OR path LIKE ?) AND deleted = ?",
		true, now, node.Path, node.Path+models.PathSeparator+"%", false,
	).Error; err != nil {
		return err
	}
	node.Deleted = true
	node.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}

	logger.Info("node_soft_deleted", map[string]interface{}{
		"node_id":    node.ID.String(),
		"size":       humanize.IBytes(uint64(node.Size)),
		"file_count": OwnAggregate(node).FileCount,
	})
	return nil
}

func (s *TreeService) Move(ctx context.Context, id, newParentID uuid.UUID) (*models.Node, error) {
	return s.Update(ctx, id, NodeUpdate{ParentID: &newParentID})
}

func (s *TreeService) Rename(ctx context.Context, id uuid.UUID, name string) (*models.Node, error) {
	return s.Update(ctx, id, NodeUpdate{Name: &name})
}

func (s *TreeService) UpdateSize(ctx context.Context, id uuid.UUID, size int64) (*models.Node, error) {
	return s.Update(ctx, id, NodeUpdate{Size: &size})
}

func (s *TreeService) SoftDelete(ctx context.Context, id uuid.UUID) error {
	deleted := true
	_, err := s.Update(ctx, id, NodeUpdate{Deleted: &deleted})
	return err
}

// HardDelete physically removes a node and its subtree. It is meant for
// maintenance and accepts every node type.
func (s *TreeService) HardDelete(ctx context.Context, id uuid.UUID) error {
	var removed int
	err := s.Tx(ctx, func(tx *gorm.DB) error {
		node, err := findNodeForUpdate(tx, id, true)
		if err != nil {
			return err
		}
		if err := s.Accounting.onHardDelete(tx, node); err != nil {
			return err
		}

		var ids []uuid.UUID
		if err := tx.Unscoped().Model(&models.Node{}).
			Where("path = ? OR path LIKE ?", node.Path, node.Path+models.PathSeparator+"%").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		removed = len(ids)

		for _, detach := range []interface{}{&models.Organization{}, &models.Collection{}, &models.DepositFile{}} {
			if err := tx.Model(detach).Where("tree_node_id IN ?", ids).Update("tree_node_id", nil).Error; err != nil {
				return err
			}
		}
		return tx.Unscoped().Where("id IN ?", ids).Delete(&models.Node{}).Error
	})
	if err != nil {
		return err
	}

	logger.Info("node_hard_deleted", map[string]interface{}{
		"node_id":       id.String(),
		"removed_nodes": removed,
	})
	return nil
}

func (s *TreeService) Get(ctx context.Context, id uuid.UUID) (*models.Node, error) {
	return findNode(s.DB.WithContext(ctx), id)
}

// GetUnscoped also returns soft-deleted nodes.
func (s *TreeService) GetUnscoped(ctx context.Context, id uuid.UUID) (*models.Node, error) {
	return findNodeUnscoped(s.DB.WithContext(ctx), id)
}

// Children lists live children, containers first, then by name.
func (s *TreeService) Children(ctx context.Context, id uuid.UUID, offset, limit int) ([]models.Node, int64, error) {
	db := s.DB.WithContext(ctx)
	if _, err := findNode(db, id); err != nil {
		return nil, 0, err
	}

	query := db.Model(&models.Node{}).Where("parent_id = ?", id)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var children []models.Node
	err := db.Where("parent_id = ?", id).
		Order(fmt.Sprintf("CASE WHEN node_type = '%s' THEN 1 ELSE 0 END", models.NodeTypeFile)).
		Order("name").
		Offset(offset).
		Limit(limit).
		Find(&children).Error
	if err != nil {
		return nil, 0, err
	}
	return children, total, nil
}

// GetAncestor returns the nearest strict ancestor of the given type.
func (s *TreeService) GetAncestor(ctx context.Context, node *models.Node, nodeType models.NodeType) (*models.Node, error) {
	return getAncestor(s.DB.WithContext(ctx), node, nodeType)
}

// GetCollection returns the collection a node belongs to; a collection
// belongs to itself.
func (s *TreeService) GetCollection(ctx context.Context, node *models.Node) (*models.Node, error) {
	if node.NodeType == models.NodeTypeCollection {
		return node, nil
	}
	return getAncestor(s.DB.WithContext(ctx), node, models.NodeTypeCollection)
}

// GetOwnedBy returns the node only if it lies inside the tree of the user's
// organization.
func (s *TreeService) GetOwnedBy(ctx context.Context, nodeID, userID uuid.UUID) (*models.Node, error) {
	return ownedBy(s.DB.WithContext(ctx), nodeID, userID)
}

func getAncestor(db *gorm.DB, node *models.Node, nodeType models.NodeType) (*models.Node, error) {
	ancestors, err := node.AncestorIDs()
	if err != nil {
		return nil, err
	}
	if len(ancestors) == 0 {
		return nil, fmt.Errorf("%w: %s has no %s ancestor", ErrNotFound, node.ID, nodeType)
	}

	var candidates []models.Node
	if err := db.Unscoped().Where("id IN ? AND node_type = ?", ancestors, nodeType).Find(&candidates).Error; err != nil {
		return nil, err
	}

	var nearest *models.Node
	for i := range candidates {
		if nearest == nil || len(candidates[i].Path) > len(nearest.Path) {
			nearest = &candidates[i]
		}
	}
	if nearest == nil {
		return nil, fmt.Errorf("%w: %s has no %s ancestor", ErrNotFound, node.ID, nodeType)
	}
	return nearest, nil
}

func ownedBy(db *gorm.DB, nodeID, userID uuid.UUID) (*models.Node, error) {
	root, err := organizationRoot(db, userID)
	if err != nil {
		return nil, err
	}

	var node models.Node
	err = db.Where("id = ? AND (path = ? OR path LIKE ?)", nodeID, root.Path, root.Path+models.PathSeparator+"%").
		First(&node).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
		}
		return nil, err
	}
	return &node, nil
}

// organizationRoot resolves the ORGANIZATION node scoping a user.
func organizationRoot(db *gorm.DB, userID uuid.UUID) (*models.Node, error) {
	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
		}
		return nil, err
	}
	if user.OrganizationID == nil {
		return nil, fmt.Errorf("%w: user has no organization", ErrUnauthorized)
	}

	var org models.Organization
	if err := db.First(&org, "id = ?", *user.OrganizationID).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: organization %s", ErrNotFound, *user.OrganizationID)
		}
		return nil, err
	}
	if org.TreeNodeID == nil {
		return nil, fmt.Errorf("%w: organization %s has no tree", ErrNotFound, org.ID)
	}
	return findNode(db, *org.TreeNodeID)
}

func findNode(db *gorm.DB, id uuid.UUID) (*models.Node, error) {
	var node models.Node
	if err := db.First(&node, "id = ?", id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &node, nil
}

func findNodeUnscoped(db *gorm.DB, id uuid.UUID) (*models.Node, error) {
	return findNode(db.Unscoped(), id)
}

// findNodeForUpdate reads a node and, on postgres, row-locks it until the
// transaction ends. Deltas computed from the returned row therefore cannot
// be applied twice by writers racing on the same node.
func findNodeForUpdate(tx *gorm.DB, id uuid.UUID, unscoped bool) (*models.Node, error) {
	return findNode(lockingScope(tx, unscoped), id)
}

func lockingScope(tx *gorm.DB, unscoped bool) *gorm.DB {
	if unscoped {
		tx = tx.Unscoped()
	}
	if isPostgres(tx) {
		tx = tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	return tx
}

func findChild(db *gorm.DB, parentID uuid.UUID, name string) (*models.Node, error) {
	var node models.Node
	if err := db.Where("parent_id = ? AND name = ?", parentID, name).First(&node).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %q under %s", ErrNotFound, name, parentID)
		}
		return nil, err
	}
	return &node, nil
}

func validateNodeName(nodeType models.NodeType, name string) error {
	limit := maxNodeNameLength
	if nodeType == models.NodeTypeOrganization || nodeType == models.NodeTypeCollection {
		limit = models.MaxEntityNameLength
	}
	if utf8.RuneCountInString(name) > limit {
		return fmt.Errorf("%w: %d characters allowed", ErrNameTooLong, limit)
	}
	err := validation.Validate(name,
		validation.Required.Error("name is required"),
		validation.Match(nodeNamePattern).Error("name must not contain '/'"),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
