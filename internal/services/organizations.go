package services

import (
	"context"
	"fmt"

	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrganizationService owns the business entities that are mirrored by
// ORGANIZATION and COLLECTION nodes. Names are kept identical on both sides
// inside the transaction that renames either one.
type OrganizationService struct {
	DB           *gorm.DB
	Tree         *TreeService
	DefaultQuota int64
}

func NewOrganizationService(db *gorm.DB, tree *TreeService, defaultQuota int64) *OrganizationService {
	return &OrganizationService{DB: db, Tree: tree, DefaultQuota: defaultQuota}
}

func (s *OrganizationService) CreateOrganization(ctx context.Context, name string, quotaBytes int64) (*models.Organization, error) {
	if quotaBytes <= 0 {
		quotaBytes = s.DefaultQuota
	}

	org := &models.Organization{Name: name, QuotaBytes: quotaBytes}
	err := s.Tree.Tx(ctx, func(tx *gorm.DB) error {
		node, err := s.Tree.create(tx, CreateNodeInput{Type: models.NodeTypeOrganization, Name: name})
		if err != nil {
			return err
		}
		org.TreeNodeID = &node.ID
		if err := tx.Create(org).Error; err != nil {
			if database.IsDuplicateError(err) {
				return fmt.Errorf("%w: organization %q", ErrNameConflict, name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("organization_created", map[string]interface{}{
		"organization_id": org.ID.String(),
		"name":            org.Name,
		"quota_bytes":     org.QuotaBytes,
	})
	return org, nil
}

func (s *OrganizationService) CreateCollection(ctx context.Context, organizationID uuid.UUID, name string) (*models.Collection, error) {
	collection := &models.Collection{Name: name, OrganizationID: organizationID}
	err := s.Tree.Tx(ctx, func(tx *gorm.DB) error {
		var org models.Organization
		if err := tx.First(&org, "id = ?", organizationID).Error; err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("%w: organization %s", ErrNotFound, organizationID)
			}
			return err
		}
		orgNode, err := s.ensureOrganizationNode(tx, &org)
		if err != nil {
			return err
		}

		node, err := s.Tree.create(tx, CreateNodeInput{
			ParentID: &orgNode.ID,
			Type:     models.NodeTypeCollection,
			Name:     name,
		})
		if err != nil {
			return err
		}
		collection.TreeNodeID = &node.ID
		if err := tx.Create(collection).Error; err != nil {
			if database.IsDuplicateError(err) {
				return fmt.Errorf("%w: collection %q", ErrNameConflict, name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("collection_created", map[string]interface{}{
		"collection_id":   collection.ID.String(),
		"organization_id": organizationID.String(),
		"name":            name,
	})
	return collection, nil
}

func (s *OrganizationService) RenameOrganization(ctx context.Context, id uuid.UUID, name string) error {
	return s.Tree.Tx(ctx, func(tx *gorm.DB) error {
		var org models.Organization
		if err := tx.First(&org, "id = ?", id).Error; err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("%w: organization %s", ErrNotFound, id)
			}
			return err
		}
		if org.TreeNodeID == nil {
			return renameEntity(tx, &models.Organization{}, id, name)
		}
		node, err := findNode(tx, *org.TreeNodeID)
		if err != nil {
			return err
		}
		return s.Tree.rename(tx, node, name)
	})
}

func (s *OrganizationService) RenameCollection(ctx context.Context, id uuid.UUID, name string) error {
	return s.Tree.Tx(ctx, func(tx *gorm.DB) error {
		var collection models.Collection
		if err := tx.First(&collection, "id = ?", id).Error; err != nil {
			if database.IsNotFound(err) {
				return fmt.Errorf("%w: collection %s", ErrNotFound, id)
			}
			return err
		}
		if collection.TreeNodeID == nil {
			return renameEntity(tx, &models.Collection{}, id, name)
		}
		node, err := findNode(tx, *collection.TreeNodeID)
		if err != nil {
			return err
		}
		return s.Tree.rename(tx, node, name)
	})
}

// ensureOrganizationNode creates the ORGANIZATION node for rows that
// predate the tree.
func (s *OrganizationService) ensureOrganizationNode(tx *gorm.DB, org *models.Organization) (*models.Node, error) {
	if org.TreeNodeID != nil {
		return findNode(tx, *org.TreeNodeID)
	}
	node, err := s.Tree.create(tx, CreateNodeInput{Type: models.NodeTypeOrganization, Name: org.Name})
	if err != nil {
		return nil, err
	}
	if err := tx.Model(org).Update("tree_node_id", node.ID).Error; err != nil {
		return nil, err
	}
	org.TreeNodeID = &node.ID
	return node, nil
}

func (s *OrganizationService) ensureCollectionNode(tx *gorm.DB, collection *models.Collection) (*models.Node, error) {
	if collection.TreeNodeID != nil {
		return findNode(tx, *collection.TreeNodeID)
	}

	var org models.Organization
	if err := tx.First(&org, "id = ?", collection.OrganizationID).Error; err != nil {
		return nil, err
	}
	orgNode, err := s.ensureOrganizationNode(tx, &org)
	if err != nil {
		return nil, err
	}
	node, _, err := s.Tree.getOrCreateChild(tx, orgNode, CreateNodeInput{
		Type: models.NodeTypeCollection,
		Name: collection.Name,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Model(collection).Update("tree_node_id", node.ID).Error; err != nil {
		return nil, err
	}
	collection.TreeNodeID = &node.ID
	return node, nil
}

func renameEntity(tx *gorm.DB, model interface{}, id uuid.UUID, name string) error {
	if err := validateNodeName(models.NodeTypeCollection, name); err != nil {
		return err
	}
	if err := tx.Model(model).Where("id = ?", id).Update("name", name).Error; err != nil {
		if database.IsDuplicateError(err) {
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		}
		return err
	}
	return nil
}

// syncEntityName mirrors a node rename onto the organization or collection
// it represents.
func syncEntityName(tx *gorm.DB, nodeType models.NodeType, nodeID uuid.UUID, name string) error {
	var model interface{}
	switch nodeType {
	case models.NodeTypeOrganization:
		model = &models.Organization{}
	case models.NodeTypeCollection:
		model = &models.Collection{}
	default:
		return nil
	}
	if err := tx.Model(model).Where("tree_node_id = ?", nodeID).Update("name", name).Error; err != nil {
		if database.IsDuplicateError(err) {
			return fmt.Errorf("%w: %q", ErrNameConflict, name)
		}
		return err
	}
	return nil
}
