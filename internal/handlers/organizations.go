package handlers

import (
	"strings"

	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/pkg/logger"
	"github.com/docshare/vault/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type OrganizationsHandler struct {
	DB   *gorm.DB
	Orgs *services.OrganizationService
	Tree *services.TreeService
}

func NewOrganizationsHandler(db *gorm.DB, orgs *services.OrganizationService, tree *services.TreeService) *OrganizationsHandler {
	return &OrganizationsHandler{DB: db, Orgs: orgs, Tree: tree}
}

type organizationResponse struct {
	Organization models.Organization `json:"organization"`
	Root         *models.Node        `json:"root,omitempty"`
	Collections  []models.Collection `json:"collections"`
}

type collectionRequest struct {
	Name string `json:"name"`
}

// Current returns the caller's organization with its root node, whose
// aggregates are the organization's storage usage.
func (h *OrganizationsHandler) Current(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var resp organizationResponse
	if err := h.DB.First(&resp.Organization, "id = ?", *currentUser.OrganizationID).Error; err != nil {
		if database.IsNotFound(err) {
			return utils.Error(c, fiber.StatusNotFound, "organization not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading organization")
	}

	if resp.Organization.TreeNodeID != nil {
		root, err := h.Tree.Get(c.UserContext(), *resp.Organization.TreeNodeID)
		if err != nil {
			return serviceError(c, currentUser.ID, "organization_root_failed", err, "failed loading organization tree")
		}
		resp.Root = root
	}

	if err := h.DB.Where("organization_id = ?", resp.Organization.ID).
		Order("name").
		Find(&resp.Collections).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing collections")
	}

	return utils.Success(c, fiber.StatusOK, resp)
}

func (h *OrganizationsHandler) CreateCollection(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req collectionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	collection, err := h.Orgs.CreateCollection(c.UserContext(), *currentUser.OrganizationID, req.Name)
	if err != nil {
		return serviceError(c, currentUser.ID, "collection_create_failed", err, "failed creating collection")
	}

	logger.InfoWithUser(currentUser.ID.String(), "collection_created", map[string]interface{}{
		"collection_id": collection.ID.String(),
		"name":          collection.Name,
	})
	return utils.Success(c, fiber.StatusCreated, collection)
}

func (h *OrganizationsHandler) RenameCollection(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	collectionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid collection id")
	}

	var req collectionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	var collection models.Collection
	if err := h.DB.First(&collection, "id = ? AND organization_id = ?", collectionID, *currentUser.OrganizationID).Error; err != nil {
		if database.IsNotFound(err) {
			return utils.Error(c, fiber.StatusNotFound, "collection not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading collection")
	}

	if err := h.Orgs.RenameCollection(c.UserContext(), collection.ID, req.Name); err != nil {
		return serviceError(c, currentUser.ID, "collection_rename_failed", err, "failed renaming collection")
	}
	collection.Name = req.Name

	logger.InfoWithUser(currentUser.ID.String(), "collection_renamed", map[string]interface{}{
		"collection_id": collection.ID.String(),
		"name":          collection.Name,
	})
	return utils.Success(c, fiber.StatusOK, collection)
}
