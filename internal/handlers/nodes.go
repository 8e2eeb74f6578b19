package handlers

import (
	"strings"

	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/pkg/logger"
	"github.com/docshare/vault/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type NodesHandler struct {
	Tree *services.TreeService
}

func NewNodesHandler(tree *services.TreeService) *NodesHandler {
	return &NodesHandler{Tree: tree}
}

type createFolderRequest struct {
	ParentID string  `json:"parentID"`
	Name     string  `json:"name"`
	Comment  *string `json:"comment"`
}

type updateNodeRequest struct {
	Name     *string `json:"name"`
	ParentID *string `json:"parentID"`
	Comment  *string `json:"comment"`
}

func (h *NodesHandler) ownedNode(c *fiber.Ctx, currentUser *models.User, raw string) (*models.Node, error) {
	nodeID, err := parseUUID(raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid node id")
	}
	node, err := h.Tree.GetOwnedBy(c.UserContext(), nodeID, currentUser.ID)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (h *NodesHandler) renderLookupError(c *fiber.Ctx, currentUser *models.User, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return utils.Error(c, fe.Code, fe.Message)
	}
	return serviceError(c, currentUser.ID, "node_lookup_failed", err, "failed loading node")
}

func (h *NodesHandler) Get(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	node, err := h.ownedNode(c, currentUser, c.Params("id"))
	if err != nil {
		return h.renderLookupError(c, currentUser, err)
	}
	return utils.Success(c, fiber.StatusOK, node)
}

func (h *NodesHandler) Children(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	node, err := h.ownedNode(c, currentUser, c.Params("id"))
	if err != nil {
		return h.renderLookupError(c, currentUser, err)
	}

	p := utils.ParsePagination(c)
	children, total, err := h.Tree.Children(c.UserContext(), node.ID, p.Offset, p.Limit)
	if err != nil {
		return serviceError(c, currentUser.ID, "node_children_failed", err, "failed listing children")
	}
	return utils.Paginated(c, children, p, total)
}

// CreateFolder is the only node creation exposed over HTTP; files arrive
// through deposits and collections through the organization endpoints.
func (h *NodesHandler) CreateFolder(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createFolderRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	parent, err := h.ownedNode(c, currentUser, req.ParentID)
	if err != nil {
		return h.renderLookupError(c, currentUser, err)
	}

	folder, err := h.Tree.Create(c.UserContext(), services.CreateNodeInput{
		ParentID:     &parent.ID,
		Type:         models.NodeTypeFolder,
		Name:         req.Name,
		Comment:      req.Comment,
		UploadedByID: &currentUser.ID,
	})
	if err != nil {
		return serviceError(c, currentUser.ID, "folder_create_failed", err, "failed creating folder")
	}

	logger.InfoWithUser(currentUser.ID.String(), "folder_created", map[string]interface{}{
		"node_id":   folder.ID.String(),
		"parent_id": parent.ID.String(),
		"name":      folder.Name,
	})
	return utils.Success(c, fiber.StatusCreated, folder)
}

func (h *NodesHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	node, err := h.ownedNode(c, currentUser, c.Params("id"))
	if err != nil {
		return h.renderLookupError(c, currentUser, err)
	}

	var req updateNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Name != nil && !node.NodeType.Deletable() {
		return utils.Error(c, fiber.StatusBadRequest, "organization and collection nodes are renamed through their own endpoints")
	}

	upd := services.NodeUpdate{Name: req.Name, Comment: req.Comment}
	if req.ParentID != nil {
		parent, err := h.ownedNode(c, currentUser, *req.ParentID)
		if err != nil {
			return h.renderLookupError(c, currentUser, err)
		}
		upd.ParentID = &parent.ID
	}

	updated, err := h.Tree.Update(c.UserContext(), node.ID, upd)
	if err != nil {
		return serviceError(c, currentUser.ID, "node_update_failed", err, "failed updating node")
	}

	logger.InfoWithUser(currentUser.ID.String(), "node_updated", map[string]interface{}{
		"node_id":   updated.ID.String(),
		"parent_id": updated.ParentID,
		"name":      updated.Name,
	})
	return utils.Success(c, fiber.StatusOK, updated)
}

func (h *NodesHandler) Delete(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	node, err := h.ownedNode(c, currentUser, c.Params("id"))
	if err != nil {
		return h.renderLookupError(c, currentUser, err)
	}

	if err := h.Tree.SoftDelete(c.UserContext(), node.ID); err != nil {
		return serviceError(c, currentUser.ID, "node_delete_failed", err, "failed deleting node")
	}

	logger.InfoWithUser(currentUser.ID.String(), "node_deleted", map[string]interface{}{
		"node_id":   node.ID.String(),
		"node_type": node.NodeType,
		"size":      node.Size,
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "node deleted"})
}
