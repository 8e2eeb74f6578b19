package handlers

import (
	"strconv"
	"strings"

	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// ChunksHandler speaks the flow.js resumable upload protocol. A GET probes
// for a chunk: 200 means the server already has it, 204 asks the client to
// send it.
type ChunksHandler struct {
	Deposits *services.DepositService
}

func NewChunksHandler(deposits *services.DepositService) *ChunksHandler {
	return &ChunksHandler{Deposits: deposits}
}

func (h *ChunksHandler) Probe(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	flow := strings.TrimSpace(c.Query("flowIdentifier"))
	number, err := strconv.Atoi(c.Query("flowChunkNumber"))
	if flow == "" || err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "flowIdentifier and flowChunkNumber are required")
	}

	needed, err := h.Deposits.ProbeChunk(c.UserContext(), currentUser.ID, flow, number)
	if err != nil {
		return serviceError(c, currentUser.ID, "chunk_probe_failed", err, "failed probing chunk")
	}
	if needed {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"flowIdentifier": flow, "chunkNumber": number})
}

func (h *ChunksHandler) Upload(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	in, err := parseChunkForm(c)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "file is required")
	}
	stream, err := fileHeader.Open()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed opening uploaded chunk")
	}
	defer stream.Close()

	receipt, err := h.Deposits.SubmitChunk(c.UserContext(), currentUser.ID, in, stream)
	if err != nil {
		return serviceError(c, currentUser.ID, "chunk_upload_failed", err, "failed storing chunk")
	}
	return utils.Success(c, fiber.StatusOK, receipt)
}

func parseChunkForm(c *fiber.Ctx) (services.ChunkInput, error) {
	var in services.ChunkInput
	in.FlowIdentifier = strings.TrimSpace(c.FormValue("flowIdentifier"))
	if in.FlowIdentifier == "" {
		return in, fiber.NewError(fiber.StatusBadRequest, "flowIdentifier is required")
	}

	var err error
	if in.ChunkNumber, err = strconv.Atoi(c.FormValue("flowChunkNumber")); err != nil {
		return in, fiber.NewError(fiber.StatusBadRequest, "invalid flowChunkNumber")
	}
	if in.TotalChunks, err = strconv.Atoi(c.FormValue("flowTotalChunks")); err != nil {
		return in, fiber.NewError(fiber.StatusBadRequest, "invalid flowTotalChunks")
	}
	if in.TotalSize, err = strconv.ParseInt(c.FormValue("flowTotalSize"), 10, 64); err != nil {
		return in, fiber.NewError(fiber.StatusBadRequest, "invalid flowTotalSize")
	}
	return in, nil
}
