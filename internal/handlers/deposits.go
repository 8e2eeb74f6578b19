package handlers

import (
	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type DepositsHandler struct {
	Deposits *services.DepositService
}

func NewDepositsHandler(deposits *services.DepositService) *DepositsHandler {
	return &DepositsHandler{Deposits: deposits}
}

func (h *DepositsHandler) Create(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req services.RegisterDepositInput
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	deposit, err := h.Deposits.RegisterDeposit(c.UserContext(), currentUser.ID, req)
	if err != nil {
		return serviceError(c, currentUser.ID, "deposit_register_failed", err, "failed registering deposit")
	}

	return utils.Success(c, fiber.StatusCreated, deposit)
}

func (h *DepositsHandler) Status(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	depositID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid deposit id")
	}

	report, err := h.Deposits.DepositStatus(c.UserContext(), currentUser.ID, depositID)
	if err != nil {
		return serviceError(c, currentUser.ID, "deposit_status_failed", err, "failed loading deposit")
	}
	return utils.Success(c, fiber.StatusOK, report)
}

func (h *DepositsHandler) Files(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	depositID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid deposit id")
	}

	files, err := h.Deposits.Files(c.UserContext(), currentUser.ID, depositID)
	if err != nil {
		return serviceError(c, currentUser.ID, "deposit_files_failed", err, "failed listing deposit files")
	}
	return utils.Success(c, fiber.StatusOK, files)
}
