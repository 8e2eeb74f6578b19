package handlers

import (
	"errors"
	"strings"

	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/pkg/logger"
	"github.com/docshare/vault/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, services.ErrUndeletable):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrQuotaExceeded):
		return fiber.StatusRequestEntityTooLarge
	case errors.Is(err, services.ErrHierarchyViolation),
		errors.Is(err, services.ErrConflictingUpdate),
		errors.Is(err, services.ErrNameConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrNotAFile),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrNameTooLong),
		errors.Is(err, services.ErrSizeMismatch):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// serviceError renders a service failure. Client errors carry the service
// message; anything else is logged and replaced by fallback.
func serviceError(c *fiber.Ctx, userID uuid.UUID, action string, err error, fallback string) error {
	status := statusForError(err)
	if status >= fiber.StatusInternalServerError {
		logger.ErrorWithUser(userID.String(), action, err, map[string]interface{}{
			"path": c.Path(),
		})
		return utils.Error(c, status, fallback)
	}
	return utils.Error(c, status, err.Error())
}
