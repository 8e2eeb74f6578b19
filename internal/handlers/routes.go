package handlers

import (
	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/services"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Services groups what the HTTP surface needs from the service layer.
type Services struct {
	DB       *gorm.DB
	Tree     *services.TreeService
	Orgs     *services.OrganizationService
	Deposits *services.DepositService
}

func RegisterRoutes(app *fiber.App, svc Services) {
	authMiddleware := middleware.NewAuthMiddleware(svc.DB)
	nodesHandler := NewNodesHandler(svc.Tree)
	orgsHandler := NewOrganizationsHandler(svc.DB, svc.Orgs, svc.Tree)
	depositsHandler := NewDepositsHandler(svc.Deposits)
	chunksHandler := NewChunksHandler(svc.Deposits)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api", authMiddleware.RequireAuth)

	api.Get("/organization", orgsHandler.Current)
	api.Post("/collections", orgsHandler.CreateCollection)
	api.Put("/collections/:id", orgsHandler.RenameCollection)

	nodeRoutes := api.Group("/nodes")
	nodeRoutes.Post("/", nodesHandler.CreateFolder)
	nodeRoutes.Get("/:id", nodesHandler.Get)
	nodeRoutes.Get("/:id/children", nodesHandler.Children)
	nodeRoutes.Put("/:id", nodesHandler.Update)
	nodeRoutes.Delete("/:id", nodesHandler.Delete)

	depositRoutes := api.Group("/deposits")
	depositRoutes.Post("/", depositsHandler.Create)
	depositRoutes.Get("/:id", depositsHandler.Status)
	depositRoutes.Get("/:id/files", depositsHandler.Files)

	flowRoutes := api.Group("/flow")
	flowRoutes.Get("/chunk", chunksHandler.Probe)
	flowRoutes.Post("/chunk", chunksHandler.Upload)
}
