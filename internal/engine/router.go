package engine

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the entity API on router, which must already carry
// the auth middleware.
func RegisterRoutes(router fiber.Router, h *Handler) {
	entities := router.Group("/entities")

	entities.Get("/:tableName", h.List)
	entities.Post("/:tableName", h.Create)
	entities.Get("/:tableName/:id", h.GetByID)
	entities.Put("/:tableName/:id", h.Update)
	entities.Delete("/:tableName/:id", h.Delete)

	entities.Post("/:tableName/upload/:id", h.UploadImages)
	entities.Delete("/:tableName/image/:id/:slot", h.DeleteImage)
	entities.Post("/:tableName/qr/regenerate/:id", h.RegenerateQR)
}
