package engine

import (
	"mime/multipart"

	"github.com/gofiber/fiber/v2"

	"curio-backend/internal/apperr"
	"curio-backend/internal/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List handles GET /api/entities/:tableName
func (h *Handler) List(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	rows, err := h.svc.ListItems(c.UserContext(), c.Params("tableName"), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rows})
}

// GetByID handles GET /api/entities/:tableName/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	id, err := parseItemID(c.Params("id"))
	if err != nil {
		return err
	}
	row, err := h.svc.GetItem(c.UserContext(), c.Params("tableName"), id, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/entities/:tableName
func (h *Handler) Create(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	result, err := h.svc.CreateItem(c.UserContext(), c.Params("tableName"), body, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"itemId":  result.ItemID,
		"qr_code": result.QRCode,
	})
}

// Update handles PUT /api/entities/:tableName/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	id, err := parseItemID(c.Params("id"))
	if err != nil {
		return err
	}
	body, err := parseBody(c)
	if err != nil {
		return err
	}
	row, err := h.svc.UpdateItem(c.UserContext(), c.Params("tableName"), id, body, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": row})
}

// Delete handles DELETE /api/entities/:tableName/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	id, err := parseItemID(c.Params("id"))
	if err != nil {
		return err
	}
	row, err := h.svc.DeleteItem(c.UserContext(), c.Params("tableName"), id, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": row})
}

// UploadImages handles POST /api/entities/:tableName/upload/:id. Each form
// file field must be named after its slot (image1, image2 or image3).
func (h *Handler) UploadImages(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	id, err := parseItemID(c.Params("id"))
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return apperr.BadRequestError("Expected multipart form data")
	}

	files := make(map[string]*multipart.FileHeader, len(form.File))
	for slot, headers := range form.File {
		if len(headers) != 1 {
			return apperr.BadRequestf("Exactly one file expected for slot '%s'", slot)
		}
		files[slot] = headers[0]
	}

	row, err := h.svc.UploadImages(c.UserContext(), c.Params("tableName"), id, files, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": row})
}

// DeleteImage handles DELETE /api/entities/:tableName/image/:id/:slot
func (h *Handler) DeleteImage(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	id, err := parseItemID(c.Params("id"))
	if err != nil {
		return err
	}
	row, err := h.svc.DeleteImage(c.UserContext(), c.Params("tableName"), id, c.Params("slot"), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": row})
}

// RegenerateQR handles POST /api/entities/:tableName/qr/regenerate/:id
func (h *Handler) RegenerateQR(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	id, err := parseItemID(c.Params("id"))
	if err != nil {
		return err
	}
	path, err := h.svc.RegenerateQR(c.UserContext(), c.Params("tableName"), id, user.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "qr_code": path})
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return nil, apperr.BadRequestError("Invalid JSON body")
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}
