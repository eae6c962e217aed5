// Package tables serves the table-management API: defining tables, their
// fields and sharing, and reading lookup value sets.
package tables

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"curio-backend/internal/access"
	"curio-backend/internal/apperr"
	"curio-backend/internal/auth"
	"curio-backend/internal/catalog"
	"curio-backend/internal/ddl"
	"curio-backend/internal/ident"
	"curio-backend/internal/store"
)

// ItemCounter counts the rows a user can see in a table.
type ItemCounter interface {
	CountItems(ctx context.Context, meta *catalog.TableMeta, userID int64) (int64, error)
}

// FileRemover deletes stored files by path.
type FileRemover interface {
	Delete(ctx context.Context, path string) error
}

type Handler struct {
	db       store.Querier
	resolver *access.Resolver
	ddl      *ddl.Manager
	items    ItemCounter
	files    FileRemover
	logger   *zap.Logger
}

func NewHandler(db store.Querier, resolver *access.Resolver, mgr *ddl.Manager, items ItemCounter, files FileRemover, logger *zap.Logger) *Handler {
	return &Handler{db: db, resolver: resolver, ddl: mgr, items: items, files: files, logger: logger}
}

// RegisterRoutes mounts the table API on router, which must already carry
// the auth middleware. The lookups route is registered ahead of the
// :tableName routes so "lookups" is never taken for a table name.
func RegisterRoutes(router fiber.Router, h *Handler) {
	tables := router.Group("/tables")

	tables.Get("/lookups/:lookupTableName", h.GetLookup)

	tables.Get("/", h.List)
	tables.Post("/", h.Create)
	tables.Get("/:tableName", h.Get)
	tables.Put("/:tableName", h.UpdateSettings)
	tables.Delete("/:tableName", h.Delete)
	tables.Get("/:tableName/definition", h.Definition)

	tables.Get("/:tableName/permissions", h.ListPermissions)
	tables.Post("/:tableName/permissions", h.GrantPermission)
	tables.Delete("/:tableName/permissions/:userId", h.RevokePermission)

	tables.Post("/:tableName/fields", h.AddField)
}

// List handles GET /api/tables
func (h *Handler) List(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	summaries, err := catalog.ListVisibleTables(ctx, h.db, user.ID)
	if err != nil {
		return err
	}
	for i := range summaries {
		summaries[i].ItemCount = h.countItems(ctx, &summaries[i].TableMeta, user.ID)
	}
	return c.JSON(fiber.Map{"data": summaries})
}

func (h *Handler) countItems(ctx context.Context, meta *catalog.TableMeta, userID int64) int64 {
	n, err := h.items.CountItems(ctx, meta, userID)
	if err != nil {
		h.logger.Warn("count items", zap.String("table", meta.TableName), zap.Int64("table_id", meta.ID), zap.Error(err))
		return 0
	}
	return n
}

type createRequest struct {
	ddl.TableDef
	Fields []ddl.FieldDef `json:"fields"`
}

// Create handles POST /api/tables
func (h *Handler) Create(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequestError("Invalid JSON body")
	}
	req.TableName = strings.TrimSpace(req.TableName)
	if req.TableName == "" {
		return apperr.BadRequestError("table_name is required")
	}

	created, err := h.ddl.CreateCustomTable(c.UserContext(), req.TableDef, req.Fields, user.ID, user.Email)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": created})
}

// Get handles GET /api/tables/:tableName
func (h *Handler) Get(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	meta, err := h.resolver.Lookup(c.UserContext(), c.Params("tableName"), user.ID)
	if err != nil {
		return err
	}
	summary := catalog.TableSummary{TableMeta: *meta}
	summary.ItemCount = h.countItems(c.UserContext(), meta, user.ID)
	return c.JSON(fiber.Map{"data": summary})
}

// Definition handles GET /api/tables/:tableName/definition
func (h *Handler) Definition(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	meta, err := h.resolver.Lookup(c.UserContext(), c.Params("tableName"), user.ID)
	if err != nil {
		return err
	}
	fields, err := catalog.ListFields(c.UserContext(), h.db, meta.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"table": meta, "fields": fields}})
}

// manageable resolves a table for an owner-only operation.
func (h *Handler) manageable(c *fiber.Ctx, userID int64) (*catalog.TableMeta, error) {
	meta, err := h.resolver.Lookup(c.UserContext(), c.Params("tableName"), userID)
	if err != nil {
		return nil, err
	}
	if err := access.Require(meta, access.ActionManage); err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateSettings handles PUT /api/tables/:tableName
func (h *Handler) UpdateSettings(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	var settings catalog.TableSettings
	if err := c.BodyParser(&settings); err != nil {
		return apperr.BadRequestError("Invalid JSON body")
	}
	if settings.DisplayName != nil && strings.TrimSpace(*settings.DisplayName) == "" {
		return apperr.BadRequestError("display_name cannot be empty")
	}

	meta, err := h.manageable(c, user.ID)
	if err != nil {
		return err
	}
	if meta.IsSystem {
		return apperr.ForbiddenError("System tables cannot be modified")
	}

	table, err := catalog.UpdateTableSettings(c.UserContext(), h.db, meta.ID, settings)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": table})
}

// Delete handles DELETE /api/tables/:tableName
func (h *Handler) Delete(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	deleted, err := h.ddl.DeleteCustomTable(c.UserContext(), c.Params("tableName"), user.ID, user.Email)
	if err != nil {
		return err
	}

	for _, path := range deleted.Assets {
		if err := h.files.Delete(c.UserContext(), path); err != nil {
			h.logger.Warn("file cleanup failed", zap.String("path", path), zap.Error(err))
		}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Table '%s' deleted", deleted.Table.TableName),
	})
}

// AddField handles POST /api/tables/:tableName/fields
func (h *Handler) AddField(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	var field ddl.FieldDef
	if err := c.BodyParser(&field); err != nil {
		return apperr.BadRequestError("Invalid JSON body")
	}
	if _, err := h.manageable(c, user.ID); err != nil {
		return err
	}

	created, err := h.ddl.AddFieldToTable(c.UserContext(), c.Params("tableName"), field, user.ID, user.Email)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": created})
}

// ListPermissions handles GET /api/tables/:tableName/permissions
func (h *Handler) ListPermissions(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	meta, err := h.manageable(c, user.ID)
	if err != nil {
		return err
	}

	grants, err := catalog.ListGrants(c.UserContext(), h.db, meta.ID)
	if err != nil {
		return err
	}
	for i := range grants {
		grants[i].EffectivePermission = catalog.EffectivePermission(&meta.Table, grants[i].PermissionLevel, grants[i].UserID)
	}
	return c.JSON(fiber.Map{"data": grants})
}

type grantRequest struct {
	UserID          *int64 `json:"user_id"`
	Email           string `json:"email"`
	PermissionLevel string `json:"permission_level"`
}

// GrantPermission handles POST /api/tables/:tableName/permissions
func (h *Handler) GrantPermission(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	var req grantRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequestError("Invalid JSON body")
	}
	level, err := catalog.ParseGrantLevel(req.PermissionLevel)
	if err != nil {
		return err
	}
	if req.UserID == nil && strings.TrimSpace(req.Email) == "" {
		return apperr.BadRequestError("user_id or email is required")
	}

	meta, err := h.manageable(c, user.ID)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	var grantee *catalog.User
	if req.UserID != nil {
		grantee, err = catalog.FindUserByID(ctx, h.db, *req.UserID)
	} else {
		grantee, err = catalog.FindUserByEmail(ctx, h.db, strings.TrimSpace(req.Email))
	}
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFoundError("User not found")
	}
	if err != nil {
		return err
	}
	if grantee.ID == meta.CreatedBy {
		return apperr.BadRequestError("The owner already has full access")
	}

	grant, err := catalog.UpsertGrant(ctx, h.db, meta.ID, grantee.ID, level, user.ID)
	if err != nil {
		return err
	}
	grant.EffectivePermission = catalog.EffectivePermission(&meta.Table, grant.PermissionLevel, grant.UserID)
	return c.JSON(fiber.Map{"data": grant})
}

// RevokePermission handles DELETE /api/tables/:tableName/permissions/:userId
func (h *Handler) RevokePermission(c *fiber.Ctx) error {
	user, err := auth.RequireUser(c)
	if err != nil {
		return err
	}
	granteeID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil || granteeID <= 0 {
		return apperr.BadRequestf("Invalid user id '%s'", c.Params("userId"))
	}
	meta, err := h.manageable(c, user.ID)
	if err != nil {
		return err
	}

	deleted, err := catalog.DeleteGrant(c.UserContext(), h.db, meta.ID, granteeID)
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.NotFoundError("Permission not found")
	}
	return c.JSON(fiber.Map{"success": true})
}

// GetLookup handles GET /api/tables/lookups/:lookupTableName
func (h *Handler) GetLookup(c *fiber.Ctx) error {
	if _, err := auth.RequireUser(c); err != nil {
		return err
	}
	name, err := ident.SanitizeIdentifier(c.Params("lookupTableName"))
	if err != nil {
		return err
	}
	lookup, err := catalog.GetLookupTable(c.UserContext(), h.db, name.String())
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFoundError(fmt.Sprintf("Lookup table '%s' not found", name))
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": lookup})
}
