// Package engine is the generic CRUD engine over user-defined tables. Every
// operation resolves the caller's permission and the physical table from the
// catalog before touching the table itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strings"

	"go.uber.org/zap"

	"curio-backend/internal/access"
	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
	"curio-backend/internal/ident"
	"curio-backend/internal/store"
)

// QRGenerator renders and removes item QR codes.
type QRGenerator interface {
	Generate(ctx context.Context, entityName string, itemID int64) (string, error)
	Delete(ctx context.Context, path string) error
	Regenerate(ctx context.Context, entityName string, itemID int64, oldPath string) (string, error)
}

// ImagePipeline stores uploaded images and removes stored ones.
type ImagePipeline interface {
	Process(ctx context.Context, files []*multipart.FileHeader) ([]string, error)
	Delete(ctx context.Context, path string) error
}

var (
	colID        = ident.MustIdentifier("id")
	colCreatedBy = ident.MustIdentifier("created_by")
	colQuantity  = ident.MustIdentifier("quantity")
	colQRCode    = ident.MustIdentifier("qr_code")
)

// imageSlots is the closed set of columns an image may be stored in.
var imageSlots = map[string]ident.Identifier{
	"image1": ident.MustIdentifier("image1"),
	"image2": ident.MustIdentifier("image2"),
	"image3": ident.MustIdentifier("image3"),
}

var imageSlotOrder = []string{"image1", "image2", "image3"}

// ParseImageSlot maps a slot name to its column, rejecting anything outside
// image1..image3.
func ParseImageSlot(slot string) (ident.Identifier, error) {
	col, ok := imageSlots[slot]
	if !ok {
		return ident.Identifier{}, apperr.BadRequestf("Invalid image slot '%s': must be image1, image2 or image3", slot)
	}
	return col, nil
}

type Service struct {
	db       store.Querier
	resolver *access.Resolver
	qr       QRGenerator
	images   ImagePipeline
	logger   *zap.Logger
}

func NewService(db store.Querier, resolver *access.Resolver, qr QRGenerator, images ImagePipeline, logger *zap.Logger) *Service {
	return &Service{db: db, resolver: resolver, qr: qr, images: images, logger: logger}
}

// target is a resolved table: the caller's view of it plus its physical name.
type target struct {
	meta     *catalog.TableMeta
	physical ident.Identifier
}

func (s *Service) resolve(ctx context.Context, tableName string, userID int64) (*target, error) {
	meta, err := s.resolver.GetTableMetadata(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	physical, err := meta.PhysicalName()
	if err != nil {
		return nil, err
	}
	return &target{meta: meta, physical: physical}, nil
}

func (s *Service) fetchItem(ctx context.Context, t *target, id int64) (map[string]any, error) {
	row, err := store.QueryRow(ctx, s.db,
		fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", t.physical.Quoted(), colID.Quoted()), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundError(fmt.Sprintf("Item %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%d: %w", t.meta.TableName, id, err)
	}
	return row, nil
}

// fetchWritableItem loads a row for a row-scoped mutation after checking the
// table permission, then checks row ownership.
func (s *Service) fetchWritableItem(ctx context.Context, t *target, id, userID int64) (map[string]any, error) {
	if err := access.Require(t.meta, access.ActionWrite); err != nil {
		return nil, err
	}
	row, err := s.fetchItem(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if err := access.CheckRowOwnership(t.meta, rowCreatedBy(row), userID); err != nil {
		return nil, err
	}
	return row, nil
}

// ListItems returns the rows of a table, newest first. Callers without
// ownership of a private table only see rows they created.
func (s *Service) ListItems(ctx context.Context, tableName string, userID int64) ([]map[string]any, error) {
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	if err := access.Require(t.meta, access.ActionRead); err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + t.physical.Quoted()
	var args []any
	if access.NeedsRowFilter(t.meta) {
		query += fmt.Sprintf(" WHERE %s = $1", colCreatedBy.Quoted())
		args = append(args, userID)
	}
	query += fmt.Sprintf(" ORDER BY %s DESC", colID.Quoted())

	rows, err := store.QueryRows(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.meta.TableName, err)
	}
	return rows, nil
}

// CountItems counts the rows userID can see in the table described by meta.
func (s *Service) CountItems(ctx context.Context, meta *catalog.TableMeta, userID int64) (int64, error) {
	physical, err := meta.PhysicalName()
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + physical.Quoted()
	var args []any
	if access.NeedsRowFilter(meta) {
		query += fmt.Sprintf(" WHERE %s = $1", colCreatedBy.Quoted())
		args = append(args, userID)
	}

	var n int64
	if err := store.Get(ctx, s.db, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", meta.TableName, err)
	}
	return n, nil
}

func (s *Service) GetItem(ctx context.Context, tableName string, id, userID int64) (map[string]any, error) {
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	if err := access.Require(t.meta, access.ActionRead); err != nil {
		return nil, err
	}
	row, err := s.fetchItem(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if !access.CanReadRow(t.meta, rowCreatedBy(row), userID) {
		return nil, apperr.ForbiddenError("You can only view items you created")
	}
	return row, nil
}

// CreateResult is returned by CreateItem.
type CreateResult struct {
	ItemID int64  `json:"itemId"`
	QRCode string `json:"qr_code,omitempty"`
}

// CreateItem inserts a row owned by userID, then attaches a QR code to it in
// a second statement. A QR failure leaves the row without a code; it can be
// recovered with RegenerateQR.
func (s *Service) CreateItem(ctx context.Context, tableName string, body map[string]any, userID int64) (*CreateResult, error) {
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	if err := access.Require(t.meta, access.ActionWrite); err != nil {
		return nil, err
	}
	fields, err := catalog.ListFields(ctx, s.db, t.meta.ID)
	if err != nil {
		return nil, err
	}

	for _, f := range fields {
		if f.IsRequired && isBlank(body[f.FieldName]) {
			return nil, apperr.BadRequestf("Field '%s' is required", f.FieldLabel)
		}
	}

	cols := []string{colCreatedBy.Quoted()}
	vals := []any{userID}
	if q, ok := body[colQuantity.String()]; ok && q != nil {
		n, err := coerceQuantity(q)
		if err != nil {
			return nil, err
		}
		cols = append(cols, colQuantity.Quoted())
		vals = append(vals, n)
	}
	for _, f := range fields {
		col, err := ident.SanitizeIdentifier(f.FieldName)
		if err != nil {
			return nil, err
		}
		v, err := coerceFieldValue(f, body[f.FieldName])
		if err != nil {
			return nil, err
		}
		cols = append(cols, col.Quoted())
		vals = append(vals, v)
	}

	pb := &paramBuilder{}
	placeholders := make([]string, len(vals))
	for i, v := range vals {
		placeholders[i] = pb.Add(v)
	}

	var id int64
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		t.physical.Quoted(), strings.Join(cols, ", "), strings.Join(placeholders, ", "), colID.Quoted())
	if err := store.Get(ctx, s.db, &id, insertSQL, pb.params...); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", t.meta.TableName, err)
	}

	result := &CreateResult{ItemID: id}
	qrPath, err := s.qr.Generate(ctx, t.meta.TableName, id)
	if err != nil {
		s.logger.Warn("generate qr code", zap.String("table", t.meta.TableName), zap.Int64("item_id", id), zap.Error(err))
		return result, nil
	}
	if err := s.setQRCode(ctx, t, id, qrPath); err != nil {
		s.logger.Warn("store qr code path", zap.String("table", t.meta.TableName), zap.Int64("item_id", id), zap.Error(err))
		s.cleanup(ctx, s.qr.Delete, qrPath)
		return result, nil
	}
	result.QRCode = qrPath
	return result, nil
}

func (s *Service) setQRCode(ctx context.Context, t *target, id int64, path string) error {
	_, err := store.Exec(ctx, s.db, fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2",
		t.physical.Quoted(), colQRCode.Quoted(), colID.Quoted()), path, id)
	return err
}

// UpdateItem changes only the fields present in body.
func (s *Service) UpdateItem(ctx context.Context, tableName string, id int64, body map[string]any, userID int64) (map[string]any, error) {
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.fetchWritableItem(ctx, t, id, userID); err != nil {
		return nil, err
	}
	fields, err := catalog.ListFields(ctx, s.db, t.meta.ID)
	if err != nil {
		return nil, err
	}

	pb := &paramBuilder{}
	var sets []string
	if q, ok := body[colQuantity.String()]; ok {
		n, err := coerceQuantity(q)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", colQuantity.Quoted(), pb.Add(n)))
	}
	for _, f := range fields {
		raw, present := body[f.FieldName]
		if !present {
			continue
		}
		if f.IsRequired && isBlank(raw) {
			return nil, apperr.BadRequestf("Field '%s' is required", f.FieldLabel)
		}
		col, err := ident.SanitizeIdentifier(f.FieldName)
		if err != nil {
			return nil, err
		}
		v, err := coerceFieldValue(f, raw)
		if err != nil {
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col.Quoted(), pb.Add(v)))
	}
	if len(sets) == 0 {
		return nil, apperr.BadRequestError("No valid fields to update")
	}

	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING *",
		t.physical.Quoted(), strings.Join(sets, ", "), colID.Quoted(), pb.Add(id))
	row, err := store.QueryRow(ctx, s.db, updateSQL, pb.params...)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundError(fmt.Sprintf("Item %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%d: %w", t.meta.TableName, id, err)
	}
	return row, nil
}

// DeleteItem removes the row, then its QR code and images on a best-effort basis.
func (s *Service) DeleteItem(ctx context.Context, tableName string, id, userID int64) (map[string]any, error) {
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	if _, err := s.fetchWritableItem(ctx, t, id, userID); err != nil {
		return nil, err
	}

	row, err := store.QueryRow(ctx, s.db, fmt.Sprintf("DELETE FROM %s WHERE %s = $1 RETURNING *",
		t.physical.Quoted(), colID.Quoted()), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundError(fmt.Sprintf("Item %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s/%d: %w", t.meta.TableName, id, err)
	}

	s.cleanup(ctx, s.qr.Delete, stringValue(row[colQRCode.String()]))
	for _, slot := range imageSlotOrder {
		s.cleanup(ctx, s.images.Delete, stringValue(row[slot]))
	}
	return row, nil
}

// UploadImages stores one image per named slot and records the paths on the
// row. Images previously in those slots are removed afterwards.
func (s *Service) UploadImages(ctx context.Context, tableName string, id int64, files map[string]*multipart.FileHeader, userID int64) (map[string]any, error) {
	if len(files) == 0 {
		return nil, apperr.BadRequestError("No images uploaded")
	}
	slots := make([]string, 0, len(files))
	for _, slot := range imageSlotOrder {
		if _, ok := files[slot]; ok {
			slots = append(slots, slot)
		}
	}
	for slot := range files {
		if _, err := ParseImageSlot(slot); err != nil {
			return nil, err
		}
	}

	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	current, err := s.fetchWritableItem(ctx, t, id, userID)
	if err != nil {
		return nil, err
	}

	headers := make([]*multipart.FileHeader, len(slots))
	for i, slot := range slots {
		headers[i] = files[slot]
	}
	paths, err := s.images.Process(ctx, headers)
	if err != nil {
		return nil, err
	}

	pb := &paramBuilder{}
	sets := make([]string, len(slots))
	for i, slot := range slots {
		sets[i] = fmt.Sprintf("%s = %s", imageSlots[slot].Quoted(), pb.Add(paths[i]))
	}
	updateSQL := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING *",
		t.physical.Quoted(), strings.Join(sets, ", "), colID.Quoted(), pb.Add(id))
	row, err := store.QueryRow(ctx, s.db, updateSQL, pb.params...)
	if err != nil {
		for _, p := range paths {
			s.cleanup(ctx, s.images.Delete, p)
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundError(fmt.Sprintf("Item %d not found", id))
		}
		return nil, fmt.Errorf("store images of %s/%d: %w", t.meta.TableName, id, err)
	}

	for _, slot := range slots {
		s.cleanup(ctx, s.images.Delete, stringValue(current[slot]))
	}
	return row, nil
}

// DeleteImage clears one image slot and removes the stored file.
func (s *Service) DeleteImage(ctx context.Context, tableName string, id int64, slot string, userID int64) (map[string]any, error) {
	col, err := ParseImageSlot(slot)
	if err != nil {
		return nil, err
	}
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return nil, err
	}
	current, err := s.fetchWritableItem(ctx, t, id, userID)
	if err != nil {
		return nil, err
	}

	row, err := store.QueryRow(ctx, s.db, fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = $1 RETURNING *",
		t.physical.Quoted(), col.Quoted(), colID.Quoted()), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundError(fmt.Sprintf("Item %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("clear %s of %s/%d: %w", slot, t.meta.TableName, id, err)
	}

	s.cleanup(ctx, s.images.Delete, stringValue(current[col.String()]))
	return row, nil
}

// RegenerateQR replaces the item's QR code and returns the new path.
func (s *Service) RegenerateQR(ctx context.Context, tableName string, id, userID int64) (string, error) {
	t, err := s.resolve(ctx, tableName, userID)
	if err != nil {
		return "", err
	}
	current, err := s.fetchWritableItem(ctx, t, id, userID)
	if err != nil {
		return "", err
	}

	path, err := s.qr.Regenerate(ctx, t.meta.TableName, id, stringValue(current[colQRCode.String()]))
	if err != nil {
		return "", fmt.Errorf("regenerate qr code: %w", err)
	}
	if err := s.setQRCode(ctx, t, id, path); err != nil {
		s.cleanup(ctx, s.qr.Delete, path)
		return "", fmt.Errorf("store qr code path: %w", err)
	}
	return path, nil
}

// cleanup runs a best-effort file removal. Failures are logged only.
func (s *Service) cleanup(ctx context.Context, del func(context.Context, string) error, path string) {
	if path == "" {
		return
	}
	if err := del(ctx, path); err != nil {
		s.logger.Warn("file cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

type paramBuilder struct {
	params []any
	n      int
}

func (p *paramBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func rowCreatedBy(row map[string]any) int64 {
	n, _ := toInt64(row[colCreatedBy.String()])
	return n
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
