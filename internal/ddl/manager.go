// Package ddl is the only place that emits CREATE TABLE, ALTER TABLE and
// DROP TABLE for user-defined tables. Every statement runs in the same
// transaction as the catalog rows it corresponds to.
package ddl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
	"curio-backend/internal/config"
	"curio-backend/internal/ident"
	"curio-backend/internal/store"
)

const (
	pgDuplicateTable    = "42P07"
	pgNotNullViolation  = "23502"
	pgInvalidTextRepr   = "22P02"
	pgInvalidDatetime   = "22007"
	pgDatatypeMismatch  = "42804"
	pgUndefinedFunction = "42883"
)

type Manager struct {
	store            *store.Store
	allowRawDefaults bool
	logger           *zap.Logger
}

func NewManager(s *store.Store, cfg config.DDLConfig, logger *zap.Logger) *Manager {
	return &Manager{store: s, allowRawDefaults: cfg.AllowRawDefaults, logger: logger}
}

// CreatedTable is the result of CreateCustomTable.
type CreatedTable struct {
	Table        *catalog.Table  `json:"table"`
	Fields       []catalog.Field `json:"fields"`
	PhysicalName string          `json:"physical_name"`
}

// CreateCustomTable registers a logical table with its fields and creates the
// physical table backing it.
func (m *Manager) CreateCustomTable(ctx context.Context, def TableDef, fields []FieldDef, userID int64, userEmail string) (*CreatedTable, error) {
	username, err := ident.ExtractUsername(userEmail)
	if err != nil {
		return nil, err
	}
	name, err := ident.SanitizeIdentifier(def.TableName)
	if err != nil {
		return nil, err
	}
	physical, err := ident.PhysicalTableName(username, name)
	if err != nil {
		return nil, err
	}
	validated, err := validateFields(fields)
	if err != nil {
		return nil, err
	}

	displayName := strings.TrimSpace(def.DisplayName)
	if displayName == "" {
		displayName = name.String()
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	exists, err := catalog.TableExists(ctx, tx, name.String(), userID)
	if err != nil {
		return nil, fmt.Errorf("check table exists: %w", err)
	}
	if exists {
		return nil, apperr.BadRequestf("Table '%s' already exists", name)
	}

	table := &catalog.Table{
		TableName:   name.String(),
		DisplayName: displayName,
		Description: def.Description,
		Icon:        def.Icon,
		CreatedBy:   userID,
		IsShared:    def.IsShared,
	}
	if err := catalog.InsertTable(ctx, tx, table); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, apperr.BadRequestf("Table '%s' already exists", name)
		}
		return nil, err
	}

	columns := make([]string, 0, len(baselineColumns)+len(validated))
	for _, c := range baselineColumns {
		columns = append(columns, ident.MustIdentifier(c.name).Quoted()+" "+c.definition)
	}

	created := make([]catalog.Field, 0, len(validated))
	for i, v := range validated {
		order := i
		if v.def.DisplayOrder != nil {
			order = *v.def.DisplayOrder
		}
		f, err := m.newField(ctx, tx, table.ID, v, order)
		if err != nil {
			return nil, err
		}
		if err := catalog.InsertField(ctx, tx, f); err != nil {
			if errors.Is(err, store.ErrForeignKey) {
				return nil, apperr.BadRequestf("Field '%s' references an unknown lookup table", v.name)
			}
			return nil, err
		}
		created = append(created, *f)
		columns = append(columns, v.columnDef())
	}

	createSQL := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", physical.Quoted(), strings.Join(columns, ",\n  "))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		if pgCode(err) == pgDuplicateTable {
			return nil, apperr.BadRequestf("Physical table for '%s' already exists", name)
		}
		return nil, fmt.Errorf("create table %s: %w", physical, err)
	}
	indexSQL := fmt.Sprintf("CREATE INDEX ON %s (%s)", physical.Quoted(), ident.MustIdentifier("created_by").Quoted())
	if _, err := tx.ExecContext(ctx, indexSQL); err != nil {
		return nil, fmt.Errorf("create index on %s: %w", physical, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.logger.Info("custom table created",
		zap.String("table", name.String()),
		zap.String("physical_table", physical.String()),
		zap.Int64("user_id", userID),
		zap.Int("fields", len(created)))

	return &CreatedTable{Table: table, Fields: created, PhysicalName: physical.String()}, nil
}

// DeletedTable is the result of DeleteCustomTable. Assets lists the stored
// file paths (QR codes and images) that referenced rows of the dropped table.
type DeletedTable struct {
	Table  *catalog.Table
	Assets []string
}

// DeleteCustomTable drops the physical table and removes the logical table;
// fields and grants follow via cascade.
func (m *Manager) DeleteCustomTable(ctx context.Context, tableName string, userID int64, userEmail string) (*DeletedTable, error) {
	name, err := ident.SanitizeIdentifier(tableName)
	if err != nil {
		return nil, err
	}
	physical, err := ident.PhysicalTableNameForEmail(userEmail, name)
	if err != nil {
		return nil, err
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	table, err := catalog.FindOwnedTable(ctx, tx, name.String(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.BadRequestf("Table '%s' not found or you don't have permission to delete it", name)
	}
	if err != nil {
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	if table.IsSystem {
		return nil, apperr.ForbiddenError("System tables cannot be deleted")
	}
	if table.CreatedBy != userID {
		return nil, apperr.ForbiddenError("Only the owner can delete this table")
	}

	assets, err := collectAssets(ctx, tx, physical)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+physical.Quoted()); err != nil {
		return nil, fmt.Errorf("drop table %s: %w", physical, err)
	}
	if err := catalog.DeleteTable(ctx, tx, table.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.logger.Info("custom table deleted",
		zap.String("table", name.String()),
		zap.String("physical_table", physical.String()),
		zap.Int64("user_id", userID),
		zap.Int("assets", len(assets)))

	return &DeletedTable{Table: table, Assets: assets}, nil
}

var assetColumns = []string{"qr_code", "image1", "image2", "image3"}

func collectAssets(ctx context.Context, q store.Querier, physical ident.Identifier) ([]string, error) {
	var exists bool
	if err := store.Get(ctx, q, &exists, `SELECT EXISTS(SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1)`, physical.String()); err != nil {
		return nil, fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		return nil, nil
	}

	cols := make([]string, len(assetColumns))
	for i, c := range assetColumns {
		cols[i] = ident.MustIdentifier(c).Quoted()
	}
	rows, err := store.QueryRows(ctx, q, fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), physical.Quoted()))
	if err != nil {
		return nil, fmt.Errorf("collect assets of %s: %w", physical, err)
	}

	var assets []string
	for _, row := range rows {
		for _, c := range assetColumns {
			if p, ok := row[c].(string); ok && p != "" {
				assets = append(assets, p)
			}
		}
	}
	return assets, nil
}

// AddFieldToTable appends one column to an existing table. Fields are never
// removed or reordered.
func (m *Manager) AddFieldToTable(ctx context.Context, tableName string, field FieldDef, userID int64, userEmail string) (*catalog.Field, error) {
	name, err := ident.SanitizeIdentifier(tableName)
	if err != nil {
		return nil, err
	}
	physical, err := ident.PhysicalTableNameForEmail(userEmail, name)
	if err != nil {
		return nil, err
	}
	v, err := validateField(field)
	if err != nil {
		return nil, err
	}

	columnDef := v.columnDef()
	if field.DefaultValue != nil && strings.TrimSpace(*field.DefaultValue) != "" {
		if !m.allowRawDefaults {
			if err := checkDefault(*field.DefaultValue); err != nil {
				return nil, err
			}
		}
		columnDef += " DEFAULT " + strings.TrimSpace(*field.DefaultValue)
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	table, err := catalog.FindOwnedTable(ctx, tx, name.String(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundError(fmt.Sprintf("Table '%s' not found", name))
	}
	if err != nil {
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	if table.IsSystem {
		return nil, apperr.ForbiddenError("System tables cannot be modified")
	}

	order, err := catalog.NextDisplayOrder(ctx, tx, table.ID)
	if err != nil {
		return nil, fmt.Errorf("next display order: %w", err)
	}
	if field.DisplayOrder != nil {
		order = *field.DisplayOrder
	}
	f, err := m.newField(ctx, tx, table.ID, v, order)
	if err != nil {
		return nil, err
	}
	if err := catalog.InsertField(ctx, tx, f); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, apperr.BadRequestf("Field '%s' already exists", v.name)
		}
		if errors.Is(err, store.ErrForeignKey) {
			return nil, apperr.BadRequestf("Field '%s' references an unknown lookup table", v.name)
		}
		return nil, err
	}

	alterSQL := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", physical.Quoted(), columnDef)
	if _, err := tx.ExecContext(ctx, alterSQL); err != nil {
		switch pgCode(err) {
		case pgNotNullViolation:
			return nil, apperr.BadRequestf("Required field '%s' needs a default_value because the table already has rows", v.name)
		case pgInvalidTextRepr, pgInvalidDatetime, pgDatatypeMismatch, pgUndefinedFunction:
			return nil, apperr.BadRequestf("Invalid default_value for field '%s'", v.name)
		}
		return nil, fmt.Errorf("add column %s.%s: %w", physical, v.name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.logger.Info("custom field added",
		zap.String("table", name.String()),
		zap.String("field", v.name.String()),
		zap.Int64("user_id", userID))

	return f, nil
}

func (m *Manager) newField(ctx context.Context, q store.Querier, tableID int64, v validatedField, order int) (*catalog.Field, error) {
	f := &catalog.Field{
		TableID:      tableID,
		FieldName:    v.name.String(),
		FieldLabel:   v.def.FieldLabel,
		FieldType:    v.def.FieldType,
		IsRequired:   v.def.IsRequired,
		DisplayOrder: order,
		Placeholder:  v.def.Placeholder,
		Options:      v.def.Options,
		ShowInTable:  boolOr(v.def.ShowInTable, true),
		ShowInMobile: boolOr(v.def.ShowInMobile, true),
		IsBold:       v.def.IsBold,
		HelpText:     v.def.HelpText,
	}

	ref := v.def.LookupTableID
	switch {
	case ref.ID != nil:
		exists, err := catalog.LookupTableExists(ctx, q, *ref.ID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.BadRequestf("Lookup table %d not found", *ref.ID)
		}
		f.LookupTableID = ref.ID
	case ref.Name != "":
		id, err := catalog.ResolveLookupTableID(ctx, q, ref.Name)
		if err != nil {
			return nil, err
		}
		f.LookupTableID = id
		if id != nil {
			name := ref.Name
			f.LookupTableName = &name
		}
	}
	return f, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
