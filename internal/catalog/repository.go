package catalog

import (
	"context"
	"errors"
	"fmt"

	"curio-backend/internal/store"
)

const tableColumns = `ct.id, ct.table_name, ct.display_name, ct.description, ct.icon,
	ct.created_by, ct.is_shared, ct.is_system, ct.created_at, ct.updated_at`

const fieldColumns = `cf.id, cf.table_id, cf.field_name, cf.field_label, cf.field_type,
	cf.is_required, cf.display_order, cf.placeholder, cf.options, cf.show_in_table,
	cf.show_in_mobile, cf.is_bold, cf.help_text, cf.lookup_table_id, cf.created_at`

// FindTableForUser loads the table with the given logical name as seen by userID.
// Several owners may use the same name; the one where the user has the
// strongest permission wins. Returns store.ErrNotFound when no table has that
// name at all, and a TableMeta with PermissionNone when the user has no access.
func FindTableForUser(ctx context.Context, q store.Querier, tableName string, userID int64) (*TableMeta, error) {
	query := fmt.Sprintf(`SELECT %s, u.email AS owner_email, %s AS user_permission
		FROM custom_tables ct
		JOIN users u ON u.id = ct.created_by
		LEFT JOIN table_permissions tp ON tp.table_id = ct.id AND tp.user_id = $2
		WHERE ct.table_name = $1
		ORDER BY %s, ct.id
		LIMIT 1`, tableColumns, permissionSQL("$2"), permissionRankSQL("$2"))

	var meta TableMeta
	if err := store.Get(ctx, q, &meta, query, tableName, userID); err != nil {
		return nil, err
	}
	return &meta, nil
}

// FindOwnedTable loads a table scoped to its creator.
func FindOwnedTable(ctx context.Context, q store.Querier, tableName string, ownerID int64) (*Table, error) {
	var t Table
	err := store.Get(ctx, q, &t, `SELECT `+tableColumns+`
		FROM custom_tables ct
		WHERE ct.table_name = $1 AND ct.created_by = $2`, tableName, ownerID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TableExists reports whether ownerID already has a table with this logical name.
func TableExists(ctx context.Context, q store.Querier, tableName string, ownerID int64) (bool, error) {
	var exists bool
	err := store.Get(ctx, q, &exists,
		`SELECT EXISTS(SELECT 1 FROM custom_tables WHERE table_name = $1 AND created_by = $2)`,
		tableName, ownerID)
	return exists, err
}

// InsertTable inserts t and fills in its generated id and timestamps.
func InsertTable(ctx context.Context, q store.Querier, t *Table) error {
	row := q.QueryRowxContext(ctx, `INSERT INTO custom_tables
		(table_name, display_name, description, icon, created_by, is_shared, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		t.TableName, t.DisplayName, t.Description, t.Icon, t.CreatedBy, t.IsShared, t.IsSystem)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("insert custom_tables: %w", store.MapError(err))
	}
	return nil
}

// UpdateTableSettings applies the non-nil settings and returns the updated row.
func UpdateTableSettings(ctx context.Context, q store.Querier, tableID int64, s TableSettings) (*Table, error) {
	var t Table
	err := store.Get(ctx, q, &t, `UPDATE custom_tables ct SET
		display_name = COALESCE($2, ct.display_name),
		description  = COALESCE($3, ct.description),
		icon         = COALESCE($4, ct.icon),
		is_shared    = COALESCE($5, ct.is_shared),
		updated_at   = NOW()
		WHERE ct.id = $1
		RETURNING `+tableColumns,
		tableID, s.DisplayName, s.Description, s.Icon, s.IsShared)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTable removes the catalog row; fields and grants go with it via ON DELETE CASCADE.
func DeleteTable(ctx context.Context, q store.Querier, tableID int64) error {
	n, err := store.Exec(ctx, q, `DELETE FROM custom_tables WHERE id = $1`, tableID)
	if err != nil {
		return fmt.Errorf("delete custom_tables: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListFields returns a table's fields in presentation order, with the
// referenced lookup table's name resolved.
func ListFields(ctx context.Context, q store.Querier, tableID int64) ([]Field, error) {
	fields := []Field{}
	err := store.Select(ctx, q, &fields, `SELECT `+fieldColumns+`, clt.table_name AS lookup_table_name
		FROM custom_fields cf
		LEFT JOIN custom_lookup_tables clt ON clt.id = cf.lookup_table_id
		WHERE cf.table_id = $1
		ORDER BY cf.display_order, cf.id`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list custom_fields: %w", err)
	}
	return fields, nil
}

// InsertField inserts f and fills in its generated id and created_at.
func InsertField(ctx context.Context, q store.Querier, f *Field) error {
	row := q.QueryRowxContext(ctx, `INSERT INTO custom_fields
		(table_id, field_name, field_label, field_type, is_required, display_order,
		 placeholder, options, show_in_table, show_in_mobile, is_bold, help_text, lookup_table_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`,
		f.TableID, f.FieldName, f.FieldLabel, f.FieldType, f.IsRequired, f.DisplayOrder,
		f.Placeholder, f.Options, f.ShowInTable, f.ShowInMobile, f.IsBold, f.HelpText, f.LookupTableID)
	if err := row.Scan(&f.ID, &f.CreatedAt); err != nil {
		return fmt.Errorf("insert custom_fields %s: %w", f.FieldName, store.MapError(err))
	}
	return nil
}

// NextDisplayOrder returns one past the table's current maximum display_order.
func NextDisplayOrder(ctx context.Context, q store.Querier, tableID int64) (int, error) {
	var next int
	err := store.Get(ctx, q, &next,
		`SELECT COALESCE(MAX(display_order), 0) + 1 FROM custom_fields WHERE table_id = $1`, tableID)
	return next, err
}

// ListVisibleTables returns every table the user owns, can see because it is
// shared, or holds an explicit grant on.
func ListVisibleTables(ctx context.Context, q store.Querier, userID int64) ([]TableSummary, error) {
	query := fmt.Sprintf(`SELECT %s, u.email AS owner_email, %s AS user_permission,
			(SELECT COUNT(*) FROM custom_fields cf WHERE cf.table_id = ct.id) AS field_count
		FROM custom_tables ct
		JOIN users u ON u.id = ct.created_by
		LEFT JOIN table_permissions tp ON tp.table_id = ct.id AND tp.user_id = $1
		WHERE ct.created_by = $1 OR ct.is_shared OR tp.user_id IS NOT NULL
		ORDER BY ct.display_name, ct.id`, tableColumns, permissionSQL("$1"))

	tables := []TableSummary{}
	if err := store.Select(ctx, q, &tables, query, userID); err != nil {
		return nil, fmt.Errorf("list visible tables: %w", err)
	}
	return tables, nil
}

// ResolveLookupTableID maps a lookup table name to its id. An unknown name
// resolves to nil rather than an error.
func ResolveLookupTableID(ctx context.Context, q store.Querier, name string) (*int64, error) {
	var id int64
	err := store.Get(ctx, q, &id, `SELECT id FROM custom_lookup_tables WHERE table_name = $1`, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve lookup table %s: %w", name, err)
	}
	return &id, nil
}

// LookupTableExists reports whether a lookup table with this id exists.
func LookupTableExists(ctx context.Context, q store.Querier, id int64) (bool, error) {
	var exists bool
	if err := store.Get(ctx, q, &exists, `SELECT EXISTS(SELECT 1 FROM custom_lookup_tables WHERE id = $1)`, id); err != nil {
		return false, fmt.Errorf("check lookup table %d: %w", id, err)
	}
	return exists, nil
}

// GetLookupTable loads a lookup table and its active values.
func GetLookupTable(ctx context.Context, q store.Querier, name string) (*LookupTable, error) {
	var lt LookupTable
	if err := store.Get(ctx, q, &lt, `SELECT id, table_name, display_name, description, created_at
		FROM custom_lookup_tables WHERE table_name = $1`, name); err != nil {
		return nil, err
	}

	lt.Values = []LookupValue{}
	if err := store.Select(ctx, q, &lt.Values, `SELECT id, lookup_table_id, value, label, display_order, is_active
		FROM custom_lookup_values
		WHERE lookup_table_id = $1 AND is_active
		ORDER BY display_order, value`, lt.ID); err != nil {
		return nil, fmt.Errorf("list lookup values: %w", err)
	}
	return &lt, nil
}

const grantColumns = `tp.id, tp.table_id, tp.user_id, u.email AS user_email,
	tp.permission_level, tp.granted_by, tp.granted_at`

// ListGrants returns the explicit grants on a table.
func ListGrants(ctx context.Context, q store.Querier, tableID int64) ([]Grant, error) {
	grants := []Grant{}
	err := store.Select(ctx, q, &grants, `SELECT `+grantColumns+`
		FROM table_permissions tp
		JOIN users u ON u.id = tp.user_id
		WHERE tp.table_id = $1
		ORDER BY u.email`, tableID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return grants, nil
}

// UpsertGrant creates or replaces the grant for (tableID, userID).
func UpsertGrant(ctx context.Context, q store.Querier, tableID, userID int64, level Permission, grantedBy int64) (*Grant, error) {
	var g Grant
	err := store.Get(ctx, q, &g, `WITH tp AS (
			INSERT INTO table_permissions (table_id, user_id, permission_level, granted_by)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (table_id, user_id) DO UPDATE SET
				permission_level = EXCLUDED.permission_level,
				granted_by = EXCLUDED.granted_by,
				granted_at = NOW()
			RETURNING *
		)
		SELECT `+grantColumns+` FROM tp JOIN users u ON u.id = tp.user_id`,
		tableID, userID, string(level), grantedBy)
	if err != nil {
		return nil, fmt.Errorf("upsert grant: %w", err)
	}
	return &g, nil
}

// DeleteGrant removes the grant for (tableID, userID), reporting whether one existed.
func DeleteGrant(ctx context.Context, q store.Querier, tableID, userID int64) (bool, error) {
	n, err := store.Exec(ctx, q,
		`DELETE FROM table_permissions WHERE table_id = $1 AND user_id = $2`, tableID, userID)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return n > 0, nil
}

func FindUserByEmail(ctx context.Context, q store.Querier, email string) (*User, error) {
	var u User
	if err := store.Get(ctx, q, &u, `SELECT id, email FROM users WHERE LOWER(email) = LOWER($1)`, email); err != nil {
		return nil, err
	}
	return &u, nil
}

func FindUserByID(ctx context.Context, q store.Querier, id int64) (*User, error) {
	var u User
	if err := store.Get(ctx, q, &u, `SELECT id, email FROM users WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return &u, nil
}
