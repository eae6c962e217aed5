package catalog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"curio-backend/internal/ident"
)

// Table is a row of custom_tables: the logical definition of a user table.
type Table struct {
	ID          int64     `db:"id" json:"id"`
	TableName   string    `db:"table_name" json:"table_name"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Description *string   `db:"description" json:"description"`
	Icon        *string   `db:"icon" json:"icon"`
	CreatedBy   int64     `db:"created_by" json:"created_by"`
	IsShared    bool      `db:"is_shared" json:"is_shared"`
	IsSystem    bool      `db:"is_system" json:"is_system"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// TableMeta is a Table as seen by one user.
type TableMeta struct {
	Table
	OwnerEmail string     `db:"owner_email" json:"owner_email"`
	Permission Permission `db:"user_permission" json:"user_permission"`
}

// LogicalName returns the validated logical table name.
func (m *TableMeta) LogicalName() (ident.Identifier, error) {
	return ident.SanitizeIdentifier(m.TableName)
}

// PhysicalName recomputes the backing relation name from the owner's email.
// It is never stored.
func (m *TableMeta) PhysicalName() (ident.Identifier, error) {
	name, err := m.LogicalName()
	if err != nil {
		return ident.Identifier{}, err
	}
	return ident.PhysicalTableNameForEmail(m.OwnerEmail, name)
}

// TableSummary is one entry of the visible-tables listing.
type TableSummary struct {
	TableMeta
	FieldCount int64 `db:"field_count" json:"field_count"`
	ItemCount  int64 `db:"-" json:"item_count"`
}

// Field is a row of custom_fields.
type Field struct {
	ID              int64     `db:"id" json:"id"`
	TableID         int64     `db:"table_id" json:"table_id"`
	FieldName       string    `db:"field_name" json:"field_name"`
	FieldLabel      string    `db:"field_label" json:"field_label"`
	FieldType       string    `db:"field_type" json:"field_type"`
	IsRequired      bool      `db:"is_required" json:"is_required"`
	DisplayOrder    int       `db:"display_order" json:"display_order"`
	Placeholder     *string   `db:"placeholder" json:"placeholder"`
	Options         Options   `db:"options" json:"options"`
	ShowInTable     bool      `db:"show_in_table" json:"show_in_table"`
	ShowInMobile    bool      `db:"show_in_mobile" json:"show_in_mobile"`
	IsBold          bool      `db:"is_bold" json:"is_bold"`
	HelpText        *string   `db:"help_text" json:"help_text"`
	LookupTableID   *int64    `db:"lookup_table_id" json:"lookup_table_id"`
	LookupTableName *string   `db:"lookup_table_name" json:"lookup_table_name"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Options is the raw JSON list stored in custom_fields.options.
// NULL round-trips as JSON null.
type Options json.RawMessage

func (o *Options) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*o = nil
	case []byte:
		*o = append(Options(nil), v...)
	case string:
		*o = Options(v)
	default:
		return fmt.Errorf("cannot scan %T into Options", src)
	}
	return nil
}

func (o Options) Value() (driver.Value, error) {
	if len(o) == 0 {
		return nil, nil
	}
	return string(o), nil
}

func (o Options) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return o, nil
}

func (o *Options) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = nil
		return nil
	}
	*o = append(Options(nil), b...)
	return nil
}

type LookupTable struct {
	ID          int64         `db:"id" json:"id"`
	TableName   string        `db:"table_name" json:"table_name"`
	DisplayName string        `db:"display_name" json:"display_name"`
	Description *string       `db:"description" json:"description"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	Values      []LookupValue `db:"-" json:"values"`
}

type LookupValue struct {
	ID            int64   `db:"id" json:"id"`
	LookupTableID int64   `db:"lookup_table_id" json:"lookup_table_id"`
	Value         string  `db:"value" json:"value"`
	Label         *string `db:"label" json:"label"`
	DisplayOrder  int     `db:"display_order" json:"display_order"`
	IsActive      bool    `db:"is_active" json:"is_active"`
}

// Grant is a row of table_permissions joined with the grantee's email.
type Grant struct {
	ID                  int64      `db:"id" json:"id"`
	TableID             int64      `db:"table_id" json:"table_id"`
	UserID              int64      `db:"user_id" json:"user_id"`
	UserEmail           string     `db:"user_email" json:"user_email"`
	PermissionLevel     Permission `db:"permission_level" json:"permission_level"`
	GrantedBy           *int64     `db:"granted_by" json:"granted_by"`
	GrantedAt           time.Time  `db:"granted_at" json:"granted_at"`
	EffectivePermission Permission `db:"-" json:"effective_permission"`
}

type User struct {
	ID    int64  `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
}

// TableSettings holds the owner-editable, non-schema attributes of a table.
// Nil pointers are left unchanged.
type TableSettings struct {
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
	Icon        *string `json:"icon"`
	IsShared    *bool   `json:"is_shared"`
}
