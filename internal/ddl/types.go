package ddl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
	"curio-backend/internal/ident"
)

// columnTypes is the field-type whitelist. A field type outside it never
// reaches DDL text.
var columnTypes = map[string]string{
	"text":       "TEXT",
	"number":     "DECIMAL(10,2)",
	"integer":    "INTEGER",
	"select":     "TEXT",
	"textarea":   "TEXT",
	"date":       "DATE",
	"month-year": "DATE",
	"currency":   "DECIMAL(10,2)",
}

// ColumnType maps a field type to its physical column type.
func ColumnType(fieldType string) (string, bool) {
	t, ok := columnTypes[fieldType]
	return t, ok
}

type column struct {
	name       string
	definition string
}

// baselineColumns exist on every physical table, ahead of the user's fields.
var baselineColumns = []column{
	{"id", "SERIAL PRIMARY KEY"},
	{"created_by", "INTEGER NOT NULL"},
	{"quantity", "INTEGER DEFAULT 1"},
	{"added_date", "TIMESTAMP DEFAULT CURRENT_TIMESTAMP"},
	{"qr_code", "TEXT"},
	{"image1", "TEXT"},
	{"image2", "TEXT"},
	{"image3", "TEXT"},
}

// IsBaselineColumn reports whether name is one of the fixed columns every
// physical table carries.
func IsBaselineColumn(name string) bool {
	for _, c := range baselineColumns {
		if c.name == name {
			return true
		}
	}
	return false
}

// TableDef is the logical part of a create-table request.
type TableDef struct {
	TableName   string  `json:"table_name"`
	DisplayName string  `json:"display_name"`
	Description *string `json:"description"`
	Icon        *string `json:"icon"`
	IsShared    bool    `json:"is_shared"`
}

// FieldDef is one field of a create-table or add-field request.
type FieldDef struct {
	FieldName     string          `json:"field_name"`
	FieldLabel    string          `json:"field_label"`
	FieldType     string          `json:"field_type"`
	IsRequired    bool            `json:"is_required"`
	DisplayOrder  *int            `json:"display_order"`
	Placeholder   *string         `json:"placeholder"`
	Options       catalog.Options `json:"options"`
	ShowInTable   *bool           `json:"show_in_table"`
	ShowInMobile  *bool           `json:"show_in_mobile"`
	IsBold        bool            `json:"is_bold"`
	HelpText      *string         `json:"help_text"`
	LookupTableID LookupRef       `json:"lookup_table_id"`
	DefaultValue  *string         `json:"default_value"`
}

// LookupRef is a lookup_table_id given either as a numeric id or as a lookup
// table name to be resolved.
type LookupRef struct {
	ID   *int64
	Name string
}

func (r *LookupRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*r = LookupRef{}
	case len(b) > 0 && b[0] == '"':
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*r = LookupRef{Name: name}
	default:
		var id int64
		if err := json.Unmarshal(b, &id); err != nil {
			return fmt.Errorf("lookup_table_id must be a number or a lookup table name: %w", err)
		}
		*r = LookupRef{ID: &id}
	}
	return nil
}

func (r LookupRef) MarshalJSON() ([]byte, error) {
	switch {
	case r.ID != nil:
		return json.Marshal(*r.ID)
	case r.Name != "":
		return json.Marshal(r.Name)
	default:
		return []byte("null"), nil
	}
}

// validatedField is a FieldDef whose identifier and column type are proven safe.
type validatedField struct {
	def        FieldDef
	name       ident.Identifier
	columnType string
}

func (v validatedField) columnDef() string {
	def := v.name.Quoted() + " " + v.columnType
	if v.def.IsRequired {
		def += " NOT NULL"
	}
	return def
}

func validateField(f FieldDef) (validatedField, error) {
	if f.FieldName == "" || f.FieldLabel == "" || f.FieldType == "" {
		return validatedField{}, apperr.BadRequestError("Each field requires field_name, field_label and field_type")
	}
	name, err := ident.SanitizeIdentifier(f.FieldName)
	if err != nil {
		return validatedField{}, err
	}
	if IsBaselineColumn(name.String()) {
		return validatedField{}, apperr.BadRequestf("Field name '%s' is reserved", name)
	}
	colType, ok := ColumnType(f.FieldType)
	if !ok {
		return validatedField{}, apperr.BadRequestf("Invalid field type '%s' for field '%s'", f.FieldType, name)
	}
	return validatedField{def: f, name: name, columnType: colType}, nil
}

func validateFields(fields []FieldDef) ([]validatedField, error) {
	if len(fields) == 0 {
		return nil, apperr.BadRequestError("At least one field is required")
	}
	seen := make(map[string]bool, len(fields))
	out := make([]validatedField, 0, len(fields))
	for _, f := range fields {
		v, err := validateField(f)
		if err != nil {
			return nil, err
		}
		if seen[v.name.String()] {
			return nil, apperr.BadRequestf("Duplicate field name '%s'", v.name)
		}
		seen[v.name.String()] = true
		out = append(out, v)
	}
	return out, nil
}

var (
	numericLiteral = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
	stringLiteral  = regexp.MustCompile(`^'[^']*'$`)
)

var keywordLiterals = map[string]bool{
	"TRUE":              true,
	"FALSE":             true,
	"NULL":              true,
	"CURRENT_DATE":      true,
	"CURRENT_TIMESTAMP": true,
}

// checkDefault accepts only plain literals as a column DEFAULT.
func checkDefault(expr string) error {
	s := strings.TrimSpace(expr)
	if numericLiteral.MatchString(s) || stringLiteral.MatchString(s) || keywordLiterals[strings.ToUpper(s)] {
		return nil
	}
	return apperr.BadRequestf("default_value %q must be a number, a quoted string, TRUE, FALSE, NULL, CURRENT_DATE or CURRENT_TIMESTAMP", expr)
}
