package catalog

import (
	"database/sql/driver"
	"fmt"

	"curio-backend/internal/apperr"
)

// Permission is a user's computed access level on a logical table.
// The zero value means no access.
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionOwner Permission = "owner"
	PermissionAdmin Permission = "admin"
	PermissionEdit  Permission = "edit"
	PermissionView  Permission = "view"
)

// ParseGrantLevel accepts the levels that can be stored in table_permissions.
// "owner" is derived from created_by and can never be granted.
func ParseGrantLevel(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionView, PermissionEdit, PermissionAdmin:
		return p, nil
	default:
		return PermissionNone, apperr.BadRequestf("Invalid permission level %q: must be view, edit or admin", s)
	}
}

// EffectivePermission is the Go rendition of permissionSQL:
// owner if the user created the table, else view if it is shared,
// else the explicit grant (which may be PermissionNone).
func EffectivePermission(t *Table, grant Permission, userID int64) Permission {
	switch {
	case t.CreatedBy == userID:
		return PermissionOwner
	case t.IsShared:
		return PermissionView
	default:
		return grant
	}
}

// permissionSQL renders EffectivePermission as a SQL expression over
// custom_tables ct LEFT JOIN table_permissions tp (joined on the acting user).
// Every read path exposing user_permission must use it.
func permissionSQL(userParam string) string {
	return fmt.Sprintf(`CASE
		WHEN ct.created_by = %s THEN 'owner'
		WHEN ct.is_shared THEN 'view'
		ELSE tp.permission_level
	END`, userParam)
}

// permissionRankSQL orders candidate tables sharing a logical name:
// own table first, then strongest grant, with no-access rows last.
func permissionRankSQL(userParam string) string {
	return fmt.Sprintf(`CASE %s
		WHEN 'owner' THEN 0
		WHEN 'admin' THEN 1
		WHEN 'edit' THEN 2
		WHEN 'view' THEN 3
		ELSE 4
	END`, permissionSQL(userParam))
}

// Scan lets a NULL user_permission column decode to PermissionNone.
func (p *Permission) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = PermissionNone
	case string:
		*p = Permission(v)
	case []byte:
		*p = Permission(v)
	default:
		return fmt.Errorf("cannot scan %T into Permission", src)
	}
	return nil
}

func (p Permission) Value() (driver.Value, error) {
	if p == PermissionNone {
		return nil, nil
	}
	return string(p), nil
}
