package access

import (
	"fmt"

	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
)

// Action is an operation class checked against the table-level permission.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

var allowed = map[Action]map[catalog.Permission]bool{
	ActionRead: {
		catalog.PermissionOwner: true,
		catalog.PermissionAdmin: true,
		catalog.PermissionEdit:  true,
		catalog.PermissionView:  true,
	},
	ActionWrite: {
		catalog.PermissionOwner: true,
		catalog.PermissionAdmin: true,
		catalog.PermissionEdit:  true,
	},
	ActionManage: {
		catalog.PermissionOwner: true,
	},
}

// Can reports whether permission p covers action.
func Can(p catalog.Permission, action Action) bool {
	return allowed[action][p]
}

// Require returns a Forbidden AppError unless meta's permission covers action.
func Require(meta *catalog.TableMeta, action Action) error {
	if meta == nil || !Can(meta.Permission, action) {
		return apperr.ForbiddenError(forbiddenMessage(meta, action))
	}
	return nil
}

func forbiddenMessage(meta *catalog.TableMeta, action Action) string {
	if meta == nil {
		return "No access to table"
	}
	switch action {
	case ActionManage:
		return fmt.Sprintf("Only the owner can change table '%s'", meta.TableName)
	case ActionWrite:
		return fmt.Sprintf("Write access to table '%s' requires edit permission", meta.TableName)
	default:
		return fmt.Sprintf("No access to table '%s'", meta.TableName)
	}
}

// NeedsRowFilter reports whether reads must be restricted to rows the user
// created: the table is private and the user is not its owner.
func NeedsRowFilter(meta *catalog.TableMeta) bool {
	return !meta.IsShared && meta.Permission != catalog.PermissionOwner
}

// CanReadRow applies row-ownership isolation to a single fetched row.
func CanReadRow(meta *catalog.TableMeta, createdBy, userID int64) bool {
	return !NeedsRowFilter(meta) || createdBy == userID
}

// CheckRowOwnership is the second tier of every row-scoped mutation. The
// table owner may touch any row; everyone else only rows they created.
// Callers must have passed Require(meta, ActionWrite) first.
func CheckRowOwnership(meta *catalog.TableMeta, createdBy, userID int64) error {
	if meta.Permission == catalog.PermissionOwner || createdBy == userID {
		return nil
	}
	return apperr.ForbiddenError("You can only modify items you created")
}

// RequireRowWrite runs both tiers in order: table permission, then row ownership.
func RequireRowWrite(meta *catalog.TableMeta, createdBy, userID int64) error {
	if err := Require(meta, ActionWrite); err != nil {
		return err
	}
	return CheckRowOwnership(meta, createdBy, userID)
}
