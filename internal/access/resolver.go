// Package access decides whether a user may act on a logical table and on
// individual rows of it.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
	"curio-backend/internal/ident"
	"curio-backend/internal/store"
)

// Resolver loads table metadata together with the caller's effective permission.
type Resolver struct {
	db store.Querier
}

func NewResolver(db store.Querier) *Resolver {
	return &Resolver{db: db}
}

// Lookup resolves tableName for userID. Unlike GetTableMetadata it tells an
// unknown table (NotFound) apart from one the user cannot see (Forbidden).
func (r *Resolver) Lookup(ctx context.Context, tableName string, userID int64) (*catalog.TableMeta, error) {
	name, err := ident.SanitizeIdentifier(tableName)
	if err != nil {
		return nil, err
	}

	meta, err := catalog.FindTableForUser(ctx, r.db, name.String(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundError(fmt.Sprintf("Table '%s' not found", name))
	}
	if err != nil {
		return nil, fmt.Errorf("resolve table %s: %w", name, err)
	}
	if meta.Permission == catalog.PermissionNone {
		return nil, apperr.ForbiddenError(fmt.Sprintf("No access to table '%s'", name))
	}
	return meta, nil
}

// GetTableMetadata is the entry point of every entity operation. A missing
// table and a table without computed permission both yield Forbidden, so the
// entity API does not reveal which table names exist.
func (r *Resolver) GetTableMetadata(ctx context.Context, tableName string, userID int64) (*catalog.TableMeta, error) {
	meta, err := r.Lookup(ctx, tableName, userID)
	if apperr.HasStatus(err, http.StatusNotFound) {
		return nil, apperr.ForbiddenError(fmt.Sprintf("No access to table '%s'", tableName))
	}
	return meta, err
}
