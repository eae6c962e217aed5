// Package ident is the only gate between user input and SQL identifiers.
//
// An Identifier can only be obtained from SanitizeIdentifier or
// PhysicalTableName, so any string typed as Identifier has passed validation
// and is safe to interpolate into DDL/DML text. Values never go through here;
// they are always bound as positional parameters.
package ident

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"curio-backend/internal/apperr"
)

const (
	MaxIdentifierLength = 63
	MaxUsernameLength   = 20
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var reservedWords = map[string]struct{}{
	"select":   {},
	"insert":   {},
	"update":   {},
	"delete":   {},
	"drop":     {},
	"table":    {},
	"database": {},
	"user":     {},
	"password": {},
	"admin":    {},
	"root":     {},
	"system":   {},
	"schema":   {},
	"index":    {},
}

// Identifier is a validated SQL identifier.
type Identifier struct {
	name string
}

func (i Identifier) String() string { return i.name }

// Quoted returns the identifier double-quoted for interpolation into SQL text.
func (i Identifier) Quoted() string {
	return pgx.Identifier{i.name}.Sanitize()
}

// IsZero reports whether i was never produced by a validating constructor.
func (i Identifier) IsZero() bool { return i.name == "" }

// SanitizeIdentifier validates name without transforming it: callers must
// lowercase beforehand if that is what they want.
func SanitizeIdentifier(name string) (Identifier, error) {
	if name == "" {
		return Identifier{}, apperr.BadRequestError("Identifier is required")
	}
	if len(name) > MaxIdentifierLength {
		return Identifier{}, apperr.BadRequestf("Identifier %q exceeds %d characters", name, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return Identifier{}, apperr.BadRequestf(
			"Invalid identifier %q: must start with a lowercase letter and contain only lowercase letters, digits and underscores", name)
	}
	if _, reserved := reservedWords[name]; reserved {
		return Identifier{}, apperr.BadRequestf("Identifier %q is a reserved word", name)
	}
	return Identifier{name: name}, nil
}

// MustIdentifier is SanitizeIdentifier for compile-time constants; it panics on invalid input.
func MustIdentifier(name string) Identifier {
	id, err := SanitizeIdentifier(name)
	if err != nil {
		panic(err)
	}
	return id
}

// ExtractUsername derives the physical-name prefix from an email address:
// lowercased local part, every char outside [a-z0-9] replaced with '_',
// "u_" prepended unless it starts with a letter, truncated to 20 chars.
func ExtractUsername(email string) (string, error) {
	if email == "" {
		return "", apperr.BadRequestError("Email is required")
	}
	if strings.Count(email, "@") != 1 {
		return "", apperr.BadRequestf("Invalid email %q", email)
	}
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "", apperr.BadRequestf("Invalid email %q", email)
	}

	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	username := b.String()
	if username[0] < 'a' || username[0] > 'z' {
		username = "u_" + username
	}
	if len(username) > MaxUsernameLength {
		username = username[:MaxUsernameLength]
	}
	return username, nil
}

// PhysicalTableName returns {username}_data_{table}. The composite is validated
// again, so a name Postgres would silently truncate is rejected instead.
func PhysicalTableName(username string, table Identifier) (Identifier, error) {
	if table.IsZero() {
		return Identifier{}, apperr.BadRequestError("Table name is required")
	}
	return SanitizeIdentifier(username + "_data_" + table.name)
}

// PhysicalTableNameForEmail combines ExtractUsername and PhysicalTableName.
func PhysicalTableNameForEmail(ownerEmail string, table Identifier) (Identifier, error) {
	username, err := ExtractUsername(ownerEmail)
	if err != nil {
		return Identifier{}, err
	}
	return PhysicalTableName(username, table)
}
