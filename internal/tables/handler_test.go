package tables

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"curio-backend/internal/access"
	"curio-backend/internal/apperr"
	"curio-backend/internal/auth"
	"curio-backend/internal/catalog"
	"curio-backend/internal/config"
	"curio-backend/internal/ddl"
	"curio-backend/internal/store"
)

const (
	ownerID = int64(1)
	otherID = int64(2)
)

type fakeCounter struct{ n int64 }

func (f fakeCounter) CountItems(context.Context, *catalog.TableMeta, int64) (int64, error) {
	return f.n, nil
}

type fakeRemover struct{ deleted []string }

func (f *fakeRemover) Delete(_ context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

type fixture struct {
	app   *fiber.App
	mock  sqlmock.Sqlmock
	files *fakeRemover
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.NewFromDB(db)
	files := &fakeRemover{}
	h := NewHandler(s.DB, access.NewResolver(s.DB), ddl.NewManager(s, config.DDLConfig{}, zap.NewNop()),
		fakeCounter{n: 3}, files, zap.NewNop())

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr, ok := apperr.As(err); ok {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.Status(500).SendString(err.Error())
		},
	})
	api := app.Group("/api", func(c *fiber.Ctx) error {
		id, _ := strconv.ParseInt(c.Get("X-User-ID"), 10, 64)
		email := "jane@example.com"
		if id != ownerID {
			email = "bob@example.com"
		}
		auth.SetUser(c, &auth.UserContext{ID: id, Email: email})
		return c.Next()
	})
	RegisterRoutes(api, h)
	return &fixture{app: app, mock: mock, files: files}
}

func (f *fixture) do(t *testing.T, method, path string, userID int64, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

var metaColumns = []string{
	"id", "table_name", "display_name", "description", "icon", "created_by",
	"is_shared", "is_system", "created_at", "updated_at", "owner_email", "user_permission",
}

func (f *fixture) expectLookup(userID int64, perm any) {
	now := time.Now()
	f.mock.ExpectQuery(`FROM custom_tables ct`).
		WithArgs("widgets", userID).
		WillReturnRows(sqlmock.NewRows(metaColumns).
			AddRow(int64(10), "widgets", "Widgets", nil, nil, ownerID, false, false, now, now, "jane@example.com", perm))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectQuery(`WHERE ct.created_by = \$1 OR ct.is_shared OR tp.user_id IS NOT NULL`).
		WithArgs(otherID).
		WillReturnRows(sqlmock.NewRows(append(metaColumns, "field_count")).
			AddRow(int64(10), "widgets", "Widgets", nil, nil, ownerID, true, false, now, now, "jane@example.com", "view", int64(2)))

	status, body := f.do(t, "GET", "/api/tables", otherID, nil)
	require.Equal(t, 200, status)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	table := data[0].(map[string]any)
	assert.Equal(t, "view", table["user_permission"])
	assert.Equal(t, float64(2), table["field_count"])
	assert.Equal(t, float64(3), table["item_count"])
}

func TestLookupsRouteWinsOverTableName(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectQuery(`FROM custom_lookup_tables WHERE table_name = \$1`).
		WithArgs("grades").
		WillReturnRows(sqlmock.NewRows([]string{"id", "table_name", "display_name", "description", "created_at"}).
			AddRow(int64(4), "grades", "Grades", nil, now))
	f.mock.ExpectQuery(`FROM custom_lookup_values`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "lookup_table_id", "value", "label", "display_order", "is_active"}).
			AddRow(int64(1), int64(4), "VF", "Very Fine", 0, true))

	status, body := f.do(t, "GET", "/api/tables/lookups/grades", otherID, nil)
	require.Equal(t, 200, status)
	data := body["data"].(map[string]any)
	assert.Len(t, data["values"], 1)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDefinition_UnknownTableIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM custom_tables ct`).WillReturnRows(sqlmock.NewRows(metaColumns))

	status, _ := f.do(t, "GET", "/api/tables/widgets/definition", ownerID, nil)
	assert.Equal(t, 404, status)
}

func TestUpdateSettings_NonOwnerForbidden(t *testing.T) {
	f := newFixture(t)
	f.expectLookup(otherID, "admin")

	status, _ := f.do(t, "PUT", "/api/tables/widgets", otherID, map[string]any{"is_shared": true})
	assert.Equal(t, 403, status)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.expectLookup(ownerID, "owner")
	f.mock.ExpectQuery(`UPDATE custom_tables ct SET`).
		WithArgs(int64(10), nil, nil, nil, true).
		WillReturnRows(sqlmock.NewRows(metaColumns[:10]).
			AddRow(int64(10), "widgets", "Widgets", nil, nil, ownerID, true, false, now, now))

	status, body := f.do(t, "PUT", "/api/tables/widgets", ownerID, map[string]any{"is_shared": true})
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["data"].(map[string]any)["is_shared"])
}

func TestGrantPermission_ByEmail(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.expectLookup(ownerID, "owner")
	f.mock.ExpectQuery(`SELECT id, email FROM users WHERE LOWER\(email\) = LOWER\(\$1\)`).
		WithArgs("bob@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow(otherID, "bob@example.com"))
	f.mock.ExpectQuery(`INSERT INTO table_permissions`).
		WithArgs(int64(10), otherID, "view", ownerID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "table_id", "user_id", "user_email", "permission_level", "granted_by", "granted_at"}).
			AddRow(int64(1), int64(10), otherID, "bob@example.com", "view", ownerID, now))

	status, body := f.do(t, "POST", "/api/tables/widgets/permissions", ownerID,
		map[string]any{"email": "bob@example.com", "permission_level": "view"})
	require.Equal(t, 200, status)
	grant := body["data"].(map[string]any)
	assert.Equal(t, "view", grant["effective_permission"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGrantPermission_Validation(t *testing.T) {
	t.Run("owner level cannot be granted", func(t *testing.T) {
		f := newFixture(t)
		status, _ := f.do(t, "POST", "/api/tables/widgets/permissions", ownerID,
			map[string]any{"user_id": otherID, "permission_level": "owner"})
		assert.Equal(t, 400, status)
	})
	t.Run("owner cannot grant to themself", func(t *testing.T) {
		f := newFixture(t)
		f.expectLookup(ownerID, "owner")
		f.mock.ExpectQuery(`SELECT id, email FROM users WHERE id = \$1`).
			WithArgs(ownerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow(ownerID, "jane@example.com"))

		status, _ := f.do(t, "POST", "/api/tables/widgets/permissions", ownerID,
			map[string]any{"user_id": ownerID, "permission_level": "edit"})
		assert.Equal(t, 400, status)
	})
	t.Run("edit grantee cannot manage grants", func(t *testing.T) {
		f := newFixture(t)
		f.expectLookup(otherID, "edit")
		status, _ := f.do(t, "POST", "/api/tables/widgets/permissions", otherID,
			map[string]any{"user_id": int64(3), "permission_level": "edit"})
		assert.Equal(t, 403, status)
	})
	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		f.expectLookup(ownerID, "owner")
		f.mock.ExpectQuery(`FROM users`).WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))
		status, _ := f.do(t, "POST", "/api/tables/widgets/permissions", ownerID,
			map[string]any{"email": "ghost@example.com", "permission_level": "view"})
		assert.Equal(t, 404, status)
	})
}

func TestRevokePermission_Missing(t *testing.T) {
	f := newFixture(t)
	f.expectLookup(ownerID, "owner")
	f.mock.ExpectExec(`DELETE FROM table_permissions`).
		WithArgs(int64(10), otherID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	status, _ := f.do(t, "DELETE", "/api/tables/widgets/permissions/2", ownerID, nil)
	assert.Equal(t, 404, status)
}

func TestDelete_RemovesAssetsAfterCommit(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM custom_tables ct\s+WHERE ct.table_name = \$1 AND ct.created_by = \$2`).
		WithArgs("widgets", ownerID).
		WillReturnRows(sqlmock.NewRows(metaColumns[:10]).
			AddRow(int64(10), "widgets", "Widgets", nil, nil, ownerID, false, false, now, now))
	f.mock.ExpectQuery(`FROM information_schema.tables`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	f.mock.ExpectQuery(`SELECT "qr_code"`).
		WillReturnRows(sqlmock.NewRows([]string{"qr_code", "image1", "image2", "image3"}).
			AddRow("qrcodes/widgets_1.png", nil, nil, nil))
	f.mock.ExpectExec(`DROP TABLE IF EXISTS "jane_data_widgets"`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`DELETE FROM custom_tables`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	status, _ := f.do(t, "DELETE", "/api/tables/widgets", ownerID, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, []string{"qrcodes/widgets_1.png"}, f.files.deleted)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_RequiresTableName(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, "POST", "/api/tables", ownerID, map[string]any{"display_name": "Widgets"})
	assert.Equal(t, 400, status)
}
