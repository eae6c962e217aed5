package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"

	"curio-backend/internal/apperr"
	"curio-backend/internal/auth"
	"curio-backend/internal/catalog"
)

// newTestApp mounts the entity routes behind a stub that authenticates the
// user named in the X-User-ID header.
func newTestApp(f *fixture) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if appErr, ok := apperr.As(err); ok {
				return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
			}
			return c.Status(500).JSON(fiber.Map{"error": fiber.Map{"code": "INTERNAL_ERROR", "message": err.Error()}})
		},
	})
	api := app.Group("/api", func(c *fiber.Ctx) error {
		id, _ := strconv.ParseInt(c.Get("X-User-ID"), 10, 64)
		if id > 0 {
			auth.SetUser(c, &auth.UserContext{ID: id, Email: "user@example.com"})
		}
		return c.Next()
	})
	RegisterRoutes(api, NewHandler(f.svc))
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path string, userID int64, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID > 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	resp, _ := doRequest(t, newTestApp(f), "GET", "/api/entities/widgets", 0, nil)
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandler_InvalidItemID(t *testing.T) {
	f := newFixture(t)
	resp, body := doRequest(t, newTestApp(f), "GET", "/api/entities/widgets/abc", ownerID, nil)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "BAD_REQUEST" {
		t.Fatalf("expected BAD_REQUEST, got %v", errBody["code"])
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandler_InvalidTableName(t *testing.T) {
	f := newFixture(t)
	resp, _ := doRequest(t, newTestApp(f), "GET", "/api/entities/Users", ownerID, nil)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for invalid table name, got %d", resp.StatusCode)
	}
}

func TestHandler_DeleteImageInvalidSlot(t *testing.T) {
	f := newFixture(t)
	resp, _ := doRequest(t, newTestApp(f), "DELETE", "/api/entities/widgets/image/5/qr_code", ownerID, nil)
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHandler_CreateReturnsItemID(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFields()
	f.mock.ExpectQuery(`INSERT INTO "jane_data_widgets"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	f.mock.ExpectExec(`UPDATE "jane_data_widgets" SET "qr_code"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, body := doRequest(t, newTestApp(f), "POST", "/api/entities/widgets", ownerID, map[string]any{"color": "red"})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["itemId"] != float64(5) {
		t.Fatalf("expected itemId 5, got %v", body["itemId"])
	}
	if body["qr_code"] != "qrcodes/widgets_5.png" {
		t.Fatalf("unexpected qr_code %v", body["qr_code"])
	}
}

func TestHandler_ViewerCannotCreate(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionView, true)

	resp, _ := doRequest(t, newTestApp(f), "POST", "/api/entities/widgets", granteeID, map[string]any{"color": "red"})
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestHandler_CreateRequiresJSON(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest("POST", "/api/entities/widgets", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "1")
	resp, err := newTestApp(f).Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_ListUsesDataEnvelope(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "color"}).AddRow(int64(1), "red"))

	resp, body := doRequest(t, newTestApp(f), "GET", "/api/entities/widgets", ownerID, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data, ok := body["data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("expected one row in data, got %v", body["data"])
	}
}
