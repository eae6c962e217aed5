package engine

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"curio-backend/internal/access"
	"curio-backend/internal/apperr"
	"curio-backend/internal/catalog"
	"curio-backend/internal/store"
)

const (
	ownerID   = int64(1)
	granteeID = int64(2)
	tableID   = int64(10)
)

type fakeQR struct {
	genErr    error
	delErr    error
	generated []string
	deleted   []string
}

func (f *fakeQR) Generate(_ context.Context, entity string, id int64) (string, error) {
	if f.genErr != nil {
		return "", f.genErr
	}
	p := fmt.Sprintf("qrcodes/%s_%d.png", entity, id)
	f.generated = append(f.generated, p)
	return p, nil
}

func (f *fakeQR) Delete(_ context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return f.delErr
}

func (f *fakeQR) Regenerate(ctx context.Context, entity string, id int64, old string) (string, error) {
	_ = f.Delete(ctx, old)
	p, err := f.Generate(ctx, entity, id)
	return p + ".new", err
}

type fakeImages struct {
	deleted []string
}

func (f *fakeImages) Process(_ context.Context, files []*multipart.FileHeader) ([]string, error) {
	out := make([]string, len(files))
	for i, fh := range files {
		out[i] = "images/" + fh.Filename
	}
	return out, nil
}

func (f *fakeImages) Delete(_ context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

type fixture struct {
	svc    *Service
	mock   sqlmock.Sqlmock
	qr     *fakeQR
	images *fakeImages
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.NewFromDB(db)
	qr := &fakeQR{}
	images := &fakeImages{}
	svc := NewService(s.DB, access.NewResolver(s.DB), qr, images, zap.NewNop())
	return &fixture{svc: svc, mock: mock, qr: qr, images: images}
}

var metaColumns = []string{
	"id", "table_name", "display_name", "description", "icon", "created_by",
	"is_shared", "is_system", "created_at", "updated_at", "owner_email", "user_permission",
}

func (f *fixture) expectResolve(userID int64, perm catalog.Permission, shared bool) {
	now := time.Now()
	var p any
	if perm != catalog.PermissionNone {
		p = string(perm)
	}
	f.mock.ExpectQuery(`FROM custom_tables ct`).
		WithArgs("widgets", userID).
		WillReturnRows(sqlmock.NewRows(metaColumns).
			AddRow(tableID, "widgets", "Widgets", nil, nil, ownerID, shared, false, now, now, "jane@example.com", p))
}

var fieldColumns = []string{
	"id", "table_id", "field_name", "field_label", "field_type", "is_required", "display_order",
	"placeholder", "options", "show_in_table", "show_in_mobile", "is_bold", "help_text",
	"lookup_table_id", "created_at", "lookup_table_name",
}

func (f *fixture) expectFields() {
	now := time.Now()
	f.mock.ExpectQuery(`FROM custom_fields cf`).
		WithArgs(tableID).
		WillReturnRows(sqlmock.NewRows(fieldColumns).
			AddRow(int64(100), tableID, "color", "Color", "text", true, 0, nil, nil, true, true, false, nil, nil, now, nil).
			AddRow(int64(101), tableID, "price", "Price", "currency", false, 1, nil, nil, true, true, false, nil, nil, now, nil))
}

var itemColumns = []string{"id", "created_by", "quantity", "qr_code", "image1", "image2", "image3", "color", "price"}

func (f *fixture) expectFetch(id, createdBy int64) {
	f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets" WHERE "id" = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(itemColumns).
			AddRow(id, createdBy, int64(1), "qrcodes/widgets_5.png", "images/old.png", nil, nil, "red", nil))
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	appErr, ok := apperr.As(err)
	require.True(t, ok, "expected AppError, got %v", err)
	assert.Equal(t, status, appErr.Status)
}

func TestListItems_OwnerSeesAllRows(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets" ORDER BY "id" DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_by"}).AddRow(int64(2), int64(3)).AddRow(int64(1), ownerID))

	rows, err := f.svc.ListItems(context.Background(), "widgets", ownerID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListItems_PrivateTableIsRowFiltered(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionEdit, false)
	f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets" WHERE "created_by" = \$1 ORDER BY "id" DESC`).
		WithArgs(granteeID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_by"}))

	rows, err := f.svc.ListItems(context.Background(), "widgets", granteeID)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListItems_NoPermission(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionNone, false)

	_, err := f.svc.ListItems(context.Background(), "widgets", granteeID)
	assertStatus(t, err, http.StatusForbidden)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetItem(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		f := newFixture(t)
		f.expectResolve(granteeID, catalog.PermissionView, true)
		f.expectFetch(5, ownerID)

		row, err := f.svc.GetItem(context.Background(), "widgets", 5, granteeID)
		require.NoError(t, err)
		assert.Equal(t, "red", row["color"])
	})
	t.Run("missing", func(t *testing.T) {
		f := newFixture(t)
		f.expectResolve(ownerID, catalog.PermissionOwner, false)
		f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets"`).WillReturnRows(sqlmock.NewRows(itemColumns))

		_, err := f.svc.GetItem(context.Background(), "widgets", 5, ownerID)
		assertStatus(t, err, http.StatusNotFound)
	})
	t.Run("other user's row in private table", func(t *testing.T) {
		f := newFixture(t)
		f.expectResolve(granteeID, catalog.PermissionEdit, false)
		f.expectFetch(5, ownerID)

		_, err := f.svc.GetItem(context.Background(), "widgets", 5, granteeID)
		assertStatus(t, err, http.StatusForbidden)
	})
}

func TestCreateItem(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFields()
	f.mock.ExpectQuery(`INSERT INTO "jane_data_widgets" \("created_by", "quantity", "color", "price"\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING "id"`).
		WithArgs(ownerID, int64(3), "red", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	f.mock.ExpectExec(`UPDATE "jane_data_widgets" SET "qr_code" = \$1 WHERE "id" = \$2`).
		WithArgs("qrcodes/widgets_5.png", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.svc.CreateItem(context.Background(), "widgets",
		map[string]any{"color": "red", "quantity": float64(3), "ignored": "x"}, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.ItemID)
	assert.Equal(t, "qrcodes/widgets_5.png", res.QRCode)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_MissingRequiredFieldNamesLabel(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFields()

	_, err := f.svc.CreateItem(context.Background(), "widgets", map[string]any{"price": 3.5}, ownerID)
	assertStatus(t, err, http.StatusBadRequest)
	assert.Contains(t, err.Error(), "Color")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_ViewCannotWrite(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionView, true)

	_, err := f.svc.CreateItem(context.Background(), "widgets", map[string]any{"color": "red"}, granteeID)
	assertStatus(t, err, http.StatusForbidden)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_QRFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.qr.genErr = errors.New("disk full")
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFields()
	f.mock.ExpectQuery(`INSERT INTO "jane_data_widgets"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	res, err := f.svc.CreateItem(context.Background(), "widgets", map[string]any{"color": "red"}, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.ItemID)
	assert.Empty(t, res.QRCode)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateItem_InvalidValue(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFields()

	_, err := f.svc.CreateItem(context.Background(), "widgets",
		map[string]any{"color": "red", "price": "cheap"}, ownerID)
	assertStatus(t, err, http.StatusBadRequest)
	assert.Contains(t, err.Error(), "Price")
}

func TestUpdateItem_OnlyPresentFields(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFetch(5, granteeID)
	f.expectFields()
	f.mock.ExpectQuery(`UPDATE "jane_data_widgets" SET "color" = \$1 WHERE "id" = \$2 RETURNING \*`).
		WithArgs("blue", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "color"}).AddRow(int64(5), "blue"))

	row, err := f.svc.UpdateItem(context.Background(), "widgets", 5, map[string]any{"color": "blue"}, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "blue", row["color"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateItem_EditGranteeCannotTouchOthersRows(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionEdit, false)
	f.expectFetch(5, ownerID)

	_, err := f.svc.UpdateItem(context.Background(), "widgets", 5, map[string]any{"color": "blue"}, granteeID)
	assertStatus(t, err, http.StatusForbidden)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestViewGranteeCannotUpdateOrDelete(t *testing.T) {
	for _, shared := range []bool{false, true} {
		f := newFixture(t)
		f.expectResolve(granteeID, catalog.PermissionView, shared)
		_, err := f.svc.UpdateItem(context.Background(), "widgets", 5, map[string]any{"color": "blue"}, granteeID)
		assertStatus(t, err, http.StatusForbidden)

		f.expectResolve(granteeID, catalog.PermissionView, shared)
		_, err = f.svc.DeleteItem(context.Background(), "widgets", 5, granteeID)
		assertStatus(t, err, http.StatusForbidden)

		// no row is fetched, updated or deleted
		assert.NoError(t, f.mock.ExpectationsWereMet(), "shared=%v", shared)
		assert.Empty(t, f.qr.deleted)
		assert.Empty(t, f.images.deleted)
	}
}

func TestListItems_ViewGranteeOnPrivateTableSeesOnlyOwnRows(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionView, false)
	f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets" WHERE "created_by" = \$1 ORDER BY "id" DESC`).
		WithArgs(granteeID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_by"}))

	rows, err := f.svc.ListItems(context.Background(), "widgets", granteeID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListItems_SharedTableIsNotRowFiltered(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionView, true)
	f.mock.ExpectQuery(`SELECT \* FROM "jane_data_widgets" ORDER BY "id" DESC`).
		WithArgs().
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_by"}).AddRow(int64(1), ownerID))

	rows, err := f.svc.ListItems(context.Background(), "widgets", granteeID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateItem_NoFields(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(granteeID, catalog.PermissionEdit, false)
	f.expectFetch(5, granteeID)
	f.expectFields()

	_, err := f.svc.UpdateItem(context.Background(), "widgets", 5, map[string]any{"nope": 1}, granteeID)
	assertStatus(t, err, http.StatusBadRequest)
}

func TestDeleteItem_CleansUpFilesBestEffort(t *testing.T) {
	f := newFixture(t)
	f.qr.delErr = errors.New("permission denied")
	f.expectResolve(granteeID, catalog.PermissionAdmin, false)
	f.expectFetch(5, granteeID)
	f.mock.ExpectQuery(`DELETE FROM "jane_data_widgets" WHERE "id" = \$1 RETURNING \*`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(itemColumns).
			AddRow(int64(5), granteeID, int64(1), "qrcodes/widgets_5.png", "images/old.png", nil, nil, "red", nil))

	row, err := f.svc.DeleteItem(context.Background(), "widgets", 5, granteeID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), row["id"])
	assert.Equal(t, []string{"qrcodes/widgets_5.png"}, f.qr.deleted)
	assert.Equal(t, []string{"images/old.png"}, f.images.deleted)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteImage_InvalidSlotNeverQueries(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeleteImage(context.Background(), "widgets", 5, "color", ownerID)
	assertStatus(t, err, http.StatusBadRequest)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteImage(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFetch(5, ownerID)
	f.mock.ExpectQuery(`UPDATE "jane_data_widgets" SET "image1" = NULL WHERE "id" = \$1 RETURNING \*`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "image1"}).AddRow(int64(5), nil))

	_, err := f.svc.DeleteImage(context.Background(), "widgets", 5, "image1", ownerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"images/old.png"}, f.images.deleted)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUploadImages(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFetch(5, ownerID)
	f.mock.ExpectQuery(`UPDATE "jane_data_widgets" SET "image1" = \$1, "image3" = \$2 WHERE "id" = \$3 RETURNING \*`).
		WithArgs("images/front.png", "images/back.png", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	files := map[string]*multipart.FileHeader{
		"image3": {Filename: "back.png"},
		"image1": {Filename: "front.png"},
	}
	_, err := f.svc.UploadImages(context.Background(), "widgets", 5, files, ownerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"images/old.png"}, f.images.deleted)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUploadImages_UnknownSlotNeverQueries(t *testing.T) {
	f := newFixture(t)

	files := map[string]*multipart.FileHeader{"qr_code": {Filename: "x.png"}}
	_, err := f.svc.UploadImages(context.Background(), "widgets", 5, files, ownerID)
	assertStatus(t, err, http.StatusBadRequest)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRegenerateQR(t *testing.T) {
	f := newFixture(t)
	f.expectResolve(ownerID, catalog.PermissionOwner, false)
	f.expectFetch(5, ownerID)
	f.mock.ExpectExec(`UPDATE "jane_data_widgets" SET "qr_code" = \$1 WHERE "id" = \$2`).
		WithArgs("qrcodes/widgets_5.png.new", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	path, err := f.svc.RegenerateQR(context.Background(), "widgets", 5, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "qrcodes/widgets_5.png.new", path)
	assert.Equal(t, []string{"qrcodes/widgets_5.png"}, f.qr.deleted)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCountItems(t *testing.T) {
	f := newFixture(t)
	meta := &catalog.TableMeta{
		Table:      catalog.Table{ID: tableID, TableName: "widgets", CreatedBy: ownerID},
		OwnerEmail: "jane@example.com",
		Permission: catalog.PermissionView,
	}
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "jane_data_widgets" WHERE "created_by" = \$1`).
		WithArgs(granteeID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := f.svc.CountItems(context.Background(), meta, granteeID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
