// Package qrcode renders item QR codes as PNG files in file storage.
package qrcode

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	goqrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"curio-backend/internal/config"
	"curio-backend/internal/storage"
)

const dir = "qrcodes"

type Generator struct {
	storage storage.FileStorage
	baseURL string
	size    int
	logger  *zap.Logger
}

func New(fs storage.FileStorage, cfg config.QRCodeConfig, logger *zap.Logger) *Generator {
	return &Generator{
		storage: fs,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		size:    cfg.Size,
		logger:  logger,
	}
}

// Content is the URL encoded into the QR code of an item.
func (g *Generator) Content(entityName string, itemID int64) string {
	return fmt.Sprintf("%s/tables/%s/items/%d", g.baseURL, entityName, itemID)
}

// Generate renders the QR code of an item and returns its storage path.
// File names carry a random suffix, so tables of different owners sharing a
// logical name never overwrite each other's codes.
func (g *Generator) Generate(ctx context.Context, entityName string, itemID int64) (string, error) {
	png, err := goqrcode.Encode(g.Content(entityName, itemID), goqrcode.Medium, g.size)
	if err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	filename := fmt.Sprintf("%s_%d_%s.png", entityName, itemID, uuid.NewString()[:8])
	path, err := g.storage.Save(ctx, dir, filename, bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("save qr code: %w", err)
	}
	return path, nil
}

func (g *Generator) Delete(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	return g.storage.Delete(ctx, path)
}

// Regenerate deletes oldPath, if any, and renders a fresh code. Failing to
// delete the old file does not stop the new one from being created.
func (g *Generator) Regenerate(ctx context.Context, entityName string, itemID int64, oldPath string) (string, error) {
	if err := g.Delete(ctx, oldPath); err != nil {
		g.logger.Warn("delete old qr code", zap.String("path", oldPath), zap.Error(err))
	}
	return g.Generate(ctx, entityName, itemID)
}
