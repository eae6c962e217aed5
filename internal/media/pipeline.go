// Package media accepts uploaded item images and stores them.
package media

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"curio-backend/internal/apperr"
	"curio-backend/internal/config"
	"curio-backend/internal/storage"
)

const dir = "images"

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

type Pipeline struct {
	storage storage.FileStorage
	maxSize int64
}

func NewPipeline(fs storage.FileStorage, cfg config.StorageConfig) *Pipeline {
	return &Pipeline{storage: fs, maxSize: cfg.MaxFileSize}
}

// Process validates and stores each upload, returning the stored paths in
// input order. Either every file is stored or none is.
func (p *Pipeline) Process(ctx context.Context, files []*multipart.FileHeader) ([]string, error) {
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		path, err := p.store(ctx, fh)
		if err != nil {
			for _, saved := range paths {
				_ = p.storage.Delete(ctx, saved)
			}
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (p *Pipeline) store(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	if p.maxSize > 0 && fh.Size > p.maxSize {
		return "", apperr.PayloadTooLargeError(fmt.Sprintf("File %s too large: %d bytes (max %d)", fh.Filename, fh.Size, p.maxSize))
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer src.Close()

	mt, err := mimetype.DetectReader(src)
	if err != nil {
		return "", fmt.Errorf("detect type of %s: %w", fh.Filename, err)
	}
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		return "", apperr.BadRequestf("File %s is not a supported image (%s)", fh.Filename, mt.String())
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind uploaded file: %w", err)
	}

	path, err := p.storage.Save(ctx, dir, uuid.NewString()+mt.Extension(), src)
	if err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	return path, nil
}

func (p *Pipeline) Delete(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	return p.storage.Delete(ctx, path)
}
