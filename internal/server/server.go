// Package server assembles the HTTP application from its components.
package server

import (
	"context"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"curio-backend/internal/access"
	"curio-backend/internal/auth"
	"curio-backend/internal/config"
	"curio-backend/internal/ddl"
	"curio-backend/internal/engine"
	"curio-backend/internal/media"
	"curio-backend/internal/qrcode"
	"curio-backend/internal/storage"
	"curio-backend/internal/store"
	"curio-backend/internal/tables"
)

// New builds the fiber app. Metrics are registered with reg so several apps
// can coexist in one process.
func New(cfg *config.Config, st *store.Store, logger *zap.Logger, reg prometheus.Registerer) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler(logger),
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(RequestLogger(logger))
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	prom := fiberprometheus.NewWithRegistry(reg, "curio", "http", "", nil)
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	files := storage.NewLocalStorage(cfg.Storage.LocalPath)
	app.Static("/uploads", files.Root(), fiber.Static{ByteRange: true})

	resolver := access.NewResolver(st.DB)
	manager := ddl.NewManager(st, cfg.DDL, logger.Named("ddl"))
	qr := qrcode.New(files, cfg.QRCode, logger.Named("qrcode"))
	images := media.NewPipeline(files, cfg.Storage)
	entities := engine.NewService(st.DB, resolver, qr, images, logger.Named("engine"))

	api := app.Group("/api", auth.AuthMiddleware(cfg.JWTSecret))
	tables.RegisterRoutes(api, tables.NewHandler(st.DB, resolver, manager, entities, files, logger.Named("tables")))
	engine.RegisterRoutes(api, engine.NewHandler(entities))

	return app
}
