package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"curio-backend/internal/auth"
	"curio-backend/internal/config"
	"curio-backend/internal/logging"
	"curio-backend/internal/server"
	"curio-backend/internal/store"
)

func main() {
	root := &cli.Command{
		Name:  "curio",
		Usage: "Inventory backend with user-defined tables",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, true)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "migrate", Value: true, Usage: "apply catalog migrations before serving"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServer(ctx, c.Bool("migrate"))
		},
	}
}

func migrateCommand() *cli.Command {
	withStore := func(fn func(*store.Store, context.Context) error) cli.ActionFunc {
		return func(ctx context.Context, _ *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := store.New(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(st, ctx)
		}
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the catalog schema",
		Commands: []*cli.Command{
			{Name: "up", Usage: "apply all pending migrations", Action: withStore((*store.Store).Migrate)},
			{Name: "down", Usage: "roll back the latest migration", Action: withStore((*store.Store).MigrateDown)},
			{Name: "status", Usage: "print migration status", Action: withStore((*store.Store).MigrationStatus)},
		},
	}
}

// tokenCommand mints an access token for an existing user. Login lives in a
// separate service; this is for local development and scripts.
func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an access token for a user",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "user-id", Required: true},
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "role", Value: "user"},
			&cli.DurationFlag{Name: "ttl", Value: auth.AccessTokenTTL},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.GenerateAccessToken(auth.UserContext{
				ID:            c.Int64("user-id"),
				Email:         c.String("email"),
				Role:          c.String("role"),
				EmailVerified: true,
			}, cfg.JWTSecret, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func runServer(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("name", cfg.Database.Name))

	if migrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("catalog schema ready")
	}

	app := server.New(cfg, st, logger, prometheus.DefaultRegisterer)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.Info("server listening", zap.String("addr", addr))
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
