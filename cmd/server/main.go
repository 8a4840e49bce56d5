// Command server runs the ticket bot: Telegram and deploy webhooks in,
// GitHub issues and chat notifications out.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avoran/go-ticketbot-backend/internal/config"
	httpapi "github.com/avoran/go-ticketbot-backend/internal/http"
	"github.com/avoran/go-ticketbot-backend/internal/observability"
	"github.com/avoran/go-ticketbot-backend/internal/registry"
	"github.com/avoran/go-ticketbot-backend/internal/repo"
	"github.com/avoran/go-ticketbot-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags.
var version = "dev"

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	// Mapping tables must be coherent before any traffic is accepted.
	snap, err := registry.Load(cfg.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("mapping tables rejected")
	}
	reg := registry.New(snap)
	log.Info().Int("repositories", snap.RepoCount()).Msg("registry loaded")

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	app := httpapi.RegisterRoutes(engine, db, reg, cfg)

	// Background sweeper: lazily-expired Armed sessions and stale history.
	go runSweeper(ctx, app, cfg.SweepInterval)

	// SIGHUP reloads the mapping tables without dropping in-flight sessions.
	go runReloader(ctx, reg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
}

// runReloader swaps in a fresh mapping-table snapshot on SIGHUP. The .env
// file and environment are re-read; a rejected table set logs the error and
// keeps the current snapshot serving.
func runReloader(ctx context.Context, reg *registry.Registry) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			_ = godotenv.Overload()
			cfg, err := config.Load()
			if err != nil {
				log.Error().Err(err).Msg("reload: configuration rejected")
				continue
			}
			snap, err := registry.Load(cfg.Tables)
			if err != nil {
				log.Error().Err(err).Msg("reload: mapping tables rejected, keeping current snapshot")
				continue
			}
			reg.Swap(snap)
			log.Info().Int("repositories", snap.RepoCount()).Msg("registry reloaded")
		}
	}
}

// runSweeper periodically reverts expired Armed sessions, evicts Completed
// history past its retention window, and purges the webhook delivery log.
func runSweeper(ctx context.Context, app *httpapi.App, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := app.Sessions.SweepExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("expiry sweep")
				continue
			}
			if n > 0 {
				log.Debug().Int("reverted", n).Msg("expiry sweep")
			}
			if purged, err := app.PurgeDeliveries(ctx); err != nil {
				log.Warn().Err(err).Msg("delivery purge")
			} else if purged > 0 {
				log.Debug().Int64("purged", purged).Msg("delivery purge")
			}
		}
	}
}
