// Package httpapi wires the HTTP transport (Gin) to the session and
// correlator services, the webhook handlers, and the cross-cutting
// middleware: tracing, correlation IDs, logging with secret redaction,
// panic recovery, metrics, rate limiting, CORS, and security headers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/avoran/go-ticketbot-backend/internal/config"
	"github.com/avoran/go-ticketbot-backend/internal/domain"
	"github.com/avoran/go-ticketbot-backend/internal/github"
	"github.com/avoran/go-ticketbot-backend/internal/http/handlers"
	"github.com/avoran/go-ticketbot-backend/internal/http/middleware"
	"github.com/avoran/go-ticketbot-backend/internal/registry"
	"github.com/avoran/go-ticketbot-backend/internal/repo"
	"github.com/avoran/go-ticketbot-backend/internal/services"
	"github.com/avoran/go-ticketbot-backend/internal/telegram"
	"github.com/avoran/go-ticketbot-backend/internal/transcribe"
)

// sessionRepoShim adapts the repository free functions to the
// services.SessionRepo interface expected by the SessionService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type sessionRepoShim struct{}

// GetSession proxies repo.GetSession.
func (sessionRepoShim) GetSession(ctx context.Context, db *gorm.DB, chatID, userID int64) (*domain.TicketSession, error) {
	return repo.GetSession(ctx, db, chatID, userID)
}

// SaveSession proxies repo.SaveSession.
func (sessionRepoShim) SaveSession(ctx context.Context, db *gorm.DB, s *domain.TicketSession) error {
	return repo.SaveSession(ctx, db, s)
}

// GetSelection proxies repo.GetSelection.
func (sessionRepoShim) GetSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) (string, error) {
	return repo.GetSelection(ctx, db, chatID, userID)
}

// PutSelection proxies repo.PutSelection.
func (sessionRepoShim) PutSelection(ctx context.Context, db *gorm.DB, chatID, userID int64, short string) error {
	return repo.PutSelection(ctx, db, chatID, userID, short)
}

// DeleteSelection proxies repo.DeleteSelection.
func (sessionRepoShim) DeleteSelection(ctx context.Context, db *gorm.DB, chatID, userID int64) error {
	return repo.DeleteSelection(ctx, db, chatID, userID)
}

// ListArmedExpired proxies repo.ListArmedExpired (expiry sweep support).
func (sessionRepoShim) ListArmedExpired(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.TicketSession, error) {
	return repo.ListArmedExpired(ctx, db, now)
}

// DeleteCompletedBefore proxies repo.DeleteCompletedBefore (history eviction).
func (sessionRepoShim) DeleteCompletedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.DeleteCompletedBefore(ctx, db, cutoff)
}

// correlatorRepoShim adapts the repository free functions to the
// services.CorrelatorRepo interface expected by the CorrelatorService.
type correlatorRepoShim struct{}

// GetSession proxies repo.GetSession.
func (correlatorRepoShim) GetSession(ctx context.Context, db *gorm.DB, chatID, userID int64) (*domain.TicketSession, error) {
	return repo.GetSession(ctx, db, chatID, userID)
}

// SaveSession proxies repo.SaveSession.
func (correlatorRepoShim) SaveSession(ctx context.Context, db *gorm.DB, s *domain.TicketSession) error {
	return repo.SaveSession(ctx, db, s)
}

// ListPendingByRepoBranch proxies repo.ListPendingByRepoBranch.
func (correlatorRepoShim) ListPendingByRepoBranch(ctx context.Context, db *gorm.DB, ownerRepo, branch string) ([]domain.TicketSession, error) {
	return repo.ListPendingByRepoBranch(ctx, db, ownerRepo, branch)
}

// ListCompletedByRepoBranch proxies repo.ListCompletedByRepoBranch.
func (correlatorRepoShim) ListCompletedByRepoBranch(ctx context.Context, db *gorm.DB, ownerRepo, branch string) ([]domain.TicketSession, error) {
	return repo.ListCompletedByRepoBranch(ctx, db, ownerRepo, branch)
}

// deliveryStoreShim adapts the delivery-log free functions to the
// handlers.DeliveryStore interface, binding the configured TTL.
type deliveryStoreShim struct {
	db  *gorm.DB
	ttl time.Duration
}

// Seen proxies repo.SeenDelivery at the current time.
func (d deliveryStoreShim) Seen(ctx context.Context, scope, id string) (bool, error) {
	return repo.SeenDelivery(ctx, d.db, scope, id, time.Now().UTC())
}

// Record proxies repo.RecordDelivery with the configured TTL.
func (d deliveryStoreShim) Record(ctx context.Context, scope, id string) error {
	return repo.RecordDelivery(ctx, d.db, scope, id, d.ttl)
}

// sessionListerShim adapts the listing free functions for the admin handler.
type sessionListerShim struct {
	db *gorm.DB
}

// CountSessions proxies repo.CountSessions.
func (s sessionListerShim) CountSessions(ctx context.Context) (int64, error) {
	return repo.CountSessions(ctx, s.db)
}

// ListSessionsPage proxies repo.ListSessionsPage.
func (s sessionListerShim) ListSessionsPage(ctx context.Context, offset, limit int) ([]domain.TicketSession, error) {
	return repo.ListSessionsPage(ctx, s.db, offset, limit)
}

// App bundles the long-lived collaborators the router builds, so main can
// reach the session service for the background sweeper.
type App struct {
	Sessions   *services.SessionService
	Correlator *services.CorrelatorService

	db *gorm.DB
}

// PurgeDeliveries evicts delivery-log rows past their TTL. Called from the
// background sweeper alongside session expiry.
func (a *App) PurgeDeliveries(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredDeliveries(ctx, a.db, time.Now().UTC())
}

// RegisterRoutes attaches all middleware and endpoints to the given Gin
// engine and wires the service graph. It returns the wired App for callers
// that need the services outside the request path (the expiry sweeper).
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured request logs with secret redaction
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per IP)
//  8. gzip, CORS, and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, reg *registry.Registry, cfg config.Config) *App {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging; webhook secrets and tokens are masked
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB; audio is fetched out-of-band from
	// Telegram, never posted to us)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	r.Use(rl.Handler())

	// 8) Compression, CORS posture, and security headers
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/registry/collaborators
	locks := services.NewKeyedLocks()
	tgClient := telegram.New(cfg.Telegram.BotToken, cfg.Telegram.APIBase)
	ghClient := github.New(cfg.GitHub.Token, cfg.GitHub.APIBase, cfg.GitHub.ExtraLabels)

	sessionSvc := &services.SessionService{
		DB:                  db,
		Repo:                sessionRepoShim{},
		Registry:            reg,
		Tickets:             ghClient,
		Locks:               locks,
		ArmTTL:              cfg.ArmTTL,
		HistoryTTL:          cfg.HistoryTTL,
		ConfirmBeforeCreate: cfg.ConfirmBeforeCreate,
	}
	correlatorSvc := &services.CorrelatorService{
		DB:       db,
		Repo:     correlatorRepoShim{},
		Registry: reg,
		Locks:    locks,
	}

	deliveries := deliveryStoreShim{db: db, ttl: cfg.IdempotencyTTL}

	tg := &handlers.TelegramHandler{
		Sessions:             sessionSvc,
		Chat:                 tgClient,
		Transcriber:          transcribe.NewOpenAI(cfg.Transcribe.APIKey, cfg.Transcribe.APIBase, cfg.Transcribe.Model),
		Deliveries:           deliveries,
		WebhookSecret:        cfg.Telegram.WebhookSecret,
		RequireTicketCommand: cfg.RequireTicketCommand,
		ConfirmBeforeCreate:  cfg.ConfirmBeforeCreate,
	}
	dep := &handlers.DeployHandler{
		Correlator: correlatorSvc,
		Notifier:   &telegram.Notifier{Client: tgClient},
		Deliveries: deliveries,
		Secret:     cfg.DeployWebhookSecret,
	}
	sessions := &handlers.SessionsHandler{Store: sessionListerShim{db: db}}

	// Inbound webhooks
	r.POST("/webhooks/telegram", tg.Webhook)
	r.POST("/webhooks/deploy", dep.Webhook)

	// Operator API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/sessions", sessions.List)
	}

	return &App{Sessions: sessionSvc, Correlator: correlatorSvc, db: db}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap will cause downstream
// body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
