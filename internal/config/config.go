// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, the database path, the multi-tenant mapping tables, collaborator
// credentials, intake behavior, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avoran/go-ticketbot-backend/internal/registry"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// TelegramConfig defines the chat-transport collaborator settings.
type TelegramConfig struct {
	BotToken      string // TELEGRAM_BOT_TOKEN (required)
	WebhookSecret string // TELEGRAM_WEBHOOK_SECRET (X-Telegram-Bot-Api-Secret-Token)
	APIBase       string // TELEGRAM_API_BASE override, empty for the public API
}

// GitHubConfig defines the ticket-creation collaborator settings.
type GitHubConfig struct {
	Token       string   // GITHUB_TOKEN
	APIBase     string   // GITHUB_API_BASE override
	ExtraLabels []string // GITHUB_LABELS, applied to every issue
}

// TranscribeConfig defines the voice-transcription collaborator settings.
type TranscribeConfig struct {
	APIKey  string // OPENAI_API_KEY
	APIBase string // OPENAI_API_BASE override
	Model   string // TRANSCRIBE_MODEL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for the admin API routes

	// App
	DBPath string // SQLite path

	// Mapping tables (validated by registry.Load at startup and reload)
	Tables registry.Tables

	// Intake behavior
	ArmTTL               time.Duration // ARM_TTL_SECONDS, Armed window
	HistoryTTL           time.Duration // Completed-session retention
	SweepInterval        time.Duration // background expiry sweep period
	RequireTicketCommand bool          // in groups, only react to /ticket
	ConfirmBeforeCreate  bool          // hold content as a draft until confirmed

	// Collaborators
	Telegram   TelegramConfig
	GitHub     GitHubConfig
	Transcribe TranscribeConfig

	// Deploy webhook
	DeployWebhookSecret string // HMAC-SHA256 secret; empty disables the check

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a delivery id is remembered

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result. Table contents are validated
// separately by registry.Load so that reloads share the same code path.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "ticketbot.db"),

		// Mapping tables
		Tables: registry.Tables{
			Repositories: getenv("REPO_TABLE", ""),
			Developers:   getenv("DEVELOPER_TABLE", ""),
			Sites:        getenv("SITE_TABLE", ""),
			Chats:        getenv("CHAT_TABLE", ""),
		},

		// Intake behavior
		ArmTTL:               time.Duration(getint("ARM_TTL_SECONDS", 120)) * time.Second,
		HistoryTTL:           getdur("HISTORY_TTL", 24*time.Hour),
		SweepInterval:        getdur("SWEEP_INTERVAL", 30*time.Second),
		RequireTicketCommand: getbool("REQUIRE_TICKET_COMMAND", true),
		ConfirmBeforeCreate:  getbool("CONFIRM_BEFORE_CREATE", false),

		// Collaborators
		Telegram: TelegramConfig{
			BotToken:      getenv("TELEGRAM_BOT_TOKEN", ""),
			WebhookSecret: getenv("TELEGRAM_WEBHOOK_SECRET", ""),
			APIBase:       getenv("TELEGRAM_API_BASE", ""),
		},
		GitHub: GitHubConfig{
			Token:       getenv("GITHUB_TOKEN", ""),
			APIBase:     getenv("GITHUB_API_BASE", ""),
			ExtraLabels: splitCSV(getenv("GITHUB_LABELS", "")),
		},
		Transcribe: TranscribeConfig{
			APIKey:  getenv("OPENAI_API_KEY", ""),
			APIBase: getenv("OPENAI_API_BASE", ""),
			Model:   getenv("TRANSCRIBE_MODEL", ""),
		},

		// Deploy webhook
		DeployWebhookSecret: getenv("DEPLOY_WEBHOOK_SECRET", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-ticketbot-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return cfg, errors.New("TELEGRAM_BOT_TOKEN must not be empty")
	}
	if cfg.ArmTTL <= 0 {
		return cfg, errors.New("ARM_TTL_SECONDS must be > 0")
	}
	if cfg.HistoryTTL <= 0 {
		return cfg, errors.New("HISTORY_TTL must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return cfg, errors.New("SWEEP_INTERVAL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
