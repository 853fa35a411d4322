// Command raid-tender is the main entrypoint for the raid backend.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the ledger reconciliation engine, the Twitch chat command bot,
//     and the OAuth token refresher for the bot's chat token.
//   - Exposes the HTTP API with /raid, /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/raid-tender/chat"
	"github.com/onnwee/raid-tender/config"
	"github.com/onnwee/raid-tender/db"
	"github.com/onnwee/raid-tender/ledger"
	"github.com/onnwee/raid-tender/oauth"
	"github.com/onnwee/raid-tender/raid"
	"github.com/onnwee/raid-tender/ratelimit"
	"github.com/onnwee/raid-tender/security"
	"github.com/onnwee/raid-tender/server"
	"github.com/onnwee/raid-tender/streaming"
	"github.com/onnwee/raid-tender/telemetry"
	"github.com/onnwee/raid-tender/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("raid-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for backward compatibility
	//
	// New deployments use versioned migrations with proper version tracking.
	// Old deployments without schema_migrations table fall back to embedded SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		migrationCtx := context.Background()
		if err := db.Migrate(migrationCtx, database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed successfully (consider migrating to versioned migrations)",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger access: RPC client behind the shared rate-limited accessor.
	if err := cfg.ValidateLedgerReady(); err != nil {
		slog.Error("ledger config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	ledgerClient := ledger.New(cfg.LedgerRPCURL, cfg.LedgerProgramID)
	limiter := ratelimit.New(ratelimit.LoadConfig())

	// Reconciliation engine over durable raid state.
	store := raid.NewStore(database)
	if err := store.Load(ctx); err != nil {
		slog.Error("failed to load raid state", slog.Any("err", err))
		os.Exit(1)
	}
	engine := raid.NewEngine(store, ledgerClient, limiter, raid.Options{
		Interval:   cfg.RaidPollInterval,
		MaxRetries: cfg.RaidMaxRetries,
	})
	if err := engine.Restore(ctx); err != nil {
		slog.Warn("raid view restore failed, starting cold", slog.Any("err", err))
	}
	go engine.Start(ctx)

	// Claim coordination: security gate + ledger submission.
	coord := &raid.Coordinator{
		Engine:     engine,
		Store:      store,
		Gate:       security.NewFromEnv(cfg.SecurityGateURL),
		Submitter:  ledgerClient,
		Limiter:    limiter,
		MaxRetries: cfg.RaidMaxRetries,
	}

	// Spotify track lookups are optional; the bot degrades to bare raid ids.
	var tracks chat.TrackLookup
	if cfg.SpotifyEnabled() {
		sc := streaming.New(ctx, cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyAPIURL, cfg.SpotifyTokenURL)
		sc.Limiter = limiter
		sc.MaxRetries = cfg.RaidMaxRetries
		tracks = sc
		slog.Info("spotify track lookups enabled")
	}

	// Chat bot (requires channel + bot credentials).
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("chat bot disabled", slog.Any("reason", err))
	} else {
		bot := &chat.Bot{
			Channel:     cfg.TwitchChannel,
			Username:    cfg.TwitchBotUsername,
			OAuthToken:  cfg.TwitchOAuthToken,
			Engine:      engine,
			Coordinator: coord,
			Tracks:      tracks,
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("chat bot exited with error", slog.Any("err", err))
			}
		}()
	}

	// Keep the bot's user token fresh when a refresh token is stored.
	refresher := &twitchapi.Refresher{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, refresher.Refresh)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (raid API, health/status, metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, engine, coord, store, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
