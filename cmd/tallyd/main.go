// Command tallyd runs the tally coordination service: the receipt
// ledger, the task and lease engine, and the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tallyhq/tally/pkg/api"
	"github.com/tallyhq/tally/pkg/auth"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/engine"
	"github.com/tallyhq/tally/pkg/ledger"
	"github.com/tallyhq/tally/pkg/observability"
	"github.com/tallyhq/tally/pkg/receipts"
	"github.com/tallyhq/tally/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: tallyd <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve     Run the tally server (default)")
	_, _ = fmt.Fprintln(w, "  migrate   Apply the database schema and exit")
	_, _ = fmt.Fprintln(w, "  health    Check server health over HTTP")
	_, _ = fmt.Fprintln(w, "  help      Show this help")
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

// openStore selects the backend by DSN scheme.
func openStore(dsn string) (store.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.OpenPostgres(dsn)
	}
	return store.OpenSQLite(dsn)
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	log := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.ServiceName = cfg.ServiceName
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "init observability: %v\n", err)
			return 1
		}
		defer func() { _ = obs.Shutdown(context.Background()) }()
	}

	l := ledger.New(st,
		ledger.WithLogger(log),
		ledger.WithValidator(receipts.New()),
		ledger.WithDepthCap(cfg.ChainDepthCap),
		ledger.WithObservability(obs),
	)
	e := engine.New(st, l, engine.Config{
		LeaseTTL:             time.Duration(cfg.LeaseTTLSeconds) * time.Second,
		MaxLeaseLifetime:     time.Duration(cfg.MaxLeaseLifetimeSeconds) * time.Second,
		ReaperInterval:       time.Duration(cfg.ReaperIntervalSeconds) * time.Second,
		DefaultMaxAttempts:   cfg.DefaultMaxAttempts,
		RetryPrincipal:       cfg.RetryPrincipal,
		EmitAcceptedOnSubmit: cfg.EmitAcceptedOnSubmit,
	}, engine.WithLogger(log), engine.WithObservability(obs))

	validator, err := buildValidator(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "auth setup: %v\n", err)
		return 1
	}
	if validator == nil {
		log.Warn("no JWT secret or API keys configured, all requests will be rejected")
	}

	var limiter auth.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = auth.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		limiter = auth.NewInMemoryLimiterStore()
	}
	policy := auth.LimitPolicy{RPM: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst}

	srvOpts := []api.Option{api.WithLogger(log)}
	if obs != nil {
		srvOpts = append(srvOpts, api.WithObservability(obs))
	}
	s := api.NewServer(l, e, st, srvOpts...)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Routes(validator, limiter, policy),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.RunReaper(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reaper stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("tally server starting", "port", cfg.Port, "database", cfg.DatabaseURL)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
		return 1
	}
	log.Info("tally server stopped")
	return 0
}

func buildValidator(cfg *config.Config) (*auth.Validator, error) {
	var keys []auth.APIKey
	if cfg.APIKeysFile != "" {
		entries, err := config.LoadAPIKeys(cfg.APIKeysFile)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			keys = append(keys, auth.APIKey{
				Key:       e.Key,
				TenantID:  e.TenantID,
				Principal: e.Principal,
				Roles:     e.Roles,
			})
		}
	}
	return auth.NewValidator([]byte(cfg.JWTSecret), keys), nil
}

// runMigrate opens the store, which applies the schema, and exits.
func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.Load()

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	_, _ = fmt.Fprintf(stdout, "schema up to date (%s)\n", cfg.DatabaseURL)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		_, _ = fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "server is %s\n", body["status"])
	return 0
}
