// Command forge runs the tool registry and its MCP gateway, either over
// stdio for subprocess use or over HTTP with a debug API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openmcp/forge/pkg/builtin"
	"github.com/openmcp/forge/pkg/calllog"
	"github.com/openmcp/forge/pkg/execctx"
	"github.com/openmcp/forge/pkg/executor"
	"github.com/openmcp/forge/pkg/gateway"
	"github.com/openmcp/forge/pkg/invoke"
	forgeotel "github.com/openmcp/forge/pkg/otel"
	"github.com/openmcp/forge/pkg/registry"
	"github.com/openmcp/forge/pkg/registry/memstore"
	"github.com/openmcp/forge/pkg/registry/sqlstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var (
		showVersion    bool
		addr           string
		transport      string
		databaseURL    string
		logLevel       string
		execTimeout    time.Duration
		importBuiltins bool
		traceStdout    bool
	)

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&addr, "addr", getEnv("FORGE_ADDR", ":8080"), "http listen address")
	flag.StringVar(&transport, "transport", getEnv("FORGE_TRANSPORT", "http"), "gateway transport: http or stdio")
	flag.StringVar(&databaseURL, "db", os.Getenv("FORGE_DATABASE_URL"), "database url (postgres://... or sqlite:file:...); empty runs in memory")
	flag.StringVar(&logLevel, "log-level", getEnv("FORGE_LOG_LEVEL", "info"), "log level")
	flag.DurationVar(&execTimeout, "exec-timeout", getEnvDuration("FORGE_EXEC_TIMEOUT", execctx.DefaultTimeout), "per-invocation wall clock limit")
	flag.BoolVar(&importBuiltins, "import-builtins", getEnv("FORGE_IMPORT_BUILTINS", "") == "true", "import embedded sample tools on startup")
	flag.BoolVar(&traceStdout, "trace-stdout", false, "export traces to stdout")
	flag.Parse()

	if showVersion {
		fmt.Printf("forge %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	log, err := newLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(addr, transport, databaseURL, execTimeout, importBuiltins, traceStdout, log); err != nil {
		log.Error("forge exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(addr, transport, databaseURL string, execTimeout time.Duration, importBuiltins, traceStdout bool, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := forgeotel.Init(ctx, forgeotel.Config{
		ServiceName:    "forge",
		ServiceVersion: version,
		StoreBackend:   storeBackend(databaseURL),
		UseStdout:      traceStdout && transport != "stdio",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var (
		st   registry.Store
		sink calllog.Sink
	)
	if databaseURL == "" {
		st = memstore.New()
		sink = calllog.NewMemSink()
		log.Info("using in-memory store")
	} else {
		sq, err := sqlstore.Open(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = sq.Close() }()
		if err := sq.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = sq
		sink = sq.Calls()
		log.Info("store ready", zap.String("db", databaseURL))
	}

	reg := registry.NewService(st, log)
	exec := executor.New(log)
	defer func() { _ = exec.Close() }()
	reg.OnPublish(exec.Invalidate)

	calls := calllog.New(sink, log)
	inv := invoke.New(reg, exec, calls, execctx.Limits{Timeout: execTimeout}, log)
	gw := gateway.New(reg, inv, "forge", version, log)
	reg.OnPublish(gw.OnRegistryChange)

	if importBuiltins {
		created, err := builtin.Import(ctx, reg)
		if err != nil {
			return fmt.Errorf("import builtins: %w", err)
		}
		log.Info("builtin bundles imported", zap.Int("count", len(created)))
	}

	switch transport {
	case "stdio":
		return gw.RunStdio(ctx)
	case "http":
		return serveHTTP(ctx, addr, reg, inv, gw, log)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

func serveHTTP(ctx context.Context, addr string, reg *registry.Service, inv *invoke.Invoker, gw *gateway.Gateway, log *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(newMux(reg, inv, gw, log), "forge"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info("http server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if os.Getenv("FORGE_DEV") == "true" {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// storeBackend classifies the configured DSN for the trace resource.
func storeBackend(databaseURL string) string {
	switch {
	case databaseURL == "":
		return "memory"
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return "sqlite"
	default:
		return "postgres"
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
