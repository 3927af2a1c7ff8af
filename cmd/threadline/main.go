// Command threadline follows a board or thread live from the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/threadline/internal/client"
	"github.com/coachpo/threadline/internal/compose"
	"github.com/coachpo/threadline/internal/infra/config"
	"github.com/coachpo/threadline/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/threadline.yaml"
	configEnvVar             = "THREADLINE_CONFIG"
	loggerPrefix             = "threadline "
	meterName                = "github.com/coachpo/threadline"
	shutdownTimeout          = 15 * time.Second
	sessionShutdownTimeout   = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	config string
	board  string
	thread uint64
}

func main() {
	opts := parseFlags()
	logger := newLogger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Printf("load .env: %v", err)
	}

	ctx, cancel := newSignalContext()
	defer cancel()

	cfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.config))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if opts.board != "" {
		cfg.View.Board = strings.TrimSpace(opts.board)
	}
	if opts.thread != 0 {
		cfg.View.Thread = opts.thread
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, server=%s, view=/%s/%d",
		cfg.Environment, cfg.Server.WebsocketURL, cfg.View.Board, cfg.View.Thread)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	metrics := telemetry.NewMetrics(telemetryProvider.Meter(meterName))

	session, err := client.New(client.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		logger.Fatalf("initialise session: %v", err)
	}
	session.Composer.Observe(func(_, _ compose.State, event compose.Event) {
		if event == compose.EventSync {
			logger.Printf("view synchronised: posts=%d", session.Posts.Len())
		}
	})

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := session.Start(); err != nil {
			logger.Printf("start session: %v", err)
			cancel()
		}
	})

	logger.Print("threadline started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		session:   session,
		lifecycle: &lifecycle,
		telemetry: telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	var out flags
	flag.StringVar(&out.config, "config", "", fmt.Sprintf("Path to configuration file (default: $%s or %s)", configEnvVar, defaultConfigPath))
	flag.StringVar(&out.board, "board", "", "Board to display (overrides view.board)")
	flag.Uint64Var(&out.thread, "thread", 0, "Thread to display; 0 shows the board index")
	flag.Parse()
	return out
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(configEnvVar)); env != "" {
		return env
	}
	return defaultConfigPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.ClientConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type gracefulShutdownConfig struct {
	session   *client.Session
	lifecycle *conc.WaitGroup
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.session != nil {
		shutdownStep("closing session", sessionShutdownTimeout, cfg.session.Close)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
