// Command yapperd runs a standalone broker that logs the events it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/yapper/internal/infra/config"
	"github.com/coachpo/yapper/internal/infra/telemetry"
	"github.com/coachpo/yapper/internal/observability"
	"github.com/coachpo/yapper/pkg/broker"
	"github.com/coachpo/yapper/pkg/events"
)

const (
	daemonLoggerPrefix       = "yapperd "
	defaultPattern           = "*"
	shutdownTimeout          = 30 * time.Second
	brokerShutdownTimeout    = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, pattern, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLogger := observability.NewStdLogger(os.Stdout, daemonLoggerPrefix, debug)
	logger := stdLogger.Std()
	observability.SetLogger(stdLogger)

	appCfg, err := config.LoadOrDefault(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	backend, err := appCfg.Backend()
	if err != nil {
		logger.Fatalf("resolve backend: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, backend=%s, client=%s",
		appCfg.Environment, backend, appCfg.ClientID)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	b, err := broker.Open(ctx, appCfg, broker.WithLogger(stdLogger))
	if err != nil {
		logger.Fatalf("open broker: %v", err)
	}
	if err := b.OnEvent(pattern, logEvent(stdLogger)); err != nil {
		logger.Fatalf("register %q: %v", pattern, err)
	}

	var lifecycle conc.WaitGroup
	runErr := make(chan error, 1)
	lifecycle.Go(func() {
		runErr <- b.Run(ctx)
	})
	logger.Printf("broker running; listening on %q", pattern)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()

	shutdownStep(shutdownCtx, logger, "stopping broker", brokerShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return <-runErr
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for broker: %w", stepCtx.Err())
		}
	})
	if telemetryProvider != nil {
		shutdownStep(shutdownCtx, logger, "flushing telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown)
	}

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, string, bool) {
	cfgPath := flag.String("config", "", "Path to the YAML configuration file (default: environment only)")
	pattern := flag.String("pattern", defaultPattern, "Subscription pattern whose events are logged")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *pattern, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.ConfigFromLookup(os.LookupEnv)
	if appCfg.Telemetry.Enabled {
		telemetryCfg.Enabled = true
	}
	if appCfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || appCfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(appCfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialised: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func logEvent(logger observability.Logger) broker.Handler {
	return func(_ context.Context, evt events.Event) error {
		logger.Info("event received",
			observability.F("event_id", evt.ID),
			observability.F("topic", evt.Topic),
			observability.F("origin", evt.Origin),
			observability.F("created_at", evt.CreatedAt.Format(time.RFC3339Nano)),
			observability.F("payload", evt.Payload))
		return nil
	}
}

func shutdownStep(ctx context.Context, logger *log.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger.Printf("shutdown: %s...", name)
	if err := fn(stepCtx); err != nil {
		logger.Printf("shutdown: %s failed: %v", name, err)
	} else {
		logger.Printf("shutdown: %s completed", name)
	}
}
