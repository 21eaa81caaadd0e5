package nftfid

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftlend/native/nftfi"
	"nftlend/observability"
	"nftlend/observability/logging"
	telemetry "nftlend/observability/otel"
	"nftlend/services/nftfid/config"
	nftfidmw "nftlend/services/nftfid/middleware"
	"nftlend/services/nftfid/oracle"
	"nftlend/services/nftfid/server"
	"nftlend/services/nftfid/settlement"
	"nftlend/storage"
)

// Main runs the lending daemon using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/nftfid/config.yaml", "path to nftfid config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("nftfid", cfg.Environment)

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "nftfid",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open loan store: %w", err)
	}
	defer func() { _ = store.Close() }()

	registry, err := nftfi.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load risk policy: %w", err)
	}
	logger.Info("risk policy loaded", "collections", len(registry.Collections()))

	valuations, err := oracle.New(cfg.Valuation.Endpoint, cfg.Valuation.RequestTimeout)
	if err != nil {
		return fmt.Errorf("build oracle client: %w", err)
	}
	bridge, err := settlement.New(cfg.Settlement.Endpoint, cfg.Settlement.RequestTimeout)
	if err != nil {
		return fmt.Errorf("build settlement client: %w", err)
	}

	ledger := nftfi.NewLedger(store, registry)
	ledger.SetEmitter(func(event *nftfi.Event) {
		observability.Events().RecordLoanEvent(event.Type)
		logger.Info("loan event", "type", event.Type, "loanId", event.Attributes["loanId"])
	})

	svc := nftfi.NewService(ledger, valuations, bridge,
		nftfi.WithLogger(logger),
		nftfi.WithMetrics(observability.Lending()),
		nftfi.WithFreshnessWindow(cfg.Valuation.FreshnessWindow),
	)

	api := server.New(server.Config{
		Service: svc,
		Logger:  logger,
		RateLimit: nftfidmw.RateLimit{
			RequestsPerMinute: cfg.RateLimits.RequestsPerMinute,
			Burst:             cfg.RateLimits.Burst,
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(mux, "nftfid"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("nftfid listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
