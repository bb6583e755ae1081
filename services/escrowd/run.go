package escrowd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"btcescrow/gateway/auth"
	"btcescrow/gateway/middleware"
	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
	"btcescrow/native/payout"
	"btcescrow/native/settlement"
	"btcescrow/observability"
	"btcescrow/observability/otel"
	"btcescrow/services/btcpay"
	"btcescrow/services/dispatch"
	"btcescrow/services/simrail"
	"btcescrow/services/webhook"
	"btcescrow/storage"
	"btcescrow/storage/dedupdb"
	"btcescrow/storage/idempotency"
	"btcescrow/storage/ledgerdb"
)

const (
	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = 10 * time.Minute
)

// Run starts escrowd and blocks until ctx is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", slog.Any("error", err))
			}
		}
	}()

	ledgerStore, err := ledgerdb.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	closers = append(closers, ledgerStore)
	idem, err := idempotency.Open(cfg.Database.IdempotencyPath, idempotency.WithTTL(cfg.Database.IdempotencyTTL.Duration))
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	closers = append(closers, idem)
	dedup, err := dedupdb.Open(cfg.Database.DedupPath)
	if err != nil {
		return err
	}
	closers = append(closers, dedup)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewEscrowMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	rail, err := newRailBackend(cfg, logger)
	if err != nil {
		return err
	}
	directory, err := newPayeeDirectory(cfg, rail.simulated != nil)
	if err != nil {
		return err
	}
	feeDestination := cfg.Payout.FeeDestination
	if feeDestination == "" && rail.simulated != nil {
		if feeDestination, err = simrail.Address("platform-fee"); err != nil {
			return err
		}
	}
	payoutMethod, err := invoice.ParseMethod(cfg.Payout.Method)
	if err != nil {
		return err
	}

	lightning, err := settlement.NewLightning(rail.backend, settlement.LightningConfig{
		Expiry: cfg.Escrow.LightningExpiry.Duration,
		Grace:  cfg.Escrow.GraceWindow.Duration,
		Dedup:  dedup,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	onchain, err := settlement.NewOnchain(rail.backend, settlement.OnchainConfig{
		Confirmations: cfg.Escrow.Confirmations,
		Dedup:         dedup,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	splitter, err := payout.NewSplitter(payout.Config{
		FeeBps:         *cfg.Payout.FeeBps,
		FeeDestination: feeDestination,
		Method:         payoutMethod,
	}, ledgerStore, rail.transfers, directory, payout.WithLogger(logger), payout.WithMetrics(metrics))
	if err != nil {
		return err
	}

	queue := webhook.NewQueue(webhook.WithCapacity(cfg.Webhook.QueueCapacity), webhook.WithTTL(cfg.Webhook.QueueTTL.Duration))
	sinks := []dispatch.Sink{dispatch.NewWebhookSink(queue)}
	if cfg.Events.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Events.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, client)
		sinks = append(sinks, dispatch.NewRedisSink(client, cfg.Events.RedisPrefix))
	}
	dispatcher, err := dispatch.NewDispatcher(ctx, ledgerStore,
		dispatch.WithLogger(logger),
		dispatch.WithBuffer(cfg.Events.Buffer),
		dispatch.WithSinks(sinks...))
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	worker := webhook.NewWorker(webhook.Config{
		Secret:      cfg.Webhook.Secret,
		MaxAttempts: cfg.Webhook.MaxAttempts,
		RateLimit:   cfg.Webhook.RatePerMinute,
		Timeout:     cfg.Webhook.Timeout.Duration,
	}, queue, webhook.WithRecorder(idem), webhook.WithLogger(logger))
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go worker.Run(workerCtx)

	engine, err := escrow.NewEngine(invoice.NewLedger(ledgerStore), map[invoice.Method]settlement.Rail{
		invoice.MethodLightning: lightning,
		invoice.MethodOnchain:   onchain,
	}, splitter, dispatcher.Publisher(),
		escrow.WithPolicy(cfg.Policy()),
		escrow.WithLogger(logger),
		escrow.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("resume watches: %w", err)
	}
	defer engine.Close()

	tokens, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}
	var callbacks *auth.Authenticator
	if len(cfg.Callbacks.Secrets) > 0 {
		nonceDB, err := storage.NewLevelDB(cfg.Database.NoncePath)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		closers = append(closers, nonceDB)
		callbacks, err = auth.NewAuthenticator(cfg.Callbacks.Secrets,
			auth.WithSkew(cfg.Callbacks.Skew.Duration),
			auth.WithNonceTTL(cfg.Callbacks.NonceTTL.Duration),
			auth.WithNonceStore(auth.NewKVNonces(nonceDB)))
		if err != nil {
			return err
		}
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for route, l := range cfg.RateLimits {
		limits[route] = middleware.RateLimit{RequestsPerMinute: l.RequestsPerMinute, Burst: l.Burst}
	}
	limiter := middleware.NewRateLimiter(limits, logger)
	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "escrowd",
		LogRequests: cfg.Logging.Requests,
	}, registry, logger)
	if err != nil {
		return err
	}
	reporter, err := NewReporter(ledgerStore, cfg.Reports.Dir, WithReportLogger(logger))
	if err != nil {
		return err
	}
	if cfg.Reports.Enabled {
		go reporter.Schedule(ctx, cfg.Reports.HourUTC)
	}

	opts := Options{
		Engine:         engine,
		Dispatcher:     dispatcher,
		Idempotency:    idem,
		Reporter:       reporter,
		Tokens:         tokens,
		Callbacks:      callbacks,
		Limiter:        limiter,
		Observability:  obs,
		Gatherer:       registry,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	}
	if rail.simulated != nil {
		opts.Simulator = rail.simulated
	}
	server, err := NewServer(opts)
	if err != nil {
		return err
	}
	go maintain(ctx, logger, idem, dedup, limiter, cfg.Database.DedupRetention.Duration)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("addr", cfg.Listen),
			slog.String("rail_backend", cfg.Rail.Backend),
			slog.Bool("callbacks", callbacks != nil))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

type railBackend struct {
	backend   settlement.Backend
	transfers payout.Transferer
	simulated *simrail.Backend
}

func newRailBackend(cfg Config, logger *slog.Logger) (railBackend, error) {
	switch cfg.Rail.Backend {
	case BackendBTCPay:
		client, err := btcpay.New(btcpay.Config{
			BaseURL: cfg.Rail.BTCPay.URL,
			StoreID: cfg.Rail.BTCPay.StoreID,
			APIKey:  cfg.Rail.BTCPay.APIKey,
			Timeout: cfg.Rail.BTCPay.Timeout.Duration,
		}, btcpay.WithLogger(logger))
		if err != nil {
			return railBackend{}, err
		}
		return railBackend{backend: client, transfers: client}, nil
	case BackendSimulated:
		sim := simrail.New()
		logger.Warn("using the simulated rail backend; no real funds move")
		return railBackend{backend: sim, transfers: sim, simulated: sim}, nil
	default:
		return railBackend{}, fmt.Errorf("unsupported rail backend %q", cfg.Rail.Backend)
	}
}

// derivedDirectory pays users without a configured address to a regtest
// address derived from their id. It is only used with the simulated rail.
type derivedDirectory struct {
	static *payout.StaticDirectory
}

func (d derivedDirectory) Destination(ctx context.Context, userID string) (string, error) {
	addr, err := d.static.Destination(ctx, userID)
	if errors.Is(err, invoice.ErrNotFound) {
		return simrail.Address("payee:" + userID)
	}
	return addr, err
}

func newPayeeDirectory(cfg Config, simulated bool) (payout.Directory, error) {
	static, err := payout.NewStaticDirectory(cfg.Payout.Payees, cfg.Payout.DefaultPayee)
	if err != nil {
		return nil, err
	}
	if simulated {
		return derivedDirectory{static: static}, nil
	}
	return static, nil
}

// maintain prunes expired idempotency keys, old dedup keys and idle rate
// limiter entries.
func maintain(ctx context.Context, logger *slog.Logger, idem *idempotency.Store, dedup *dedupdb.Store, limiter *middleware.RateLimiter, retention time.Duration) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := idem.Prune(ctx); err != nil {
				logger.Warn("prune idempotency keys failed", slog.Any("error", err))
			} else if n > 0 {
				logger.Debug("pruned idempotency keys", slog.Int64("count", n))
			}
			if n, err := dedup.Prune(now.Add(-retention)); err != nil {
				logger.Warn("prune dedup keys failed", slog.Any("error", err))
			} else if n > 0 {
				logger.Debug("pruned dedup keys", slog.Int("count", n))
			}
			limiter.Sweep()
		}
	}
}
