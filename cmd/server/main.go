// Command server is the vaultchat API process: it wires every
// business-logic package into one chi.Router serving the REST and
// WebSocket surfaces, starts the metrics and operator-admin listeners
// alongside it, and runs until an interrupt signal arrives. Its wiring
// order follows walletserver/main.go's config -> services -> controller ->
// listen shape, generalized from one service to the full dependency graph
// a single send touches.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"vaultchat/internal/adminapi"
	"vaultchat/internal/billing"
	"vaultchat/internal/broadcast"
	"vaultchat/internal/epoch"
	"vaultchat/internal/httpapi"
	"vaultchat/internal/llm"
	"vaultchat/internal/membership"
	"vaultchat/internal/message"
	"vaultchat/internal/metrics"
	"vaultchat/internal/money"
	"vaultchat/internal/payments"
	"vaultchat/internal/ports"
	"vaultchat/internal/ratelimit"
	"vaultchat/internal/store/pebblestore"
	"vaultchat/internal/store/rediscache"
	"vaultchat/internal/streampipeline"
	"vaultchat/internal/wallet"
	"vaultchat/internal/wsapi"
	"vaultchat/pkg/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zapLogger, err := newZapLogger(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(zapLogger)

	logger := newAccessLogger(cfg.Logging.Level)

	zapLogger.Info("starting vaultchat server", zap.String("listen_addr", cfg.Server.ListenAddr))

	store, err := pebblestore.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// billing.ReservationTTL, not cfg.Billing.ReservationTTLSeconds, is what
	// Reserver actually passes to Reserve; the ceiling below is the one
	// reservation tunable Reserver's store-level config carries.
	reservations := rediscache.New(redisClient, cfg.Billing.ReservationCeilingCents)

	webhookDedup := rediscache.NewWebhookDedup(redisClient, 24*time.Hour)

	var limiter ports.RateLimiter
	if cfg.RateLimit.Distributed {
		window := time.Duration(float64(cfg.RateLimit.GuestBurst)/cfg.RateLimit.GuestRequestsPerMinute*60) * time.Second
		limiter = rediscache.NewLimiter(redisClient, cfg.RateLimit.GuestBurst, window)
	} else {
		limiter = ratelimit.New(cfg.RateLimit.GuestRequestsPerMinute/60, cfg.RateLimit.GuestBurst, 10*time.Minute)
	}

	clk := clock.New()

	pricing, err := billing.LoadPricingTable(cfg.Billing.PricingTablePath)
	if err != nil {
		return fmt.Errorf("load pricing table: %w", err)
	}

	calculator := billing.NewCalculator(cfg.Billing.ProviderFeePercent, cfg.Billing.MinimumOutputTokens)
	reserver := billing.NewReserver(reservations)

	walletSvc := wallet.NewService(store, store, clk, money.FromCents(cfg.Billing.FreeAllowanceCents), money.FromCents(cfg.Billing.MaxAllowedNegativeBalanceCents))
	membershipSvc := membership.NewService(store, clk)
	rotations := epoch.NewManager(store, store, store, clk)
	messages := message.NewStore(store, clk)
	hub := broadcast.NewHub()

	paymentsClient := payments.NewClient(cfg.Payments.ProviderBaseURL, cfg.Payments.WebhookSigningSecret, time.Duration(cfg.Payments.TimeoutSeconds)*time.Second)
	paymentsSvc := payments.NewService(paymentsClient, webhookDedup, walletSvc)

	streamer, closeStreamer, err := newStreamer(cfg)
	if err != nil {
		return fmt.Errorf("build llm streamer: %w", err)
	}
	if closeStreamer != nil {
		defer closeStreamer() //nolint:errcheck
	}

	pipeline := streampipeline.New(
		store, rotations, store, store,
		walletSvc, calculator, reserver, messages, hub, streamer,
		streampipeline.Config{
			Pricing:                   pricing,
			DevMode:                   cfg.LLM.DevMode,
			MaxOutputTokens:           cfg.Billing.MaxOutputTokens,
			MaxAllowedNegativeBalance: money.FromCents(cfg.Billing.MaxAllowedNegativeBalanceCents),
			StreamBatchInterval:       100 * time.Millisecond,
		},
	)

	rec := metrics.New()

	apiServer := httpapi.New(pipeline, rotations, membershipSvc, store, messages, hub, paymentsSvc, limiter, rec, logger)
	wsServer := wsapi.New(hub, store, membershipSvc, logger, nil)

	router := chi.NewRouter()
	router.Mount("/", apiServer.Router())
	router.Get("/ws/{conversationId}", wsServer.Handle)

	mainSrv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: router}
	metricsSrv := rec.Server(cfg.Metrics.ListenAddr)
	adminSrv := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: adminRouter(store)}

	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	sampler := hubSampler{hub: hub, limiter: limiter}
	go rec.RunCollector(collectorCtx, sampler, 15*time.Second)

	if ipLimiter, ok := limiter.(*ratelimit.IPLimiter); ok {
		go sweepLoop(collectorCtx, ipLimiter, time.Minute)
	}

	errCh := make(chan error, 3)
	go serveOrReport(mainSrv, "api", errCh)
	go serveOrReport(metricsSrv, "metrics", errCh)
	go serveOrReport(adminSrv, "admin", errCh)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		zapLogger.Info("shutdown signal received")
	case err := <-errCh:
		zapLogger.Error("server exited unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := mainSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := metrics.Shutdown(shutdownCtx, metricsSrv); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

// newStreamer selects internal/llm's mock or gRPC-backed streamer per
// cfg.LLM.DevMode, the same dev/prod fork streampipeline.Config.DevMode
// uses for cost calculation. The returned close func is nil for the mock
// streamer, which holds no connection to release.
func newStreamer(cfg *config.Config) (ports.LLMStreamer, func() error, error) {
	if cfg.LLM.DevMode {
		return llm.NewMockStreamer("dev: "), nil, nil
	}

	streamer, err := llm.DialGRPCStreamer(cfg.LLM.ProviderBaseURL, func(conn *grpc.ClientConn) llm.StubClient {
		return llm.NewRemoteStubClient(conn, cfg.LLM.APIKey)
	}, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return streamer, streamer.Close, nil
}

// adminRouter mounts internal/adminapi's operator surface on its own
// gorilla/mux router, talking directly to store the same way cmd/admin
// does, so the HTTP and CLI operator surfaces share one Service
// construction pattern against the embedded store.
func adminRouter(store *pebblestore.Store) *mux.Router {
	svc := adminapi.NewService(store, store, store, clock.New())
	r := mux.NewRouter()
	adminapi.Register(r, adminapi.NewController(svc))
	return r
}

func serveOrReport(srv *http.Server, name string, errCh chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

func sweepLoop(ctx context.Context, limiter *ratelimit.IPLimiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}

// hubSampler adapts *broadcast.Hub and ports.RateLimiter's concrete
// implementations to metrics.Sampler without metrics depending on either
// package directly.
type hubSampler struct {
	hub     *broadcast.Hub
	limiter ports.RateLimiter
}

func (s hubSampler) ActiveConnections() int {
	return s.hub.ActiveConnections()
}

func (s hubSampler) RateLimiterKeys() int {
	if l, ok := s.limiter.(*ratelimit.IPLimiter); ok {
		return l.Len()
	}
	return 0
}

func newZapLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

func newAccessLogger(level string) *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}
