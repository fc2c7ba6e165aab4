package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"

	"github.com/saveupapp/saveup/internal/cache"
	"github.com/saveupapp/saveup/internal/config"
	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/email"
	"github.com/saveupapp/saveup/internal/handlers"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/notify"
	"github.com/saveupapp/saveup/internal/pix"
	"github.com/saveupapp/saveup/internal/services"
)

type App struct {
	Config          *config.Config
	Logger          *slog.Logger
	DB              *pgxpool.Pool
	CacheProvider   cache.Provider
	CheckoutService *services.CheckoutService
	Handlers        *handlers.Handlers

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			EnableLogs:  true,
		}); err != nil {
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
	}

	logger := newLogger(cfg)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}

	orderStore := db.NewOrderStore(database)
	productStore := db.NewProductStore(database)
	staffStore := db.NewStaffStore(database)
	customerStore := db.NewCustomerStore(database)
	settlementStore := db.NewSettlementStore(database)

	pixClient := pix.NewClient(cfg.PixBaseURL, cfg.PixAPIKey)

	renderer, err := email.NewRenderer()
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize email templates: %w", err)
	}
	dispatcher := notify.NewDispatcher(
		notify.NewPushProvider(cfg.PushBaseURL, cfg.PushAPIKey),
		email.NewProvider(cfg.ResendAPIKey, cfg.EmailFrom),
		renderer,
		logger.With("component", "notify"),
	)

	checkoutService := services.NewCheckoutService(
		orderStore, productStore, customerStore, pixClient, cacheProvider,
		dispatcher, cfg.PixChargeWindow, logger.With("component", "checkout_service"),
	)
	settlementService := services.NewSettlementService(
		settlementStore, productStore, staffStore,
		logger.With("component", "settlement_service"),
	)
	orderService := services.NewOrderService(
		orderStore, productStore, customerStore, pixClient, settlementService,
		dispatcher, logger.With("component", "order_service"),
	)
	authService := services.NewAuthService(staffStore, cfg.JWTSecret, logger.With("component", "auth_service"))

	h, err := handlers.New(handlers.Dependencies{
		Config:            cfg,
		DB:                database,
		CheckoutService:   checkoutService,
		OrderService:      orderService,
		SettlementService: settlementService,
		AuthService:       authService,
		Logger:            logger,
	})
	if err != nil {
		closeCacheProvider(logger, cacheProvider)
		database.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		DB:              database,
		CacheProvider:   cacheProvider,
		CheckoutService: checkoutService,
		Handlers:        h,
	}, nil
}

// StartExpirySweep runs the background loop that expires awaiting_payment
// orders whose window has passed. A payment approved at the gateway just
// before the sweep still wins.
func (a *App) StartExpirySweep() {
	ctx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})

	go func() {
		defer close(a.sweepDone)

		ticker := time.NewTicker(a.Config.ExpirySweepInterval)
		defer ticker.Stop()

		a.Logger.Info("expiry sweep started", "interval", a.Config.ExpirySweepInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.CheckoutService.ExpireStale(ctx); err != nil {
					a.Logger.Error("expiry sweep failed", "error", err)
				}
			}
		}
	}()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.sweepCancel != nil {
		a.sweepCancel()
		<-a.sweepDone
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Config != nil && a.Config.SentryDSN != "" {
		sentry.Flush(2 * time.Second)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}

	if cfg.SentryDSN != "" {
		sentryHandler := sentryslog.Option{
			EventLevel: []slog.Level{slog.LevelError},
			LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelInfo},
		}.NewSentryHandler(context.Background())
		handler = logging.MultiHandler(handler, sentryHandler)
	}

	return slog.New(handler)
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
