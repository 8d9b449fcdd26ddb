package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rickicode/MikrotikBilling-sub004/internal/config"
	"github.com/rickicode/MikrotikBilling-sub004/internal/handlers"
	"github.com/rickicode/MikrotikBilling-sub004/internal/metrics"
	"github.com/rickicode/MikrotikBilling-sub004/internal/repositories"
	"github.com/rickicode/MikrotikBilling-sub004/internal/services"
	"github.com/rickicode/MikrotikBilling-sub004/utils"
)

const memoryMarkerSize = 10000

type application struct {
	cfg      config.Config
	errorLog *log.Logger
	infoLog  *log.Logger
	logger   *slog.Logger

	store    *repositories.Store
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tokens   *utils.Manager

	paymentService   *services.PaymentService
	carryOverService *services.CarryOverService
	outboxService    *services.OutboxService
	checkService     *services.PaymentCheckService

	settlementHandler *handlers.SettlementHandler
	carryOverHandler  *handlers.CarryOverHandler
	callbackHandler   *handlers.CallbackHandler
}

func initializeApp(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger, errorLog, infoLog *log.Logger) (*application, error) {
	dialect, err := repositories.DialectForDriver(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	store := repositories.NewStore(db, dialect)
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		infoLog.Println("Schema is up to date")
	}

	tokens, err := utils.NewManager(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt manager: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	app := &application{
		cfg:      cfg,
		errorLog: errorLog,
		infoLog:  infoLog,
		logger:   logger,
		store:    store,
		registry: registry,
		metrics:  m,
		tokens:   tokens,
	}

	var marker services.ProcessingMarker
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			errorLog.Printf("redis ping failed, processing markers fall back to the ledger: %v", err)
		}
		marker = services.NewRedisMarker(app.redis, "settle:", cfg.MarkerTTL(), logger)
	} else {
		marker = services.NewMemoryMarker(memoryMarkerSize, cfg.MarkerTTL())
	}

	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		return nil, err
	}

	app.carryOverService = services.NewCarryOverService(store, cfg.Settlement.CarryOverValidityDays, logger, m)
	app.paymentService = services.NewPaymentService(store, app.carryOverService, gateways, marker, services.PaymentConfig{
		TokenTTL:        cfg.TokenTTL(),
		GatewayTimeout:  cfg.GatewayTimeout(),
		CheckDelay:      cfg.CheckDelay(),
		DefaultCurrency: cfg.Settlement.DefaultCurrency,
		InvoiceDueDays:  cfg.Settlement.InvoiceDueDays,
	}, logger, m)

	notifier := &services.WebhookNotifier{
		URL:    cfg.Notifier.WebhookURL,
		Secret: cfg.Notifier.Secret,
		Logger: logger,
	}
	extender := repositories.NewSubscriptionRepository(store)
	app.outboxService = services.NewOutboxService(store, notifier, extender, services.OutboxConfig{
		BaseBackoff: time.Duration(cfg.Outbox.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Outbox.MaxBackoffSeconds) * time.Second,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, logger, m)
	app.checkService = services.NewPaymentCheckService(store, app.paymentService, services.PaymentCheckConfig{
		InitialDelay: cfg.CheckDelay(),
		MaxAttempts:  cfg.Checks.MaxAttempts,
	}, logger, m)

	app.settlementHandler = handlers.NewSettlementHandler(app.paymentService, logger)
	app.carryOverHandler = handlers.NewCarryOverHandler(app.carryOverService, logger)
	app.callbackHandler = handlers.NewCallbackHandler(app.paymentService, logger)

	infoLog.Printf("Payment methods enabled: %v", gateways.Names())
	return app, nil
}

func buildGateways(cfg config.Config, logger *slog.Logger) (*services.GatewayRegistry, error) {
	reg := services.NewGatewayRegistry()
	if cfg.AirbapayEnabled() {
		svc, err := services.NewAirbapayService(services.AirbapayConfig{
			Username:       cfg.Airbapay.Username,
			Password:       cfg.Airbapay.Password,
			TerminalID:     cfg.Airbapay.TerminalID,
			BaseURL:        cfg.Airbapay.BaseURL,
			SuccessBackURL: cfg.Airbapay.SuccessBackURL,
			FailureBackURL: cfg.Airbapay.FailureBackURL,
			CallbackURL:    cfg.Airbapay.CallbackURL,
			PublicKeyURL:   cfg.Airbapay.PublicKeyURL,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(svc)
	}
	if cfg.RobokassaEnabled() {
		svc, err := services.NewRobokassaService(services.RobokassaConfig{
			MerchantLogin: cfg.Robokassa.MerchantLogin,
			Password1:     cfg.Robokassa.Password1,
			Password2:     cfg.Robokassa.Password2,
			TestPassword1: cfg.Robokassa.TestPassword1,
			TestPassword2: cfg.Robokassa.TestPassword2,
			BaseURL:       cfg.Robokassa.BaseURL,
			IsTest:        cfg.Robokassa.IsTest,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(svc)
	}
	return reg, nil
}

func (app *application) close() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.errorLog.Printf("close redis: %v", err)
		}
	}
}

func openDB(cfg config.Config) (*sql.DB, error) {
	driver, dsn := cfg.Database.Driver, cfg.Database.URL
	switch driver {
	case "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		// Conditional updates compare matched rows, not changed rows.
		mc.ParseTime = true
		mc.ClientFoundRows = true
		mc.Loc = time.UTC
		dsn = mc.FormatDSN()
	case "postgres", "pgx":
		driver = "pgx"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
