package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/cart"
	"github.com/matheusmosca/account-store/internal/catalog"
	"github.com/matheusmosca/account-store/internal/checkout"
	"github.com/matheusmosca/account-store/internal/config"
	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/orders"
	"github.com/matheusmosca/account-store/internal/storage"
	"github.com/matheusmosca/account-store/internal/topup"
	"github.com/matheusmosca/account-store/internal/wallet"
)

// App holds the wired services behind the HTTP handlers.
type App struct {
	Products      *catalog.Service
	Stock         *inventory.Service
	Wallet        *wallet.Ledger
	Orders        *orders.Recorder
	Cart          *cart.Service
	Checkout      *checkout.Coordinator
	TopUps        *topup.Workflow
	Tokens        *auth.TokenVerifier
	WebhookSecret string

	// Ping reports whether the backing store is reachable.
	Ping func(ctx context.Context) error
}

type repositories struct {
	catalog   catalog.Repository
	inventory inventory.Repository
	wallet    wallet.Repository
	orders    orders.Repository
	cart      cart.Repository
	topup     topup.Repository
}

func newApp(db storage.Store, repos repositories, cfg *config.Config, log *zap.Logger) (*App, error) {
	policy, err := topup.ParsePolicy(cfg.TopUpSettlement)
	if err != nil {
		return nil, fmt.Errorf("TOPUP_SETTLEMENT: %w", err)
	}

	products := catalog.NewService(repos.catalog)
	stock := inventory.NewService(db, repos.inventory, log.Named("inventory"))
	ledger := wallet.NewLedger(repos.wallet, log.Named("wallet"))
	recorder := orders.NewRecorder(repos.orders, log.Named("orders"))
	carts := cart.NewService(db, repos.cart, products, stock, log.Named("cart"))

	coordinator := checkout.NewCoordinator(db, checkout.Dependencies{
		Catalog: products,
		Stock:   stock,
		Wallet:  ledger,
		Orders:  recorder,
		Cart:    carts,
	}, checkout.Config{
		Timeout:     cfg.CheckoutTimeout,
		MaxAttempts: cfg.CheckoutMaxAttempts,
	}, log.Named("checkout"))

	topups := topup.NewWorkflow(db, repos.topup, ledger, topup.Config{
		MinAmount: cfg.TopUpMinAmount,
		Policy:    policy,
	}, log.Named("topup"))

	return &App{
		Products:      products,
		Stock:         stock,
		Wallet:        ledger,
		Orders:        recorder,
		Cart:          carts,
		Checkout:      coordinator,
		TopUps:        topups,
		Tokens:        auth.NewTokenVerifier(cfg.JWTSecret),
		WebhookSecret: cfg.WebhookSecret,
		Ping:          func(context.Context) error { return nil },
	}, nil
}

// newMemoryApp wires every service to one in-process store. Data does not survive a restart.
func newMemoryApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	store := storage.NewMemoryStore(cfg.LockTimeout)
	return newApp(store, repositories{
		catalog:   catalog.NewMemoryRepository(store),
		inventory: inventory.NewMemoryRepository(store),
		wallet:    wallet.NewMemoryRepository(store),
		orders:    orders.NewMemoryRepository(store),
		cart:      cart.NewMemoryRepository(store),
		topup:     topup.NewMemoryRepository(store),
	}, cfg, log)
}

func newPostgresApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, func(), error) {
	if err := migrate(ctx, cfg, log); err != nil {
		return nil, nil, err
	}

	pool, err := initDB(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewPostgresStore(pool, cfg.LockTimeout)
	app, err := newApp(store, repositories{
		catalog:   catalog.NewPostgresRepository(pool),
		inventory: inventory.NewPostgresRepository(pool),
		wallet:    wallet.NewPostgresRepository(pool),
		orders:    orders.NewPostgresRepository(pool),
		cart:      cart.NewPostgresRepository(pool),
		topup:     topup.NewPostgresRepository(pool),
	}, cfg, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	app.Ping = pool.Ping
	return app, pool.Close, nil
}

func migrate(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	db, err := storage.OpenSQL(cfg.Database.URL())
	if err != nil {
		return err
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		log.Info("waiting for database", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database after 30 attempts: %w", err)
	}

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("database schema up to date")
	return nil
}

func initDB(ctx context.Context, cfg *config.Config, log *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Info("connected to database",
				zap.String("host", cfg.Database.Host),
				zap.Int32("max_conns", poolConfig.MaxConns))
			return pool, nil
		}
		log.Info("waiting for database", zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}
