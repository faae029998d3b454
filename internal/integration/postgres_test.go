//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/cart"
	"github.com/matheusmosca/account-store/internal/catalog"
	"github.com/matheusmosca/account-store/internal/checkout"
	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/orders"
	"github.com/matheusmosca/account-store/internal/storage"
	"github.com/matheusmosca/account-store/internal/topup"
	"github.com/matheusmosca/account-store/internal/wallet"
)

type env struct {
	store       *storage.PostgresStore
	products    *catalog.Service
	stock       *inventory.Service
	ledger      *wallet.Ledger
	coordinator *checkout.Coordinator
	topups      *topup.Workflow
}

func setup(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests need docker")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("store"),
		postgres.WithUsername("store"),
		postgres.WithPassword("store"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sqlDB, err := storage.OpenSQL(dsn)
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, storage.Migrate(ctx, sqlDB))
	require.NoError(t, storage.Migrate(ctx, sqlDB), "migrations are idempotent")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := zaptest.NewLogger(t)
	store := storage.NewPostgresStore(pool, 2*time.Second)
	products := catalog.NewService(catalog.NewPostgresRepository(pool))
	stock := inventory.NewService(store, inventory.NewPostgresRepository(pool), log)
	ledger := wallet.NewLedger(wallet.NewPostgresRepository(pool), log)
	recorder := orders.NewRecorder(orders.NewPostgresRepository(pool), log)
	carts := cart.NewService(store, cart.NewPostgresRepository(pool), products, stock, log)

	return &env{
		store:    store,
		products: products,
		stock:    stock,
		ledger:   ledger,
		coordinator: checkout.NewCoordinator(store, checkout.Dependencies{
			Catalog: products, Stock: stock, Wallet: ledger, Orders: recorder, Cart: carts,
		}, checkout.Config{Timeout: 5 * time.Second, MaxAttempts: 3}, log),
		topups: topup.NewWorkflow(store, topup.NewPostgresRepository(pool), ledger, topup.Config{}, log),
	}
}

func TestPostgres_CheckoutAndTopUp(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	admin := auth.Principal{UserID: "admin", Role: auth.RoleAdmin}

	product, err := e.products.Create(ctx, "Office 365", decimal.NewFromInt(20000))
	require.NoError(t, err)
	_, err = e.stock.Import(ctx, product.ID, []string{"a|1", "b|2", "c|3"})
	require.NoError(t, err)

	// Fund both buyers through approved top-ups
	for _, userID := range []string{"alice", "bob"} {
		p := auth.Principal{UserID: userID, Role: auth.RoleUser}
		claim, err := e.topups.Create(ctx, p, topup.CreateRequest{Amount: decimal.NewFromInt(50000)})
		require.NoError(t, err)
		_, err = e.topups.Approve(ctx, admin, claim.ID, nil)
		require.NoError(t, err)
		_, err = e.topups.Approve(ctx, admin, claim.ID, nil)
		require.ErrorIs(t, err, apperrors.ErrAlreadySettled)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, userID := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := e.coordinator.Checkout(ctx, auth.Principal{UserID: userID, Role: auth.RoleUser},
				checkout.Request{Lines: []checkout.Line{{ProductID: product.ID, Quantity: 2}}})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(userID)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, apperrors.ErrInsufficientStock), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	available, err := e.stock.AvailableCount(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, available)

	aliceBalance, err := e.ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	bobBalance, err := e.ledger.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, aliceBalance.Add(bobBalance).Equal(decimal.NewFromInt(60000)))
}

func TestPostgres_BalanceCheckConstraint(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	err := storage.WithTx(ctx, e.store, func(tx storage.Tx) error {
		_, err := e.ledger.Credit(ctx, tx, "carol", decimal.NewFromInt(100), "seed:carol")
		return err
	})
	require.NoError(t, err)

	err = storage.WithTx(ctx, e.store, func(tx storage.Tx) error {
		_, err := e.ledger.Debit(ctx, tx, "carol", decimal.NewFromInt(101), "order:x")
		return err
	})
	require.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	balance, err := e.ledger.Balance(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))
}
