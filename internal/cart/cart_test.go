package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/catalog"
	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/storage"
)

type fixture struct {
	store    *storage.MemoryStore
	products *catalog.Service
	stock    *inventory.Service
	cart     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(time.Second)
	products := catalog.NewService(catalog.NewMemoryRepository(store))
	stock := inventory.NewService(store, inventory.NewMemoryRepository(store), nil)
	return &fixture{
		store:    store,
		products: products,
		stock:    stock,
		cart:     NewService(store, NewMemoryRepository(store), products, stock, nil),
	}
}

func (f *fixture) product(t *testing.T, price int64, units int) int64 {
	t.Helper()
	ctx := context.Background()
	p, err := f.products.Create(ctx, "Canva Pro", decimal.NewFromInt(price))
	require.NoError(t, err)
	if units > 0 {
		payloads := make([]string, units)
		for i := range payloads {
			payloads[i] = "mail|pass"
		}
		_, err = f.stock.Import(ctx, p.ID, payloads)
		require.NoError(t, err)
	}
	return p.ID
}

func TestAdd_ClampsToAvailableStock(t *testing.T) {
	// Arrange
	ctx := context.Background()
	f := newFixture(t)
	productID := f.product(t, 10000, 3)

	// Act
	item, err := f.cart.Add(ctx, "u1", productID, 5)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	item, err = f.cart.Add(ctx, "u1", productID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	items, err := f.cart.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Quantity)
}

func TestAdd_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	soldOut := f.product(t, 10000, 0)

	_, err := f.cart.Add(ctx, "u1", soldOut, 1)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)

	_, err = f.cart.Add(ctx, "u1", 999, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = f.cart.Add(ctx, "u1", soldOut, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = f.cart.Add(ctx, "", soldOut, 1)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	items, err := f.cart.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSetQuantityAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	productID := f.product(t, 10000, 4)

	item, err := f.cart.SetQuantity(ctx, "u1", productID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity)

	item, err = f.cart.SetQuantity(ctx, "u1", productID, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, item.Quantity)

	item, err = f.cart.SetQuantity(ctx, "u1", productID, 0)
	require.NoError(t, err)
	assert.Nil(t, item)

	items, err := f.cart.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.NoError(t, f.cart.Remove(ctx, "u1", productID), "removing a missing line is fine")
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.product(t, 10000, 2)
	second := f.product(t, 25000, 5)

	_, err := f.cart.Add(ctx, "u1", first, 2)
	require.NoError(t, err)
	_, err = f.cart.Add(ctx, "u1", second, 1)
	require.NoError(t, err)
	_, err = f.cart.Add(ctx, "u2", second, 3)
	require.NoError(t, err)

	summary, err := f.cart.Summarize(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summary.Lines, 2)
	assert.Equal(t, first, summary.Lines[0].ProductID)
	assert.True(t, summary.Lines[0].Subtotal.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, 5, summary.Lines[1].Available)
	assert.True(t, summary.Total.Equal(decimal.NewFromInt(45000)))
}

func TestClear_FollowsTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	productID := f.product(t, 10000, 2)
	_, err := f.cart.Add(ctx, "u1", productID, 1)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = storage.WithTx(ctx, f.store, func(tx storage.Tx) error {
		lines, err := f.cart.Lines(ctx, tx, "u1")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		require.NoError(t, f.cart.Clear(ctx, tx, "u1"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	items, err := f.cart.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 1, "rolled back clear keeps the cart")

	err = storage.WithTx(ctx, f.store, func(tx storage.Tx) error {
		return f.cart.Clear(ctx, tx, "u1")
	})
	require.NoError(t, err)

	items, err = f.cart.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) LockCart(ctx context.Context, tx storage.Tx, userID string) error {
	return m.Called(ctx, tx, userID).Error(0)
}

func (m *MockRepository) GetItem(ctx context.Context, tx storage.Tx, userID string, productID int64) (*Item, error) {
	args := m.Called(ctx, tx, userID, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Item), args.Error(1)
}

func (m *MockRepository) UpsertItem(ctx context.Context, tx storage.Tx, item *Item) error {
	return m.Called(ctx, tx, item).Error(0)
}

func (m *MockRepository) DeleteItem(ctx context.Context, tx storage.Tx, userID string, productID int64) error {
	return m.Called(ctx, tx, userID, productID).Error(0)
}

func (m *MockRepository) ListItemsTx(ctx context.Context, tx storage.Tx, userID string) ([]Item, error) {
	args := m.Called(ctx, tx, userID)
	return args.Get(0).([]Item), args.Error(1)
}

func (m *MockRepository) DeleteAll(ctx context.Context, tx storage.Tx, userID string) (int64, error) {
	args := m.Called(ctx, tx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) ListItems(ctx context.Context, userID string) ([]Item, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]Item), args.Error(1)
}

func TestRemove_LockTimeoutIsTransactionFailed(t *testing.T) {
	// Arrange
	f := newFixture(t)
	repo := new(MockRepository)
	repo.On("LockCart", mock.Anything, mock.Anything, "u1").Return(storage.ErrLockTimeout)
	svc := NewService(f.store, repo, f.products, f.stock, nil)

	// Act
	err := svc.Remove(context.Background(), "u1", 1)

	// Assert
	assert.ErrorIs(t, err, apperrors.ErrTransactionFailed)
	assert.True(t, apperrors.Retryable(err))
	repo.AssertNotCalled(t, "DeleteItem", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
