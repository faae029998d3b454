package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/catalog"
	"github.com/matheusmosca/account-store/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T, units int) (*Service, *storage.MemoryStore, int64) {
	t.Helper()

	store := storage.NewMemoryStore(500 * time.Millisecond)
	products := catalog.NewService(catalog.NewMemoryRepository(store))
	product, err := products.Create(context.Background(), "Netflix Premium", decimal.NewFromInt(25000))
	require.NoError(t, err)

	svc := NewService(store, NewMemoryRepository(store), nil)
	if units > 0 {
		payloads := make([]string, units)
		for i := range payloads {
			payloads[i] = "user" + string(rune('a'+i)) + "|secret"
		}
		_, err := svc.Import(context.Background(), product.ID, payloads)
		require.NoError(t, err)
	}
	return svc, store, product.ID
}

func TestReserve_TakesOldestUnits(t *testing.T) {
	// Arrange
	ctx := context.Background()
	svc, store, productID := newTestService(t, 3)

	// Act
	var reserved []StockUnit
	err := storage.WithTx(ctx, store, func(tx storage.Tx) error {
		var err error
		reserved, err = svc.Reserve(ctx, tx, productID, 2)
		return err
	})

	// Assert
	require.NoError(t, err)
	require.Len(t, reserved, 2)
	assert.Less(t, reserved[0].ID, reserved[1].ID)
	assert.Equal(t, "usera|secret", reserved[0].Payload)
	for _, u := range reserved {
		assert.Equal(t, StatusSold, u.Status)
		assert.NotNil(t, u.SoldAt)
	}

	count, err := svc.AvailableCount(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	unit, err := svc.Get(ctx, reserved[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSold, unit.Status)
}

func TestReserve_InsufficientStockReservesNothing(t *testing.T) {
	ctx := context.Background()
	svc, store, productID := newTestService(t, 2)

	err := storage.WithTx(ctx, store, func(tx storage.Tx) error {
		_, err := svc.Reserve(ctx, tx, productID, 3)
		return err
	})

	require.ErrorIs(t, err, apperrors.ErrInsufficientStock)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 2, appErr.Details["available"])
	assert.Equal(t, 3, appErr.Details["requested"])

	count, _ := svc.AvailableCount(ctx, productID)
	assert.Equal(t, 2, count)
}

func TestReserve_RollbackReturnsUnits(t *testing.T) {
	ctx := context.Background()
	svc, store, productID := newTestService(t, 1)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, tx, productID, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	count, _ := svc.AvailableCount(ctx, productID)
	assert.Equal(t, 1, count)
}

func TestReserve_InvalidInput(t *testing.T) {
	ctx := context.Background()
	svc, store, productID := newTestService(t, 1)

	tx, _ := store.BeginTx(ctx)
	defer tx.Rollback()

	_, err := svc.Reserve(ctx, tx, productID, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = svc.Reserve(ctx, tx, productID+100, 1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestReserve_ConcurrentBuyersNeverShareUnits(t *testing.T) {
	// Arrange: 3 units, two buyers of 2 each
	ctx := context.Background()
	svc, store, productID := newTestService(t, 3)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
		sold      = make(map[int64]bool)
	)

	// Act
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var units []StockUnit
			err := storage.WithTx(ctx, store, func(tx storage.Tx) error {
				var err error
				units, err = svc.Reserve(ctx, tx, productID, 2)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			successes++
			for _, u := range units {
				assert.False(t, sold[u.ID], "unit %d sold twice", u.ID)
				sold[u.ID] = true
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 1, successes)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], apperrors.ErrInsufficientStock)

	count, _ := svc.AvailableCount(ctx, productID)
	assert.Equal(t, 1, count)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	svc, _, productID := newTestService(t, 0)

	units, err := svc.Import(ctx, productID, ParsePayloads("a|1\n\n  b|2  \n"))
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "b|2", units[1].Payload)

	_, err = svc.Import(ctx, productID, []string{" ", ""})
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = svc.Import(ctx, productID+100, []string{"x"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGet_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t, 0)

	_, err := svc.Get(context.Background(), 42)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) LockProduct(ctx context.Context, tx storage.Tx, productID int64) error {
	return m.Called(ctx, tx, productID).Error(0)
}

func (m *MockRepository) SelectAvailableForUpdate(ctx context.Context, tx storage.Tx, productID int64, limit int) ([]StockUnit, error) {
	args := m.Called(ctx, tx, productID, limit)
	return args.Get(0).([]StockUnit), args.Error(1)
}

func (m *MockRepository) MarkSold(ctx context.Context, tx storage.Tx, unitIDs []int64, soldAt time.Time) (int64, error) {
	args := m.Called(ctx, tx, unitIDs, soldAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) InsertUnits(ctx context.Context, tx storage.Tx, productID int64, payloads []string) ([]StockUnit, error) {
	args := m.Called(ctx, tx, productID, payloads)
	return args.Get(0).([]StockUnit), args.Error(1)
}

func (m *MockRepository) CountAvailable(ctx context.Context, productID int64) (int, error) {
	args := m.Called(ctx, productID)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) GetUnit(ctx context.Context, unitID int64) (*StockUnit, error) {
	args := m.Called(ctx, unitID)
	return args.Get(0).(*StockUnit), args.Error(1)
}

func TestReserve_PartialMarkIsRetryableConflict(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	svc := NewService(storage.NewMemoryStore(time.Second), repo, nil)

	repo.On("LockProduct", ctx, nil, int64(1)).Return(nil)
	repo.On("SelectAvailableForUpdate", ctx, nil, int64(1), 2).
		Return([]StockUnit{{ID: 1, Status: StatusAvailable}, {ID: 2, Status: StatusAvailable}}, nil)
	repo.On("MarkSold", ctx, nil, []int64{1, 2}, mock.AnythingOfType("time.Time")).Return(int64(1), nil)

	_, err := svc.Reserve(ctx, nil, 1, 2)

	assert.True(t, storage.IsRetryable(err))
	repo.AssertExpectations(t)
}
