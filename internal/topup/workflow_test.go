package topup

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/storage"
	"github.com/matheusmosca/account-store/internal/wallet"
)

var (
	alice = auth.Principal{UserID: "alice", Role: auth.RoleUser}
	bob   = auth.Principal{UserID: "bob", Role: auth.RoleUser}
	admin = auth.Principal{UserID: "admin1", Role: auth.RoleAdmin}
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type WorkflowSuite struct {
	suite.Suite
	ctx      context.Context
	store    *storage.MemoryStore
	ledger   *wallet.Ledger
	workflow *Workflow
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storage.NewMemoryStore(time.Second)
	log := zaptest.NewLogger(s.T())
	s.ledger = wallet.NewLedger(wallet.NewMemoryRepository(s.store), log)
	s.workflow = NewWorkflow(s.store, NewMemoryRepository(s.store), s.ledger, Config{MinAmount: dec(10000)}, log)
}

func (s *WorkflowSuite) balance(userID string) decimal.Decimal {
	b, err := s.ledger.Balance(s.ctx, userID)
	s.Require().NoError(err)
	return b
}

func (s *WorkflowSuite) TestApproveCreditsSettledAmountOnce() {
	// Arrange
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(50000), ExternalRef: "X1"})
	s.Require().NoError(err)
	s.Equal(StatusPending, claim.Status)

	// Act
	settled := dec(40000)
	approved, err := s.workflow.Approve(s.ctx, admin, claim.ID, &settled)

	// Assert
	s.Require().NoError(err)
	s.Equal(StatusSuccess, approved.Status)
	s.True(approved.SettledAmount.Valid)
	s.True(approved.SettledAmount.Decimal.Equal(dec(40000)))
	s.NotNil(approved.SettledAt)
	s.True(strings.HasPrefix(approved.Note, "approved by admin1 at "))
	s.True(s.balance("alice").Equal(dec(40000)))

	// second approval of the same reference is refused
	_, err = s.workflow.ApproveByReference(s.ctx, admin, "X1", nil)
	s.ErrorIs(err, apperrors.ErrAlreadySettled)
	s.True(s.balance("alice").Equal(dec(40000)))

	entries, err := s.ledger.Entries(s.ctx, "alice", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("topup:X1", entries[0].Reference)
}

func (s *WorkflowSuite) TestCreateRejectsAmountBelowMinimum() {
	_, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(9999)})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)

	_, err = s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(10000), Method: MethodCallback})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)

	_, err = s.workflow.Create(s.ctx, auth.Principal{}, CreateRequest{Amount: dec(10000)})
	s.ErrorIs(err, apperrors.ErrUnauthorized)
}

func (s *WorkflowSuite) TestCreateGeneratesReference() {
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)
	s.True(strings.HasPrefix(claim.ExternalRef, "NAP"))
	s.Contains(claim.ExternalRef, "LICE")
	s.Equal(MethodBankTransfer, claim.Method)
}

func (s *WorkflowSuite) TestCreateIsIdempotentPerReference() {
	first, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000), ExternalRef: "nap-1"})
	s.Require().NoError(err)

	again, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000), ExternalRef: "NAP-1"})
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID)

	_, err = s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(30000), ExternalRef: "NAP-1"})
	s.ErrorIs(err, apperrors.ErrConflict)

	_, err = s.workflow.Create(s.ctx, bob, CreateRequest{Amount: dec(20000), ExternalRef: "NAP-1"})
	s.ErrorIs(err, apperrors.ErrConflict)

	_, err = s.workflow.Approve(s.ctx, admin, first.ID, nil)
	s.Require().NoError(err)
	_, err = s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000), ExternalRef: "NAP-1"})
	s.ErrorIs(err, apperrors.ErrConflict, "a settled reference cannot be reopened")
}

func (s *WorkflowSuite) TestApproveRequiresAdmin() {
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)

	_, err = s.workflow.Approve(s.ctx, alice, claim.ID, nil)
	s.ErrorIs(err, apperrors.ErrForbidden)
	s.True(s.balance("alice").IsZero())

	_, err = s.workflow.Approve(s.ctx, admin, uuid.New(), nil)
	s.ErrorIs(err, apperrors.ErrNotFound)

	zero := decimal.Zero
	_, err = s.workflow.Approve(s.ctx, admin, claim.ID, &zero)
	s.ErrorIs(err, apperrors.ErrInvalidRequest)
}

func (s *WorkflowSuite) TestRejectTransitions() {
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)

	rejected, err := s.workflow.Reject(s.ctx, admin, claim.ID, "")
	s.Require().NoError(err)
	s.Equal(StatusCancelled, rejected.Status)
	s.True(strings.HasPrefix(rejected.Note, "rejected by admin1"))

	again, err := s.workflow.Reject(s.ctx, admin, claim.ID, "late")
	s.Require().NoError(err, "rejecting a cancelled claim is a no-op")
	s.Equal(rejected.Note, again.Note)

	_, err = s.workflow.Approve(s.ctx, admin, claim.ID, nil)
	s.ErrorIs(err, apperrors.ErrConflict)
	s.True(s.balance("alice").IsZero())

	settledClaim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)
	_, err = s.workflow.Approve(s.ctx, admin, settledClaim.ID, nil)
	s.Require().NoError(err)
	_, err = s.workflow.Reject(s.ctx, admin, settledClaim.ID, "")
	s.ErrorIs(err, apperrors.ErrAlreadySettled)
}

func (s *WorkflowSuite) TestMarkProcessing() {
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)

	_, err = s.workflow.MarkProcessing(s.ctx, bob, claim.ID)
	s.ErrorIs(err, apperrors.ErrNotFound)

	processing, err := s.workflow.MarkProcessing(s.ctx, alice, claim.ID)
	s.Require().NoError(err)
	s.Equal(StatusProcessing, processing.Status)

	processing, err = s.workflow.MarkProcessing(s.ctx, alice, claim.ID)
	s.Require().NoError(err)
	s.Equal(StatusProcessing, processing.Status)

	_, err = s.workflow.Approve(s.ctx, admin, claim.ID, nil)
	s.Require().NoError(err)
	_, err = s.workflow.MarkProcessing(s.ctx, alice, claim.ID)
	s.ErrorIs(err, apperrors.ErrAlreadySettled)
}

func (s *WorkflowSuite) TestConcurrentApprovalsCreditOnce() {
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(50000)})
	s.Require().NoError(err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.workflow.Approve(s.ctx, admin, claim.ID, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperrors.KindOf(err) == apperrors.KindAlreadySettled:
				settled++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, successes)
	s.Equal(7, settled)
	s.True(s.balance("alice").Equal(dec(50000)))
}

func (s *WorkflowSuite) TestCallbackCreatesClaimFromTransferContent() {
	cb := Callback{ProviderTxnID: "FT123", Amount: dec(100000), Content: "NAP bob"}

	result, err := s.workflow.HandleCallback(s.ctx, cb)
	s.Require().NoError(err)
	s.False(result.Duplicate)
	s.Equal("bob", result.Claim.UserID)
	s.Equal(MethodCallback, result.Claim.Method)
	s.Equal(StatusSuccess, result.Claim.Status)
	s.True(s.balance("bob").Equal(dec(100000)))

	// redelivery
	again, err := s.workflow.HandleCallback(s.ctx, cb)
	s.Require().NoError(err)
	s.True(again.Duplicate)
	s.Equal(result.Claim.ID, again.Claim.ID)
	s.True(s.balance("bob").Equal(dec(100000)))
}

func (s *WorkflowSuite) TestCallbackContentWithoutSpaceNamesUser() {
	first, err := s.workflow.HandleCallback(s.ctx, Callback{ProviderTxnID: "FT500", Amount: dec(20000), Content: "NAP123"})
	s.Require().NoError(err)
	s.False(first.Duplicate)
	s.Equal("123", first.Claim.UserID)
	s.NotEqual("NAP123", first.Claim.ExternalRef)

	// a later transfer with the same description is a new payment
	second, err := s.workflow.HandleCallback(s.ctx, Callback{ProviderTxnID: "FT501", Amount: dec(20000), Content: "NAP123"})
	s.Require().NoError(err)
	s.False(second.Duplicate)
	s.NotEqual(first.Claim.ID, second.Claim.ID)
	s.True(s.balance("123").Equal(dec(40000)))
}

func (s *WorkflowSuite) TestCallbackSettlesPendingClaimByReference() {
	claim, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(50000)})
	s.Require().NoError(err)

	result, err := s.workflow.HandleCallback(s.ctx, Callback{
		ProviderTxnID: "FT999",
		Amount:        dec(50000),
		Content:       strings.ToLower(claim.ExternalRef),
	})
	s.Require().NoError(err)
	s.Equal(claim.ID, result.Claim.ID)
	s.Require().NotNil(result.Claim.ProviderTxnID)
	s.Equal("FT999", *result.Claim.ProviderTxnID)
	s.True(s.balance("alice").Equal(dec(50000)))

	// admin approving afterwards must not double credit
	_, err = s.workflow.Approve(s.ctx, admin, claim.ID, nil)
	s.ErrorIs(err, apperrors.ErrAlreadySettled)

	// a different bank transaction naming the same settled claim is not credited again
	other, err := s.workflow.HandleCallback(s.ctx, Callback{ProviderTxnID: "FT1000", Amount: dec(50000), ExternalRef: claim.ExternalRef})
	s.Require().NoError(err)
	s.True(other.Duplicate)
	s.True(s.balance("alice").Equal(dec(50000)))
}

func (s *WorkflowSuite) TestCallbackConcurrentRedeliveries() {
	cb := Callback{ProviderTxnID: "FT-RACE", Amount: dec(20000), Content: "NAP alice"}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		duplicates int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.workflow.HandleCallback(s.ctx, cb)
			if !s.NoError(err) {
				return
			}
			if result.Duplicate {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(4, duplicates)
	s.True(s.balance("alice").Equal(dec(20000)))
}

func (s *WorkflowSuite) TestCallbackValidation() {
	_, err := s.workflow.HandleCallback(s.ctx, Callback{Amount: dec(1), Content: "NAP alice"})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)

	_, err = s.workflow.HandleCallback(s.ctx, Callback{ProviderTxnID: "x", Amount: dec(0), Content: "NAP alice"})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)

	_, err = s.workflow.HandleCallback(s.ctx, Callback{ProviderTxnID: "x", Amount: dec(1), Content: "hello there"})
	s.ErrorIs(err, apperrors.ErrInvalidRequest)
}

func (s *WorkflowSuite) TestVisibilityAndListing() {
	mine, err := s.workflow.Create(s.ctx, alice, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)
	_, err = s.workflow.Create(s.ctx, bob, CreateRequest{Amount: dec(20000)})
	s.Require().NoError(err)

	_, err = s.workflow.Get(s.ctx, bob, mine.ID)
	s.ErrorIs(err, apperrors.ErrNotFound)
	got, err := s.workflow.Get(s.ctx, admin, mine.ID)
	s.Require().NoError(err)
	s.Equal(mine.ID, got.ID)

	list, err := s.workflow.ListForUser(s.ctx, alice, 0)
	s.Require().NoError(err)
	s.Len(list, 1)

	_, err = s.workflow.ListAll(s.ctx, alice, "", 0)
	s.ErrorIs(err, apperrors.ErrForbidden)

	all, err := s.workflow.ListAll(s.ctx, admin, StatusPending, 0)
	s.Require().NoError(err)
	s.Len(all, 2)
}

func TestApproveUsesSettlementPolicy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(time.Second)
	ledger := wallet.NewLedger(wallet.NewMemoryRepository(store), nil)
	policy, err := ParsePolicy("table:50000=40000,100000=85000;percent:0.9")
	require.NoError(t, err)
	workflow := NewWorkflow(store, NewMemoryRepository(store), ledger, Config{MinAmount: dec(10000), Policy: policy}, nil)

	tableHit, err := workflow.Create(ctx, alice, CreateRequest{Amount: dec(50000), Method: MethodCard})
	require.NoError(t, err)
	fallback, err := workflow.Create(ctx, alice, CreateRequest{Amount: dec(20000), Method: MethodCard})
	require.NoError(t, err)

	_, err = workflow.Approve(ctx, admin, tableHit.ID, nil)
	require.NoError(t, err)
	_, err = workflow.Approve(ctx, admin, fallback.ID, nil)
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec(58000)), "got %s", balance)
}
