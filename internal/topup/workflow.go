// Package topup implements the wallet top-up approval workflow.
//
// A claim moves pending -> processing -> success|cancelled (pending may also go straight to a
// terminal state). Settling a claim credits the wallet with reference "topup:<external ref>" in
// the same transaction that marks it successful, so a claim is credited at most once no matter
// how many administrators or callbacks race on it.
package topup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/storage"
	"github.com/matheusmosca/account-store/internal/wallet"
)

const (
	instrumentationName = "github.com/matheusmosca/account-store/internal/topup"
	callbackActor       = "payment-callback"
	defaultListLimit    = 50
	maxListLimit        = 200
)

// Crediter adds money to a wallet inside a transaction.
type Crediter interface {
	Credit(ctx context.Context, tx storage.Tx, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error)
}

// Config tunes the workflow.
type Config struct {
	MinAmount decimal.Decimal
	Policy    SettlementPolicy
}

// Workflow runs the top-up state machine.
type Workflow struct {
	db         storage.Store
	repository Repository
	ledger     Crediter
	minAmount  decimal.Decimal
	policy     SettlementPolicy
	log        *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	settlementCounter metric.Int64Counter
	settledAmount     metric.Float64Counter
}

// NewWorkflow creates a Workflow crediting approved claims through ledger.
func NewWorkflow(db storage.Store, repository Repository, ledger Crediter, cfg Config, log *zap.Logger) *Workflow {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Policy == nil {
		cfg.Policy = FullAmount{}
	}
	if !cfg.MinAmount.IsPositive() {
		cfg.MinAmount = decimal.NewFromInt(10000)
	}

	meter := otel.Meter(instrumentationName)
	settlementCounter, _ := meter.Int64Counter("topup.settlements",
		metric.WithDescription("Top-up claims that reached a terminal state"))
	settledAmount, _ := meter.Float64Counter("topup.settled_amount",
		metric.WithDescription("Money credited by settled top-up claims"))

	return &Workflow{
		db:                db,
		repository:        repository,
		ledger:            ledger,
		minAmount:         cfg.MinAmount,
		policy:            cfg.Policy,
		log:               log,
		tracer:            otel.Tracer(instrumentationName),
		now:               time.Now,
		settlementCounter: settlementCounter,
		settledAmount:     settledAmount,
	}
}

// CreateRequest describes a new claim. An empty ExternalRef is generated.
type CreateRequest struct {
	Amount      decimal.Decimal
	ExternalRef string
	Method      Method
}

// Create opens a pending claim for the caller. Re-submitting the same reference with the same
// amount while the claim is still open returns the existing claim.
func (w *Workflow) Create(ctx context.Context, p auth.Principal, req CreateRequest) (*Claim, error) {
	if err := auth.Authorize(p, auth.Checkout); err != nil {
		return nil, err
	}

	if req.Method == "" {
		req.Method = MethodBankTransfer
	}
	if req.Method != MethodBankTransfer && req.Method != MethodCard {
		return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("unsupported top-up method %q", req.Method))
	}
	if req.Amount.LessThan(w.minAmount) {
		return nil, apperrors.New(apperrors.KindInvalidRequest,
			fmt.Sprintf("minimum top-up amount is %s", w.minAmount.StringFixed(0))).
			With("min_amount", w.minAmount.StringFixed(2))
	}

	ref := strings.ToUpper(strings.TrimSpace(req.ExternalRef))
	if ref == "" {
		ref = NewReference(p.UserID, w.now())
	}

	var claim *Claim
	err := storage.WithTx(ctx, w.db, func(tx storage.Tx) error {
		candidate := NewClaim(p.UserID, req.Amount.Round(2), ref, req.Method, w.now())
		inserted, err := w.repository.InsertClaim(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if inserted {
			claim = candidate
			return nil
		}

		existing, err := w.repository.GetClaimByRefForUpdate(ctx, tx, ref)
		if err != nil {
			return err
		}
		if existing.UserID == p.UserID && existing.Amount.Equal(candidate.Amount) && !existing.Status.Terminal() {
			claim = existing
			return nil
		}
		return apperrors.New(apperrors.KindConflict, "top-up reference already used").
			With("external_ref", ref)
	})
	if err != nil {
		return nil, w.mapError("create", err)
	}

	w.log.Info("top-up claim opened",
		zap.String("claim_id", claim.ID.String()),
		zap.String("user_id", claim.UserID),
		zap.String("external_ref", claim.ExternalRef),
		zap.String("amount", claim.Amount.String()))
	return claim, nil
}

// MarkProcessing records that the owner has sent the money.
func (w *Workflow) MarkProcessing(ctx context.Context, p auth.Principal, claimID uuid.UUID) (*Claim, error) {
	if err := auth.Authorize(p, auth.Checkout); err != nil {
		return nil, err
	}

	var claim *Claim
	err := storage.WithTx(ctx, w.db, func(tx storage.Tx) error {
		c, err := w.repository.GetClaimForUpdate(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if c.UserID != p.UserID {
			return storage.ErrNotFound
		}

		switch c.Status {
		case StatusProcessing:
			claim = c
			return nil
		case StatusSuccess:
			return alreadySettled(c)
		case StatusCancelled:
			return apperrors.New(apperrors.KindConflict, "top-up claim was cancelled").With("claim_id", c.ID.String())
		}

		c.Status = StatusProcessing
		if err := w.repository.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, w.mapError("mark processing", err)
	}
	return claim, nil
}

// Approve settles a claim and credits the wallet. A nil settledAmount applies the configured
// settlement policy to the claimed amount.
func (w *Workflow) Approve(ctx context.Context, p auth.Principal, claimID uuid.UUID, settledAmount *decimal.Decimal) (*Claim, error) {
	return w.approve(ctx, p, settledAmount, func(tx storage.Tx) (*Claim, error) {
		return w.repository.GetClaimForUpdate(ctx, tx, claimID)
	})
}

// ApproveByReference is Approve keyed by the claim's external reference.
func (w *Workflow) ApproveByReference(ctx context.Context, p auth.Principal, externalRef string, settledAmount *decimal.Decimal) (*Claim, error) {
	ref := strings.ToUpper(strings.TrimSpace(externalRef))
	return w.approve(ctx, p, settledAmount, func(tx storage.Tx) (*Claim, error) {
		return w.repository.GetClaimByRefForUpdate(ctx, tx, ref)
	})
}

func (w *Workflow) approve(ctx context.Context, p auth.Principal, settledAmount *decimal.Decimal, load func(storage.Tx) (*Claim, error)) (*Claim, error) {
	ctx, span := w.tracer.Start(ctx, "topup.approve")
	defer span.End()

	if err := auth.Authorize(p, auth.ManageTopUps); err != nil {
		return nil, err
	}
	if settledAmount != nil && !settledAmount.IsPositive() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "settled amount must be positive")
	}

	var claim *Claim
	err := storage.WithTx(ctx, w.db, func(tx storage.Tx) error {
		c, err := load(tx)
		if err != nil {
			return err
		}
		note := fmt.Sprintf("approved by %s at %s", p.UserID, w.now().Format("15:04 02/01"))
		claim, err = w.settle(ctx, tx, c, settledAmount, note)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, w.mapError("approve", err)
	}

	span.SetAttributes(
		attribute.String("claim.id", claim.ID.String()),
		attribute.String("claim.settled_amount", claim.SettledAmount.Decimal.String()),
	)
	w.recordSettlement(ctx, claim, "admin")
	w.log.Info("top-up claim approved",
		zap.String("claim_id", claim.ID.String()),
		zap.String("user_id", claim.UserID),
		zap.String("admin", p.UserID),
		zap.String("settled_amount", claim.SettledAmount.Decimal.String()))
	return claim, nil
}

// settle credits the wallet and marks c successful inside tx. c must be locked.
func (w *Workflow) settle(ctx context.Context, tx storage.Tx, c *Claim, settledAmount *decimal.Decimal, note string) (*Claim, error) {
	switch c.Status {
	case StatusSuccess:
		return nil, alreadySettled(c)
	case StatusCancelled:
		return nil, apperrors.New(apperrors.KindConflict, "top-up claim was cancelled").With("claim_id", c.ID.String())
	}

	amount := w.policy.Settle(c.Amount)
	if settledAmount != nil {
		amount = *settledAmount
	}
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "settled amount must be positive")
	}

	if _, err := w.ledger.Credit(ctx, tx, c.UserID, amount, wallet.TopUpReference(c.ExternalRef)); err != nil {
		return nil, err
	}

	now := w.now()
	c.Status = StatusSuccess
	c.SettledAmount = decimal.NewNullDecimal(amount)
	c.SettledAt = &now
	c.Note = note
	if err := w.repository.UpdateClaim(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Reject cancels an open claim. Rejecting a cancelled claim is a no-op.
func (w *Workflow) Reject(ctx context.Context, p auth.Principal, claimID uuid.UUID, note string) (*Claim, error) {
	if err := auth.Authorize(p, auth.ManageTopUps); err != nil {
		return nil, err
	}

	var (
		claim   *Claim
		changed bool
	)
	err := storage.WithTx(ctx, w.db, func(tx storage.Tx) error {
		c, err := w.repository.GetClaimForUpdate(ctx, tx, claimID)
		if err != nil {
			return err
		}

		switch c.Status {
		case StatusCancelled:
			claim = c
			return nil
		case StatusSuccess:
			return alreadySettled(c)
		}

		c.Status = StatusCancelled
		c.Note = strings.TrimSpace(note)
		if c.Note == "" {
			c.Note = fmt.Sprintf("rejected by %s at %s", p.UserID, w.now().Format("15:04 02/01"))
		}
		if err := w.repository.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		claim, changed = c, true
		return nil
	})
	if err != nil {
		return nil, w.mapError("reject", err)
	}

	if changed {
		w.recordSettlement(ctx, claim, "admin")
		w.log.Info("top-up claim rejected",
			zap.String("claim_id", claim.ID.String()),
			zap.String("admin", p.UserID))
	}
	return claim, nil
}

// HandleCallback applies a verified payment confirmation. Deliveries are deduplicated on the
// provider transaction id. The callback settles the claim named by its external reference, or
// opens and settles a new claim for the user named in a "NAP <userId>" transfer description.
func (w *Workflow) HandleCallback(ctx context.Context, cb Callback) (*CallbackResult, error) {
	ctx, span := w.tracer.Start(ctx, "topup.callback",
		trace.WithAttributes(attribute.String("provider.txn_id", cb.ProviderTxnID)))
	defer span.End()

	txnID := strings.TrimSpace(cb.ProviderTxnID)
	if txnID == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "provider transaction id is required")
	}
	if !cb.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "callback amount must be positive")
	}

	ref := strings.ToUpper(strings.TrimSpace(cb.ExternalRef))
	refFromContent := false
	if ref == "" {
		ref, refFromContent = ReferenceFromTransferContent(cb.Content)
	}

	result := &CallbackResult{}
	err := storage.WithTx(ctx, w.db, func(tx storage.Tx) error {
		// 1. One delivery at a time per provider transaction
		if err := w.repository.LockProviderTxn(ctx, tx, txnID); err != nil {
			return err
		}

		// 2. Dedupe
		existing, err := w.repository.GetClaimByProviderTxn(ctx, tx, txnID)
		if err == nil {
			result.Claim, result.Duplicate = existing, true
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		amount := w.policy.Settle(cb.Amount)
		note := fmt.Sprintf("confirmed by %s txn %s at %s", callbackActor, txnID, w.now().Format("15:04 02/01"))

		// 3. Settle the claim the transfer refers to
		if ref != "" {
			c, err := w.repository.GetClaimByRefForUpdate(ctx, tx, ref)
			switch {
			case err == nil:
				if c.Status == StatusSuccess {
					result.Claim, result.Duplicate = c, true
					return nil
				}
				c.ProviderTxnID = &txnID
				result.Claim, err = w.settle(ctx, tx, c, &amount, note)
				return err
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		// 4. Otherwise open a claim for the user named in the description
		userID, ok := UserFromTransferContent(cb.Content)
		if !ok {
			return apperrors.New(apperrors.KindInvalidRequest, "transfer content does not identify a user or claim").
				With("content", cb.Content)
		}
		if ref == "" || refFromContent {
			ref = NewReference(userID, w.now())
		}

		c := NewClaim(userID, cb.Amount.Round(2), ref, MethodCallback, w.now())
		c.ProviderTxnID = &txnID
		inserted, err := w.repository.InsertClaim(ctx, tx, c)
		if err != nil {
			return err
		}
		if !inserted {
			return apperrors.New(apperrors.KindConflict, "top-up reference already used").With("external_ref", ref)
		}
		result.Claim, err = w.settle(ctx, tx, c, &amount, note)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, w.mapError("callback", err)
	}

	span.SetAttributes(attribute.Bool("callback.duplicate", result.Duplicate))
	if result.Duplicate {
		w.log.Info("duplicate payment callback ignored",
			zap.String("provider_txn_id", txnID),
			zap.String("claim_id", result.Claim.ID.String()))
		return result, nil
	}

	w.recordSettlement(ctx, result.Claim, "callback")
	w.log.Info("payment callback settled claim",
		zap.String("provider_txn_id", txnID),
		zap.String("claim_id", result.Claim.ID.String()),
		zap.String("user_id", result.Claim.UserID),
		zap.String("settled_amount", result.Claim.SettledAmount.Decimal.String()))
	return result, nil
}

// Get returns a claim visible to p: its owner or an administrator.
func (w *Workflow) Get(ctx context.Context, p auth.Principal, claimID uuid.UUID) (*Claim, error) {
	if err := auth.Authorize(p, auth.Checkout); err != nil {
		return nil, err
	}

	c, err := w.repository.GetClaim(ctx, claimID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && c.UserID != p.UserID && p.Role != auth.RoleAdmin) {
		return nil, apperrors.New(apperrors.KindNotFound, "top-up claim not found").With("claim_id", claimID.String())
	}
	if err != nil {
		return nil, apperrors.Unavailable("could not load top-up claim", err)
	}
	return c, nil
}

// ListForUser returns the caller's claims, newest first.
func (w *Workflow) ListForUser(ctx context.Context, p auth.Principal, limit int) ([]Claim, error) {
	if err := auth.Authorize(p, auth.Checkout); err != nil {
		return nil, err
	}
	claims, err := w.repository.ListClaims(ctx, Filter{UserID: p.UserID, Limit: clampLimit(limit)})
	if err != nil {
		return nil, apperrors.Unavailable("could not list top-up claims", err)
	}
	return claims, nil
}

// ListAll returns every claim, optionally filtered by status. Administrators only.
func (w *Workflow) ListAll(ctx context.Context, p auth.Principal, status Status, limit int) ([]Claim, error) {
	if err := auth.Authorize(p, auth.ManageTopUps); err != nil {
		return nil, err
	}
	claims, err := w.repository.ListClaims(ctx, Filter{Status: status, Limit: clampLimit(limit)})
	if err != nil {
		return nil, apperrors.Unavailable("could not list top-up claims", err)
	}
	return claims, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func alreadySettled(c *Claim) error {
	return apperrors.New(apperrors.KindAlreadySettled, "top-up claim is already settled").
		With("claim_id", c.ID.String()).
		With("settled_amount", c.SettledAmount.Decimal.StringFixed(2))
}

func (w *Workflow) recordSettlement(ctx context.Context, c *Claim, channel string) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(c.Status)),
		attribute.String("channel", channel),
	)
	w.settlementCounter.Add(ctx, 1, attrs)
	if c.Status == StatusSuccess {
		w.settledAmount.Add(ctx, c.SettledAmount.Decimal.InexactFloat64(), attrs)
	}
}

// mapError turns storage failures into the public taxonomy. Business errors pass through.
func (w *Workflow) mapError(op string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.KindNotFound, "top-up claim not found")
	}
	if errors.Is(err, storage.ErrDuplicate) {
		return apperrors.Wrap(apperrors.KindConflict, "top-up claim conflicts with an existing one", err)
	}

	w.log.Error("top-up operation failed", zap.String("op", op), zap.Error(err))
	if storage.IsInfrastructure(err) {
		return apperrors.Wrap(apperrors.KindTransactionFailed, "top-up "+op+" failed", err)
	}
	return apperrors.Wrap(apperrors.KindPersistenceFailure, "top-up "+op+" failed", err)
}
