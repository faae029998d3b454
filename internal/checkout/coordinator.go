// Package checkout turns a purchase request into a committed order.
//
// A checkout is a single storage transaction: every line's stock units are reserved, the wallet
// is debited by the sum of their catalog prices and the order is recorded bound to those exact
// units. Any failure rolls all of it back. Lock order inside the transaction is cart, products by
// ascending id, wallet, then order keys.
package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/cart"
	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/orders"
	"github.com/matheusmosca/account-store/internal/storage"
	"github.com/matheusmosca/account-store/internal/wallet"
)

type Pricer interface {
	UnitPrice(ctx context.Context, productID int64) (decimal.Decimal, error)
}

type Reserver interface {
	Reserve(ctx context.Context, tx storage.Tx, productID int64, count int) ([]inventory.StockUnit, error)
}

type Debiter interface {
	Debit(ctx context.Context, tx storage.Tx, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

type OrderRecorder interface {
	Record(ctx context.Context, tx storage.Tx, draft orders.Draft) (*orders.Order, error)
	FindByIdempotencyKey(ctx context.Context, tx storage.Tx, userID, key string) (*orders.Order, error)
}

type Cart interface {
	Lines(ctx context.Context, tx storage.Tx, userID string) ([]cart.Item, error)
	Clear(ctx context.Context, tx storage.Tx, userID string) error
}

// Dependencies are the collaborators the coordinator drives. Cart may be nil when cart checkout
// is not offered.
type Dependencies struct {
	Catalog Pricer
	Stock   Reserver
	Wallet  Debiter
	Orders  OrderRecorder
	Cart    Cart
}

// Config bounds a checkout.
type Config struct {
	// Timeout bounds one transaction attempt, lock waits included.
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
}

type Coordinator struct {
	db   storage.Store
	deps Dependencies
	cfg  Config
	log  *zap.Logger
	inst instruments
}

// NewCoordinator creates a Coordinator, filling zero Config fields with defaults.
func NewCoordinator(db storage.Store, deps Dependencies, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 25 * time.Millisecond
	}
	return &Coordinator{
		db:   db,
		deps: deps,
		cfg:  cfg,
		log:  log,
		inst: newInstruments(),
	}
}

// resolver produces the priced lines of an attempt inside its transaction.
type resolver func(ctx context.Context, tx storage.Tx) ([]pricedLine, error)

type purchase struct {
	operation string
	principal auth.Principal
	key       string
	resolve   resolver
	clearCart bool
	orderID   uuid.UUID
}

// Checkout buys the given lines for p.
func (c *Coordinator) Checkout(ctx context.Context, p auth.Principal, req Request) (*Result, error) {
	if err := auth.Authorize(p, auth.Checkout); err != nil {
		return nil, err
	}
	if err := orders.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	lines, err := normalize(req.Lines)
	if err != nil {
		return nil, err
	}
	priced, err := c.price(ctx, lines)
	if err != nil {
		return nil, c.mapError(c.log.With(zap.String("operation", "checkout"), zap.String("user_id", p.UserID)), err)
	}

	return c.run(ctx, purchase{
		operation: "checkout",
		principal: p,
		key:       req.IdempotencyKey,
		resolve: func(context.Context, storage.Tx) ([]pricedLine, error) {
			return priced, nil
		},
	})
}

// BuyNow buys a single unit of productID.
func (c *Coordinator) BuyNow(ctx context.Context, p auth.Principal, productID int64, idempotencyKey string) (*Result, error) {
	return c.Checkout(ctx, p, Request{
		Lines:          []Line{{ProductID: productID, Quantity: 1}},
		IdempotencyKey: idempotencyKey,
	})
}

// CheckoutCart buys everything in p's cart at current prices and empties the cart in the same
// transaction.
func (c *Coordinator) CheckoutCart(ctx context.Context, p auth.Principal, idempotencyKey string) (*Result, error) {
	if err := auth.Authorize(p, auth.Checkout); err != nil {
		return nil, err
	}
	if err := orders.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}
	if c.deps.Cart == nil {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "cart checkout is not available")
	}

	return c.run(ctx, purchase{
		operation: "cart",
		principal: p,
		key:       idempotencyKey,
		clearCart: true,
		resolve: func(ctx context.Context, tx storage.Tx) ([]pricedLine, error) {
			items, err := c.deps.Cart.Lines(ctx, tx, p.UserID)
			if err != nil {
				return nil, err
			}
			requested := make([]Line, len(items))
			for i, item := range items {
				requested[i] = Line{ProductID: item.ProductID, Quantity: item.Quantity}
			}
			lines, err := normalize(requested)
			if err != nil {
				return nil, err
			}
			return c.price(ctx, lines)
		},
	})
}

func (c *Coordinator) price(ctx context.Context, lines []Line) ([]pricedLine, error) {
	priced := make([]pricedLine, len(lines))
	for i, l := range lines {
		unitPrice, err := c.deps.Catalog.UnitPrice(ctx, l.ProductID)
		if err != nil {
			return nil, err
		}
		priced[i] = pricedLine{Line: l, UnitPrice: unitPrice}
	}
	return priced, nil
}

func (c *Coordinator) run(ctx context.Context, pur purchase) (*Result, error) {
	started := time.Now()
	ctx, span := c.inst.startCheckoutSpan(ctx, pur.operation, pur.principal.UserID, pur.key)
	defer span.End()

	// The id is fixed across attempts; a rolled back attempt leaves nothing behind that uses it.
	pur.orderID = uuid.New()
	log := c.log.With(
		zap.String("op", pur.operation),
		zap.String("user_id", pur.principal.UserID),
		zap.String("order_id", pur.orderID.String()))

	var (
		result *Result
		err    error
	)
	backoff := c.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		result, err = c.attempt(ctx, pur, attempt)
		if err == nil {
			c.inst.recordAttempt(ctx, pur.operation, "committed")
			break
		}

		if errors.Is(err, orders.ErrDuplicateIdempotencyKey) {
			// A concurrent request with the same key committed first.
			c.inst.recordAttempt(ctx, pur.operation, "replayed")
			result, err = c.replay(ctx, pur)
			break
		}

		if !storage.IsRetryable(err) || attempt >= c.cfg.MaxAttempts {
			c.inst.recordAttempt(ctx, pur.operation, outcome(err))
			break
		}

		c.inst.recordAttempt(ctx, pur.operation, "retried")
		log.Warn("checkout attempt conflicted, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if waitErr := sleep(ctx, backoff); waitErr != nil {
			err = waitErr
			break
		}
		backoff *= 2
	}

	c.inst.duration.Record(ctx, float64(time.Since(started).Milliseconds()))

	if err != nil {
		err = c.mapError(log, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", result.Order.ID.String()),
		attribute.String("order.total", result.Order.Total.String()),
		attribute.Bool("checkout.replayed", result.Replayed),
	)
	if result.Replayed {
		log.Info("checkout replayed", zap.String("replayed_order_id", result.Order.ID.String()))
	} else {
		log.Info("checkout committed",
			zap.String("code", result.Order.Code),
			zap.Int("units", len(result.Order.Items)),
			zap.String("total", result.Order.Total.String()),
			zap.Duration("elapsed", time.Since(started)))
	}
	return result, nil
}

// attempt runs one transaction. It never leaves partial effects: every error rolls back.
func (c *Coordinator) attempt(ctx context.Context, pur purchase, n int) (*Result, error) {
	ctx, span := c.inst.startAttemptSpan(ctx, n)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	userID := pur.principal.UserID
	var result *Result
	err := storage.WithTx(ctx, c.db, func(tx storage.Tx) error {
		// 1. Replay
		if pur.key != "" {
			existing, err := c.deps.Orders.FindByIdempotencyKey(ctx, tx, userID, pur.key)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &Result{Order: existing, Replayed: true}
				return nil
			}
		}

		lines, err := pur.resolve(ctx, tx)
		if err != nil {
			return err
		}

		// 2. Reserve, products in ascending id
		var items []orders.Item
		for _, line := range lines {
			units, err := c.deps.Stock.Reserve(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			for _, u := range units {
				items = append(items, orders.Item{
					UnitID:    u.ID,
					ProductID: u.ProductID,
					UnitPrice: line.UnitPrice,
					Payload:   u.Payload,
				})
			}
		}

		// 3. Debit
		total := orders.Total(items)
		var balance decimal.Decimal
		if total.IsPositive() {
			balance, err = c.deps.Wallet.Debit(ctx, tx, userID, total, wallet.OrderReference(pur.orderID))
			if err != nil {
				return err
			}
		}

		// 4. Record
		order, err := c.deps.Orders.Record(ctx, tx, orders.Draft{
			ID:             pur.orderID,
			UserID:         userID,
			IdempotencyKey: pur.key,
			Items:          items,
		})
		if err != nil {
			return err
		}

		if pur.clearCart {
			if err := c.deps.Cart.Clear(ctx, tx, userID); err != nil {
				return err
			}
		}

		result = &Result{Order: order, Balance: balance}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if result.Replayed {
		balance, err := c.deps.Wallet.Balance(ctx, userID)
		if err == nil {
			result.Balance = balance
		}
	}
	return result, nil
}

func (c *Coordinator) replay(ctx context.Context, pur purchase) (*Result, error) {
	order, err := c.deps.Orders.FindByIdempotencyKey(ctx, nil, pur.principal.UserID, pur.key)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperrors.New(apperrors.KindConflict, "idempotency key is in use by another request")
	}
	result := &Result{Order: order, Replayed: true}
	if balance, err := c.deps.Wallet.Balance(ctx, pur.principal.UserID); err == nil {
		result.Balance = balance
	}
	return result, nil
}

// mapError keeps business errors as they are and turns everything else into a retryable
// TransactionFailed.
func (c *Coordinator) mapError(log *zap.Logger, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if appErr.Kind == apperrors.KindPersistenceFailure || appErr.Kind == apperrors.KindTransactionFailed {
			log.Error("checkout rolled back", zap.Error(err))
		} else {
			log.Info("checkout rejected", zap.String("kind", string(appErr.Kind)), zap.String("reason", appErr.Message))
		}
		return err
	}

	log.Error("checkout rolled back", zap.Error(err))
	return apperrors.Wrap(apperrors.KindTransactionFailed, "checkout could not be completed", err)
}

func outcome(err error) string {
	if kind := apperrors.KindOf(err); kind != "" {
		return string(kind)
	}
	return "failed"
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
