package topup

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SettlementPolicy decides how much a claim credits when the approver does not say.
type SettlementPolicy interface {
	Settle(claimed decimal.Decimal) decimal.Decimal
}

// FullAmount credits exactly what was claimed.
type FullAmount struct{}

func (FullAmount) Settle(claimed decimal.Decimal) decimal.Decimal {
	return claimed
}

// Percentage credits a fixed share of the claim, rounded to cents.
type Percentage struct {
	Rate decimal.Decimal
}

func (p Percentage) Settle(claimed decimal.Decimal) decimal.Decimal {
	return claimed.Mul(p.Rate).Round(2)
}

// Tier maps a claimed face value to the amount actually received.
type Tier struct {
	Amount  decimal.Decimal
	Receive decimal.Decimal
}

// Table looks the claimed amount up in a discount table, falling back to another policy.
type Table struct {
	Tiers    []Tier
	Fallback SettlementPolicy
}

func (t Table) Settle(claimed decimal.Decimal) decimal.Decimal {
	for _, tier := range t.Tiers {
		if tier.Amount.Equal(claimed) {
			return tier.Receive
		}
	}
	if t.Fallback == nil {
		return claimed
	}
	return t.Fallback.Settle(claimed)
}

// ParsePolicy reads a policy description:
//
//	full
//	percent:0.8
//	table:50000=40000,100000=85000[;percent:0.8]
//
// The optional part after ';' is the table's fallback and defaults to full.
func ParsePolicy(raw string) (SettlementPolicy, error) {
	raw = strings.TrimSpace(raw)
	kind, arg, _ := strings.Cut(raw, ":")

	switch strings.ToLower(kind) {
	case "", "full":
		return FullAmount{}, nil

	case "percent":
		rate, err := decimal.NewFromString(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid settlement rate %q: %w", arg, err)
		}
		if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("settlement rate must be in (0, 1], got %s", rate)
		}
		return Percentage{Rate: rate}, nil

	case "table":
		tiers, fallbackRaw, _ := strings.Cut(arg, ";")
		fallback, err := ParsePolicy(fallbackRaw)
		if err != nil {
			return nil, err
		}
		table := Table{Fallback: fallback}
		for _, pair := range strings.Split(tiers, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			amountStr, receiveStr, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid settlement tier %q", pair)
			}
			amount, err := decimal.NewFromString(strings.TrimSpace(amountStr))
			if err != nil {
				return nil, fmt.Errorf("invalid tier amount %q: %w", amountStr, err)
			}
			receive, err := decimal.NewFromString(strings.TrimSpace(receiveStr))
			if err != nil {
				return nil, fmt.Errorf("invalid tier receive amount %q: %w", receiveStr, err)
			}
			if !amount.IsPositive() || !receive.IsPositive() {
				return nil, fmt.Errorf("settlement tier %q must be positive", pair)
			}
			table.Tiers = append(table.Tiers, Tier{Amount: amount, Receive: receive})
		}
		if len(table.Tiers) == 0 {
			return nil, fmt.Errorf("settlement table has no tiers")
		}
		return table, nil
	}

	return nil, fmt.Errorf("unknown settlement policy %q", kind)
}
