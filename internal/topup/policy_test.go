package topup

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		raw     string
		claimed int64
		want    string
	}{
		{"", 50000, "50000"},
		{"full", 50000, "50000"},
		{"percent:0.8", 50000, "40000"},
		{"percent:0.333", 10000, "3330"},
		{"table:50000=40000,100000=85000", 100000, "85000"},
		{"table:50000=40000", 20000, "20000"},
		{"table:50000=40000;percent:0.5", 20000, "10000"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			policy, err := ParsePolicy(tt.raw)
			require.NoError(t, err)
			got := policy.Settle(decimal.NewFromInt(tt.claimed))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	for _, raw := range []string{
		"percent:abc",
		"percent:0",
		"percent:1.5",
		"table:",
		"table:50000",
		"table:x=1",
		"table:1=-1",
		"table:1=1;bogus",
		"lottery",
	} {
		_, err := ParsePolicy(raw)
		assert.Error(t, err, raw)
	}
}
