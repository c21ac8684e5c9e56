package prediction_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/triviapool/engine/internal/prediction"
)

func TestSplitPool(t *testing.T) {
	d := func(s string) decimal.Decimal {
		v, err := decimal.NewFromString(s)
		require.NoError(t, err)
		return v
	}

	tests := map[string]struct {
		total        decimal.Decimal
		bonusPercent int64
		correct      int

		wantBonus     decimal.Decimal
		wantPool      decimal.Decimal
		wantPerBettor decimal.Decimal
	}{
		"ten units, three correct bettors": {
			total:        d("10"),
			bonusPercent: 10,
			correct:      3,

			wantBonus:     d("1"),
			wantPool:      d("9"),
			wantPerBettor: d("3"),
		},

		"single correct bettor takes the whole predictor pool": {
			total:        d("50"),
			bonusPercent: 10,
			correct:      1,

			wantBonus:     d("5"),
			wantPool:      d("45"),
			wantPerBettor: d("45"),
		},

		"nobody correct, winner bonus still reserved": {
			total:        d("20"),
			bonusPercent: 10,
			correct:      0,

			wantBonus:     d("2"),
			wantPool:      d("18"),
			wantPerBettor: decimal.Zero,
		},

		"empty pool splits to zero": {
			total:        decimal.Zero,
			bonusPercent: 10,
			correct:      2,

			wantBonus:     decimal.Zero,
			wantPool:      decimal.Zero,
			wantPerBettor: decimal.Zero,
		},

		"uneven split rounds to eight decimal places": {
			total:        d("1"),
			bonusPercent: 10,
			correct:      3,

			wantBonus:     d("0.1"),
			wantPool:      d("0.9"),
			wantPerBettor: d("0.3"),
		},

		"custom bonus percent": {
			total:        d("100"),
			bonusPercent: 25,
			correct:      5,

			wantBonus:     d("25"),
			wantPool:      d("75"),
			wantPerBettor: d("15"),
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			bonus, pool, per := prediction.SplitPool(tt.total, tt.bonusPercent, tt.correct)

			require.True(t, tt.wantBonus.Equal(bonus), "bonus: want %s, got %s", tt.wantBonus, bonus)
			require.True(t, tt.wantPool.Equal(pool), "pool: want %s, got %s", tt.wantPool, pool)
			require.True(t, tt.wantPerBettor.Equal(per), "per bettor: want %s, got %s", tt.wantPerBettor, per)
		})
	}
}
