package room_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/triviapool/engine/internal/room"
)

func TestPoolAmount(t *testing.T) {
	tests := map[string]struct {
		entryFee    string
		playerCount int
		want        string
	}{
		"three players plus host": {entryFee: "5", playerCount: 3, want: "20"},
		"single player":           {entryFee: "10", playerCount: 1, want: "20"},
		"fractional fee":          {entryFee: "2.5", playerCount: 3, want: "10"},
		"free room":               {entryFee: "0", playerCount: 4, want: "0"},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			fee := decimal.RequireFromString(tt.entryFee)
			got := room.PoolAmount(fee, tt.playerCount)
			require.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"pool = %s, want %s", got, tt.want)
		})
	}
}
