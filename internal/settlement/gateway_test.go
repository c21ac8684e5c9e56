package settlement_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/triviapool/engine/internal/settlement"
)

func TestHTTPGateway_SetWinner(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]string{"receipt": "0xabc"})
	}))
	defer srv.Close()

	gw := settlement.NewHTTPGateway(settlement.GatewayConfig{
		BaseURL: srv.URL,
		APIKey:  "secret",
	})

	receipt, err := gw.SetWinner(context.Background(), "AB12CD", "ref-winner")
	require.NoError(t, err)
	require.Equal(t, "0xabc", receipt)
	require.Equal(t, "/v1/matches/AB12CD/winner", gotPath)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "ref-winner", gotBody["winner"])
}

func TestHTTPGateway_RegisterMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/matches", r.URL.Path)

		var req settlement.RegisterMatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "AB12CD", req.RoomCode)
		require.Equal(t, 4, req.PlayerCount)

		json.NewEncoder(w).Encode(map[string]string{"receipt": "match-1"})
	}))
	defer srv.Close()

	gw := settlement.NewHTTPGateway(settlement.GatewayConfig{BaseURL: srv.URL})

	receipt, err := gw.RegisterMatch(context.Background(), settlement.RegisterMatchRequest{
		RoomCode:    "AB12CD",
		PlayerCount: 4,
		EntryAmount: decimal.NewFromInt(5),
		PlatformFee: decimal.NewFromFloat(0.5),
	})
	require.NoError(t, err)
	require.Equal(t, "match-1", receipt)
}

func TestHTTPGateway_RejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := settlement.NewHTTPGateway(settlement.GatewayConfig{BaseURL: srv.URL})

	_, err := gw.SettlePool(context.Background(), "AB12CD", "ref-winner")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 502")
}
