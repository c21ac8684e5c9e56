package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow interface to the external escrow/payout system.
// Every call is idempotent per room and safe to retry.
type Gateway interface {
	RegisterMatch(ctx context.Context, req RegisterMatchRequest) (receipt string, err error)
	SetWinner(ctx context.Context, roomCode, winnerPayableRef string) (receipt string, err error)
	OpenPool(ctx context.Context, roomCode string, playerRefs []string) (receipt string, err error)
	SettlePool(ctx context.Context, roomCode, winnerPayableRef string) (receipt string, err error)
}

type RegisterMatchRequest struct {
	RoomCode    string          `json:"room_code"`
	PlayerCount int             `json:"player_count"`
	EntryAmount decimal.Decimal `json:"entry_amount"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
}

type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway is the long-lived gateway client: constructed once at
// startup and reused across calls. Calls carry a bounded timeout so a
// stalled gateway degrades to a recorded failure instead of blocking
// gameplay.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(c GatewayConfig) *HTTPGateway {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}

	return &HTTPGateway{
		baseURL: c.BaseURL,
		apiKey:  c.APIKey,
		client:  &http.Client{Timeout: c.Timeout},
	}
}

func (g *HTTPGateway) RegisterMatch(ctx context.Context, req RegisterMatchRequest) (string, error) {
	return g.post(ctx, "/v1/matches", req)
}

func (g *HTTPGateway) SetWinner(ctx context.Context, roomCode, winnerPayableRef string) (string, error) {
	return g.post(ctx, fmt.Sprintf("/v1/matches/%s/winner", roomCode), map[string]string{
		"winner": winnerPayableRef,
	})
}

func (g *HTTPGateway) OpenPool(ctx context.Context, roomCode string, playerRefs []string) (string, error) {
	return g.post(ctx, fmt.Sprintf("/v1/matches/%s/pool", roomCode), map[string]any{
		"players": playerRefs,
	})
}

func (g *HTTPGateway) SettlePool(ctx context.Context, roomCode, winnerPayableRef string) (string, error) {
	return g.post(ctx, fmt.Sprintf("/v1/matches/%s/pool/settle", roomCode), map[string]string{
		"winner": winnerPayableRef,
	})
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("gateway: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway: %s: unexpected status %d", path, resp.StatusCode)
	}

	var out struct {
		Receipt string `json:"receipt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("gateway: decode response: %w", err)
	}

	return out.Receipt, nil
}
