//go:build integration_test

package demo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Walks a full battle royale match against a running server:
// onboarding, room setup, funding, rounds, and resolution.
//
//	CONFIG_PATH=config.yaml go run ./cmd &
//	go test -tags integration_test ./test/demo
const baseURL = "http://localhost:8080"

func TestMatchWalkthrough(t *testing.T) {
	seedQuestions(t, 5)

	host := registerUser(t, "host", "ref-host")
	players := []string{
		registerUser(t, "alice", "ref-alice"),
		registerUser(t, "bob", "ref-bob"),
		registerUser(t, "carol", "ref-carol"),
	}

	// Room setup: create, join, lock.
	var code string
	{
		resp := post(t, "/v1/rooms", map[string]any{
			"host_user_id": host,
			"mode":         "battle_royale",
			"entry_fee":    "5",
		})
		code = resp["room"].(map[string]any)["code"].(string)
		t.Logf("room created: %s", code)
	}

	for _, p := range players {
		post(t, fmt.Sprintf("/v1/rooms/%s/join", code), map[string]any{"user_id": p})
	}
	post(t, fmt.Sprintf("/v1/rooms/%s/lock", code), map[string]any{"host_user_id": host})

	// Everyone funds concurrently; the last call flips the room to funded.
	{
		var eg errgroup.Group
		all := append([]string{host}, players...)
		for i, u := range all {
			i, u := i, u
			eg.Go(func() error {
				_, err := tryPost(fmt.Sprintf("/v1/rooms/%s/fund", code), map[string]any{
					"user_id":   u,
					"proof_ref": fmt.Sprintf("0xproof%d", i),
				})
				return err
			})
		}
		require.NoError(t, eg.Wait())
	}

	post(t, fmt.Sprintf("/v1/rooms/%s/start", code), map[string]any{"host_user_id": host})

	// Play three rounds. Players answer "A" blindly; the reveal after
	// close tells us who survived.
	for n := 1; n <= 3; n++ {
		resp := post(t, fmt.Sprintf("/v1/rooms/%s/rounds", code), map[string]any{"round_number": n})
		round := resp["round"].(map[string]any)
		roundID := round["round_id"].(string)
		t.Logf("round %d: %s", n, round["question"].(map[string]any)["text"])

		for _, p := range players {
			resp, err := tryPost(fmt.Sprintf("/v1/rounds/%s/answers", roundID), map[string]any{
				"user_id":         p,
				"selected_option": "A",
				"time_ms":         1500,
			})
			if err != nil {
				t.Logf("user %s could not answer: %v", p, err)
				continue
			}
			t.Logf("user %s answered: correct=%v eliminated=%v", p, resp["correct"], resp["eliminated"])
		}

		if _, err := tryPost(fmt.Sprintf("/v1/rounds/%s/close", roundID), nil); err != nil {
			t.Logf("close round: %v", err)
			break
		}

		time.Sleep(500 * time.Millisecond)
	}

	// Host ends the match; outcome and settlement follow.
	if resp, err := tryPost(fmt.Sprintf("/v1/rooms/%s/finish", code), map[string]any{"host_user_id": host}); err == nil {
		t.Logf("winner: %v, pool: %v", resp["winner_user_id"], resp["pool_amount"])
	} else {
		t.Logf("finish: %v (match may have resolved itself)", err)
	}

	// Codes are case-insensitive on the wire.
	state := get(t, fmt.Sprintf("/v1/rooms/%s", strings.ToLower(code)))
	require.Equal(t, "finished", state["room"].(map[string]any)["status"].(string))
}

// Everyone may fund while the room is still open for joining. Locking
// afterwards must complete the escrow on its own: no fund call is left
// to trigger the funded transition.
func TestFundBeforeLock(t *testing.T) {
	seedQuestions(t, 5)

	host := registerUser(t, "early-host", "ref-eh")
	player := registerUser(t, "early-player", "ref-ep")

	resp := post(t, "/v1/rooms", map[string]any{
		"host_user_id": host,
		"mode":         "battle_royale",
		"entry_fee":    "5",
	})
	code := resp["room"].(map[string]any)["code"].(string)

	post(t, fmt.Sprintf("/v1/rooms/%s/join", code), map[string]any{"user_id": player})
	post(t, fmt.Sprintf("/v1/rooms/%s/fund", code), map[string]any{"user_id": host, "proof_ref": "0xeh"})
	post(t, fmt.Sprintf("/v1/rooms/%s/fund", code), map[string]any{"user_id": player, "proof_ref": "0xep"})

	locked := post(t, fmt.Sprintf("/v1/rooms/%s/lock", code), map[string]any{"host_user_id": host})
	room := locked["room"].(map[string]any)
	require.Equal(t, "funded", room["status"].(string))
	require.Equal(t, "10", room["pool_amount"].(string))

	post(t, fmt.Sprintf("/v1/rooms/%s/start", code), map[string]any{"host_user_id": host})
	state := get(t, fmt.Sprintf("/v1/rooms/%s", code))
	require.Equal(t, "active", state["room"].(map[string]any)["status"].(string))
}

// A round left open at finish treats silence like a wrong answer: both
// players here go out on timeout, so the prize defaults to the host.
func TestSilentPlayersLoseOnFinish(t *testing.T) {
	seedQuestions(t, 5)

	host := registerUser(t, "quiet-host", "ref-qh")
	players := []string{
		registerUser(t, "quiet-a", "ref-qa"),
		registerUser(t, "quiet-b", "ref-qb"),
	}

	resp := post(t, "/v1/rooms", map[string]any{
		"host_user_id": host,
		"mode":         "battle_royale",
		"entry_fee":    "1",
	})
	code := resp["room"].(map[string]any)["code"].(string)

	for _, p := range players {
		post(t, fmt.Sprintf("/v1/rooms/%s/join", code), map[string]any{"user_id": p})
	}
	post(t, fmt.Sprintf("/v1/rooms/%s/lock", code), map[string]any{"host_user_id": host})
	for i, u := range append([]string{host}, players...) {
		post(t, fmt.Sprintf("/v1/rooms/%s/fund", code), map[string]any{
			"user_id": u, "proof_ref": fmt.Sprintf("0xq%d", i),
		})
	}
	post(t, fmt.Sprintf("/v1/rooms/%s/start", code), map[string]any{"host_user_id": host})

	resp = post(t, fmt.Sprintf("/v1/rooms/%s/rounds", code), map[string]any{"round_number": 1})
	roundID := resp["round"].(map[string]any)["round_id"].(string)

	// The host is not on the roster and may not answer.
	_, err := tryPost(fmt.Sprintf("/v1/rounds/%s/answers", roundID), map[string]any{
		"user_id": host, "selected_option": "A", "time_ms": 100,
	})
	require.Error(t, err)

	finished := post(t, fmt.Sprintf("/v1/rooms/%s/finish", code), map[string]any{"host_user_id": host})
	require.Equal(t, true, finished["winner_is_host"])
	require.Equal(t, host, finished["winner_user_id"])
}

func seedQuestions(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		post(t, "/v1/questions", map[string]any{
			"category":   "general",
			"difficulty": "easy",
			"text":       fmt.Sprintf("Demo question %d at %d?", i, time.Now().UnixNano()),
			"options": map[string]string{
				"A": "first", "B": "second", "C": "third", "D": "fourth",
			},
			"correct_option": "A",
		})
	}
}

func registerUser(t *testing.T, username, ref string) string {
	resp := post(t, "/v1/users", map[string]any{
		"username":    username + fmt.Sprint(time.Now().UnixNano()),
		"payable_ref": ref + fmt.Sprint(time.Now().UnixNano()),
	})
	return resp["user_id"].(string)
}

func post(t *testing.T, path string, body map[string]any) map[string]any {
	resp, err := tryPost(path, body)
	require.NoError(t, err)
	return resp
}

func tryPost(path string, body map[string]any) (map[string]any, error) {
	if body == nil {
		body = map[string]any{}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status %d: %v", path, resp.StatusCode, out["error"])
	}

	return out, nil
}

func get(t *testing.T, path string) map[string]any {
	resp, err := http.Get(baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Less(t, resp.StatusCode, 300)

	return out
}
