package outcome_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/outcome"
)

func TestRank(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	player := func(id string, correct int, timeMS int64, joinOffset time.Duration) domain.Player {
		return domain.Player{
			UserID:       id,
			Status:       domain.PlayerActive,
			CorrectCount: correct,
			TotalTimeMS:  timeMS,
			JoinTime:     base.Add(joinOffset),
		}
	}

	tests := map[string]struct {
		players []domain.Player
		want    []string
	}{
		"more correct answers wins": {
			players: []domain.Player{
				player("u1", 3, 1000, 0),
				player("u2", 5, 9000, time.Minute),
			},
			want: []string{"u2", "u1"},
		},

		"equal correct answers, lower cumulative latency wins": {
			players: []domain.Player{
				player("u1", 4, 7200, 0),
				player("u2", 4, 3100, time.Minute),
			},
			want: []string{"u2", "u1"},
		},

		"full tie breaks on earlier join time": {
			players: []domain.Player{
				player("u1", 4, 5000, 2*time.Minute),
				player("u2", 4, 5000, time.Minute),
			},
			want: []string{"u2", "u1"},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			ranked := outcome.Rank(tt.players)

			got := make([]string, 0, len(ranked))
			for _, p := range ranked {
				got = append(got, p.UserID)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPickWinner(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	player := func(id, status string, correct int, timeMS int64) domain.Player {
		return domain.Player{
			UserID:       id,
			Status:       status,
			CorrectCount: correct,
			TotalTimeMS:  timeMS,
			JoinTime:     base,
		}
	}

	tests := map[string]struct {
		mode    string
		players []domain.Player
		wantID  string
		wantOK  bool
	}{
		"battle royale: single survivor wins outright regardless of score": {
			mode: domain.ModeBattleRoyale,
			players: []domain.Player{
				player("u1", domain.PlayerEliminated, 9, 100),
				player("u2", domain.PlayerActive, 0, 9999),
			},
			wantID: "u2",
			wantOK: true,
		},

		"battle royale: multiple survivors ranked by score": {
			mode: domain.ModeBattleRoyale,
			players: []domain.Player{
				player("u1", domain.PlayerActive, 2, 100),
				player("u2", domain.PlayerActive, 5, 200),
				player("u3", domain.PlayerEliminated, 8, 50),
			},
			wantID: "u2",
			wantOK: true,
		},

		"battle royale: everyone eliminated, host wins by default": {
			mode: domain.ModeBattleRoyale,
			players: []domain.Player{
				player("u1", domain.PlayerEliminated, 3, 100),
				player("u2", domain.PlayerEliminated, 3, 200),
			},
			wantID: "",
			wantOK: false,
		},

		"quick play: eliminated players still rank": {
			mode: domain.ModeQuickPlay,
			players: []domain.Player{
				player("u1", domain.PlayerEliminated, 7, 100),
				player("u2", domain.PlayerActive, 4, 100),
			},
			wantID: "u1",
			wantOK: true,
		},

		"quick play: empty roster falls back to host": {
			mode:    domain.ModeQuickPlay,
			players: nil,
			wantID:  "",
			wantOK:  false,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			id, ok := outcome.PickWinner(tt.mode, tt.players)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantID, id)
		})
	}
}
