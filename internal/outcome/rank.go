package outcome

import (
	"sort"

	"github.com/triviapool/engine/internal/domain"
)

// Rank orders players by descending correct-answer count, then ascending
// cumulative answer latency, then join time as a stable final tie-break.
func Rank(players []domain.Player) []domain.Player {
	ranked := make([]domain.Player, len(players))
	copy(ranked, players)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].CorrectCount != ranked[j].CorrectCount {
			return ranked[i].CorrectCount > ranked[j].CorrectCount
		}
		if ranked[i].TotalTimeMS != ranked[j].TotalTimeMS {
			return ranked[i].TotalTimeMS < ranked[j].TotalTimeMS
		}
		return ranked[i].JoinTime.Before(ranked[j].JoinTime)
	})

	return ranked
}

// PickWinner applies the mode-specific rules. ok=false means no player
// qualifies and the host wins by default.
func PickWinner(mode string, players []domain.Player) (winnerID string, ok bool) {
	if mode == domain.ModeBattleRoyale {
		var active []domain.Player
		for _, p := range players {
			if p.Status != domain.PlayerEliminated {
				active = append(active, p)
			}
		}

		switch len(active) {
		case 0:
			return "", false
		case 1:
			return active[0].UserID, true
		default:
			return Rank(active)[0].UserID, true
		}
	}

	if len(players) == 0 {
		return "", false
	}

	return Rank(players)[0].UserID, true
}
