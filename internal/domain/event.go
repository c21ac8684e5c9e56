package domain

import "github.com/shopspring/decimal"

const (
	EventNameRoomLocked         = "room.locked"
	EventNameMatchFinished      = "match.finished"
	EventNameStandingUpdated    = "standing.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventRoomLocked fires when a host locks a room for funding. The
// settlement coordinator registers the match with the gateway on it.
type EventRoomLocked struct {
	Room Room
}

func (EventRoomLocked) Name() string { return EventNameRoomLocked }

// EventMatchFinished fires exactly once per room, after the winner is
// recorded. WinnerPayableRef is the winner's identity on the settlement
// gateway.
type EventMatchFinished struct {
	Room             Room
	WinnerUserID     string
	WinnerPayableRef string
	PoolAmount       decimal.Decimal
}

func (EventMatchFinished) Name() string { return EventNameMatchFinished }

type EventStandingUpdated struct {
	Standing Standing
}

func (EventStandingUpdated) Name() string { return EventNameStandingUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
