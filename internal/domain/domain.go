package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Match modes.
const (
	ModeBattleRoyale = "battle_royale"
	ModeQuickPlay    = "quick_play"
)

// Room lifecycle. Transitions are one-directional:
// waiting -> funding_pending -> funded -> active -> finished.
const (
	RoomWaiting        = "waiting"
	RoomFundingPending = "funding_pending"
	RoomFunded         = "funded"
	RoomActive         = "active"
	RoomFinished       = "finished"
)

// Player-in-room lifecycle.
const (
	PlayerJoined     = "joined"
	PlayerActive     = "active"
	PlayerEliminated = "eliminated"
	PlayerSurvivor   = "survivor"
)

// Recorded cause of an elimination.
const (
	CauseWrongAnswer  = "wrong_answer"
	CauseTimeout      = "timeout"
	CauseDisqualified = "disqualified"
)

// Room is one match instance, identified by a short shareable code.
// The host is tracked on the room itself, not as a Player.
type Room struct {
	RoomID       string
	Code         string
	Mode         string
	Status       string
	EntryFee     decimal.Decimal
	PoolAmount   decimal.Decimal
	PlatformFee  decimal.Decimal
	PlayerCount  int
	HostUserID   string
	HostFunded   bool
	HostProofRef string
	WinnerUserID string
	Settled      bool
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Player is a participant's per-match record, unique per (room, user).
type Player struct {
	RoomID           string
	UserID           string
	Status           string
	Funded           bool
	ProofRef         string
	CorrectCount     int
	TotalTimeMS      int64
	EliminationCause string
	JoinTime         time.Time
	EliminatedAt     *time.Time
}

// Round is one question's lifecycle within a match. At most one round
// per room has a nil ClosedAt at any time.
type Round struct {
	RoundID    string
	RoomID     string
	Number     int
	QuestionID string
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// Answer is a player's response to a round. Immutable once created,
// unique per (round, player).
type Answer struct {
	RoundID        string
	UserID         string
	SelectedOption string
	Correct        bool
	TimeMS         int64
	SubmittedAt    time.Time
}

type Question struct {
	QuestionID    string
	Category      string
	Difficulty    string
	Text          string
	Options       map[string]string
	CorrectOption string
	TimesUsed     int
	LastUsedAt    *time.Time
}

// PredictionPool is the side market on a match winner, at most one per room.
type PredictionPool struct {
	PoolID        string
	RoomID        string
	TotalStake    decimal.Decimal
	Settled       bool
	WinnerUserID  string
	WinnerBonus   decimal.Decimal
	PredictorPool decimal.Decimal
	SettlementRef string
	OpenedAt      time.Time
	ClosedAt      *time.Time
	SettledAt     *time.Time
}

type Prediction struct {
	PredictionID string
	PoolID       string
	BettorID     string
	TargetUserID string
	Stake        decimal.Decimal
	Correct      *bool
	Payout       decimal.Decimal
	Claimed      bool
	CreatedAt    time.Time
}

// Standing is a user's lifetime win/games/earnings aggregate.
type Standing struct {
	UserID   string
	Wins     int64
	Games    int64
	Earnings decimal.Decimal
}

// Leaderboard is the earnings-ordered view over standings.
type Leaderboard struct {
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	UserID   string
	Wins     int64
	Games    int64
	Earnings decimal.Decimal
}
