package answer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/outcome"
	"github.com/triviapool/engine/internal/round"
	"github.com/triviapool/engine/internal/store"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB       *pgxpool.Pool
	Resolver *outcome.Service
}

// Service adjudicates a single submitted answer: validation, scoring,
// and the elimination policy. It also handles the anti-cheat
// disqualification side channel.
type Service struct {
	db       *pgxpool.Pool
	resolver *outcome.Service
}

func NewService(c Config) *Service {
	return &Service{db: c.DB, resolver: c.Resolver}
}

type SubmitAnswerRequest struct {
	RoundID        string
	UserID         string
	SelectedOption string
	TimeMS         int64
}

type SubmitAnswerResponse struct {
	Correct bool
	// CorrectOption is revealed to the submitting caller only, never
	// broadcast before submission.
	CorrectOption string
	Eliminated    bool
	MatchEnded    bool
}

// SubmitAnswer records the player's answer exactly once. The second
// submission for the same (round, player) loses at the storage layer's
// uniqueness constraint, which closes the race window an application
// check would leave open.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	if !round.ValidOption(req.SelectedOption) {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown option: %s", req.SelectedOption))
	}
	if req.TimeMS < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("latency must not be negative"))
	}

	rd, err := s.loadRound(ctx, req.RoundID)
	if err != nil {
		return nil, err
	}
	if rd.Closed {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("round has already closed"))
	}

	correct := req.SelectedOption == rd.CorrectOption

	eliminated, err := s.persistAnswer(ctx, rd, req, correct)
	if err != nil {
		return nil, err
	}

	resp := &SubmitAnswerResponse{Correct: correct, CorrectOption: rd.CorrectOption, Eliminated: eliminated}

	if eliminated {
		res, err := s.resolver.ResolveIfDecided(ctx, rd.RoomCode)
		if err != nil {
			return nil, err
		}
		resp.MatchEnded = res != nil
	}

	return resp, nil
}

func (s *Service) persistAnswer(ctx context.Context, rd *roundInfo, req SubmitAnswerRequest, correct bool) (eliminated bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	// Only rostered players may answer. Anyone else (host, bettor,
	// spectator) would otherwise learn the correct label mid-round.
	var playerStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM room_players WHERE room_id = $1 AND user_id = $2`,
		rd.RoomID, req.UserID).Scan(&playerStatus)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, errors.New(errors.CodeForbidden, errors.WithMessagef("not a player of this match"))
	}
	if err != nil {
		return false, fmt.Errorf("load player: %w", err)
	}
	if playerStatus == domain.PlayerEliminated {
		return false, errors.New(errors.CodeInvalidState, errors.WithMessagef("player has been eliminated"))
	}

	_, err = tx.Exec(ctx, `
INSERT INTO answers (round_id, user_id, selected_option, is_correct, time_ms)
VALUES ($1, $2, $3, $4, $5);`,
		req.RoundID, req.UserID, req.SelectedOption, correct, req.TimeMS)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return false, errors.New(errors.CodeAlreadyDone,
			errors.WithMessagef("answer already submitted: round=%s user=%s", req.RoundID, req.UserID),
			errors.WithCause(err))
	}
	if err != nil {
		return false, fmt.Errorf("insert answer: %w", err)
	}

	if correct {
		if _, err := tx.Exec(ctx, `
UPDATE room_players SET correct_count = correct_count + 1, total_time_ms = total_time_ms + $3
WHERE room_id = $1 AND user_id = $2;`,
			rd.RoomID, req.UserID, req.TimeMS); err != nil {
			return false, fmt.Errorf("update player stats: %w", err)
		}
	} else if rd.Mode == domain.ModeBattleRoyale {
		tag, err := tx.Exec(ctx, `
UPDATE room_players SET status = $3, elimination_cause = $4, eliminated_at = now()
WHERE room_id = $1 AND user_id = $2 AND status = $5;`,
			rd.RoomID, req.UserID, domain.PlayerEliminated, domain.CauseWrongAnswer, domain.PlayerActive)
		if err != nil {
			return false, fmt.Errorf("eliminate player: %w", err)
		}
		eliminated = tag.RowsAffected() > 0
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	return eliminated, nil
}

type DisqualifyRequest struct {
	Code   string
	UserID string
	Reason string
}

type DisqualifyResponse struct {
	MatchEnded   bool
	WinnerUserID string
}

// Disqualify records an anti-cheat elimination. It reuses the
// elimination state with a distinct cause, and resolves the match
// immediately when the field drops to at most one player.
func (s *Service) Disqualify(ctx context.Context, req DisqualifyRequest) (*DisqualifyResponse, error) {
	var roomID, status string
	err := s.db.QueryRow(ctx, `SELECT room_id, status FROM rooms WHERE code = $1`, req.Code).Scan(&roomID, &status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	if status != domain.RoomActive {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("match is not active"))
	}

	tag, err := s.db.Exec(ctx, `
UPDATE room_players SET status = $3, elimination_cause = $4, eliminated_at = now()
WHERE room_id = $1 AND user_id = $2 AND status <> $3;`,
		roomID, req.UserID, domain.PlayerEliminated, domain.CauseDisqualified)
	if err != nil {
		return nil, fmt.Errorf("disqualify player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no active player to disqualify"))
	}

	if err := store.RecordAudit(ctx, s.db, roomID, req.UserID, "player_disqualified", map[string]any{
		"reason": req.Reason,
	}); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "answer: player disqualified", "room", req.Code, "user", req.UserID, "reason", req.Reason)

	res, err := s.resolver.ResolveIfDecided(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &DisqualifyResponse{}, nil
	}

	return &DisqualifyResponse{MatchEnded: true, WinnerUserID: res.WinnerUserID}, nil
}

type roundInfo struct {
	RoundID       string
	RoomID        string
	RoomCode      string
	Mode          string
	Closed        bool
	CorrectOption string
}

func (s *Service) loadRound(ctx context.Context, roundID string) (*roundInfo, error) {
	const stmt = `
SELECT rd.round_id, rd.room_id, r.code, r.mode, rd.closed_at IS NOT NULL, q.correct_option
FROM rounds rd
JOIN rooms r ON r.room_id = rd.room_id
JOIN questions q ON q.question_id = rd.question_id
WHERE rd.round_id = $1;`

	var rd roundInfo
	err := s.db.QueryRow(ctx, stmt, roundID).
		Scan(&rd.RoundID, &rd.RoomID, &rd.RoomCode, &rd.Mode, &rd.Closed, &rd.CorrectOption)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("round not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}

	return &rd, nil
}
