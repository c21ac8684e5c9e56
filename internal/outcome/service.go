package outcome

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/event"
	"github.com/triviapool/engine/internal/store"
)

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
}

// Service resolves the match outcome once a termination condition is
// detected: last player standing, round budget exhausted, or an explicit
// host finish.
type Service struct {
	db *pgxpool.Pool
	eb *event.Bus
}

func NewService(c Config) *Service {
	return &Service{db: c.DB, eb: c.EventBus}
}

type Result struct {
	Room         domain.Room
	WinnerUserID string
	WinnerIsHost bool
	PoolAmount   decimal.Decimal
}

type FinishRequest struct {
	Code       string
	HostUserID string
}

// Finish is the host-triggered termination.
func (s *Service) Finish(ctx context.Context, req FinishRequest) (*Result, error) {
	var hostID, status string
	err := s.db.QueryRow(ctx, `SELECT host_user_id, status FROM rooms WHERE code = $1`, req.Code).Scan(&hostID, &status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	if hostID != req.HostUserID {
		return nil, errors.New(errors.CodeForbidden, errors.WithMessagef("only the host can finish the match"))
	}
	if status != domain.RoomActive {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("match is not active"))
	}

	return s.Resolve(ctx, req.Code)
}

// Resolve computes and records the match outcome. It is safe to invoke
// twice: a room that is already finished resolves to its recorded
// winner with no further state change.
func (s *Service) Resolve(ctx context.Context, code string) (_ *Result, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	r, err := s.lockRoom(ctx, tx, code)
	if err != nil {
		return nil, err
	}

	if r.Status == domain.RoomFinished {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &Result{Room: *r, WinnerUserID: r.WinnerUserID, WinnerIsHost: r.WinnerUserID == r.HostUserID, PoolAmount: r.PoolAmount}, nil
	}
	if r.Status != domain.RoomActive {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("match is not active"))
	}

	// At most one open round exists; close it. A missing answer counts
	// the same as a wrong one, so in battle royale silent players of the
	// closed round are eliminated before the winner is picked.
	rows, err := tx.Query(ctx,
		`UPDATE rounds SET closed_at = now() WHERE room_id = $1 AND closed_at IS NULL RETURNING round_id`, r.RoomID)
	if err != nil {
		return nil, fmt.Errorf("close rounds: %w", err)
	}
	closed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if r.Mode == domain.ModeBattleRoyale {
		for _, roundID := range closed {
			if _, err := tx.Exec(ctx, `
UPDATE room_players p SET status = $3, elimination_cause = $4, eliminated_at = now()
WHERE p.room_id = $1 AND p.status = $5
	AND NOT EXISTS (SELECT 1 FROM answers a WHERE a.round_id = $2 AND a.user_id = p.user_id);`,
				r.RoomID, roundID, domain.PlayerEliminated, domain.CauseTimeout, domain.PlayerActive); err != nil {
				return nil, fmt.Errorf("eliminate on timeout: %w", err)
			}
		}
	}

	players, err := s.listPlayers(ctx, tx, r.RoomID)
	if err != nil {
		return nil, err
	}

	winnerID, ok := PickWinner(r.Mode, players)
	winnerIsHost := !ok
	if winnerIsHost {
		winnerID = r.HostUserID
	}

	tag, err := tx.Exec(ctx,
		`UPDATE rooms SET status = $2, winner_user_id = $3, finished_at = now() WHERE room_id = $1 AND status = $4`,
		r.RoomID, domain.RoomFinished, winnerID, domain.RoomActive)
	if err != nil {
		return nil, fmt.Errorf("finish room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race against another termination trigger.
		return nil, errors.New(errors.CodeAlreadyDone, errors.WithMessagef("match already resolved"))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE room_players SET status = $2 WHERE room_id = $1 AND status = $3`,
		r.RoomID, domain.PlayerSurvivor, domain.PlayerActive); err != nil {
		return nil, fmt.Errorf("mark survivors: %w", err)
	}

	standings, err := s.updateStandings(ctx, tx, r, players, winnerID)
	if err != nil {
		return nil, err
	}

	var payableRef string
	if err := tx.QueryRow(ctx, `SELECT payable_ref FROM users WHERE user_id = $1`, winnerID).Scan(&payableRef); err != nil {
		return nil, fmt.Errorf("load winner payable ref: %w", err)
	}

	if err := store.RecordAudit(ctx, tx, r.RoomID, winnerID, "match_won", map[string]any{
		"room_code":    r.Code,
		"prize_amount": r.PoolAmount.String(),
		"is_host":      winnerIsHost,
	}); err != nil {
		return nil, err
	}

	updated := *r
	updated.Status = domain.RoomFinished
	updated.WinnerUserID = winnerID

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "outcome: match resolved", "room", r.Code, "winner", winnerID, "is_host", winnerIsHost)

	s.eb.Publish(ctx, domain.EventMatchFinished{
		Room:             updated,
		WinnerUserID:     winnerID,
		WinnerPayableRef: payableRef,
		PoolAmount:       r.PoolAmount,
	})
	for _, st := range standings {
		s.eb.Publish(ctx, domain.EventStandingUpdated{Standing: st})
	}

	return &Result{Room: updated, WinnerUserID: winnerID, WinnerIsHost: winnerIsHost, PoolAmount: r.PoolAmount}, nil
}

// ResolveIfDecided terminates the match when at most one non-eliminated
// player remains in battle royale. Used by the adjudicator after an
// elimination; a no-op in quick play or while the field is still open.
func (s *Service) ResolveIfDecided(ctx context.Context, code string) (*Result, error) {
	var mode, status, roomID string
	err := s.db.QueryRow(ctx, `SELECT room_id, mode, status FROM rooms WHERE code = $1`, code).Scan(&roomID, &mode, &status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	if mode != domain.ModeBattleRoyale || status != domain.RoomActive {
		return nil, nil
	}

	var remaining int
	err = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM room_players WHERE room_id = $1 AND status <> $2`,
		roomID, domain.PlayerEliminated).Scan(&remaining)
	if err != nil {
		return nil, fmt.Errorf("count remaining: %w", err)
	}
	if remaining > 1 {
		return nil, nil
	}

	res, err := s.Resolve(ctx, code)
	if errors.IsCode(err, errors.CodeAlreadyDone) {
		return nil, nil
	}

	return res, err
}

func (s *Service) lockRoom(ctx context.Context, tx pgx.Tx, code string) (*domain.Room, error) {
	const stmt = `
SELECT room_id, code, mode, status, entry_fee, pool_amount, platform_fee, player_count,
	host_user_id, COALESCE(winner_user_id::text, '')
FROM rooms WHERE code = $1 FOR UPDATE;`

	var r domain.Room
	err := tx.QueryRow(ctx, stmt, code).Scan(
		&r.RoomID, &r.Code, &r.Mode, &r.Status, &r.EntryFee, &r.PoolAmount, &r.PlatformFee, &r.PlayerCount,
		&r.HostUserID, &r.WinnerUserID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("lock room: %w", err)
	}

	return &r, nil
}

func (s *Service) listPlayers(ctx context.Context, tx pgx.Tx, roomID string) ([]domain.Player, error) {
	const stmt = `
SELECT room_id, user_id, status, correct_count, total_time_ms, join_time
FROM room_players WHERE room_id = $1 ORDER BY join_time ASC;`

	rows, err := tx.Query(ctx, stmt, roomID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Player, error) {
		var p domain.Player
		err := row.Scan(&p.RoomID, &p.UserID, &p.Status, &p.CorrectCount, &p.TotalTimeMS, &p.JoinTime)
		return p, err
	})
}

// updateStandings upserts the lifetime aggregates: the winner gains a
// win and the pool, every participant (host included) gains a game.
func (s *Service) updateStandings(ctx context.Context, tx pgx.Tx, r *domain.Room, players []domain.Player, winnerID string) ([]domain.Standing, error) {
	const stmt = `
INSERT INTO standings (user_id, wins, games, earnings, updated_at)
VALUES ($1, $2, 1, $3, now())
ON CONFLICT (user_id)
DO UPDATE SET wins = standings.wins + $2, games = standings.games + 1, earnings = standings.earnings + $3, updated_at = now()
RETURNING user_id, wins, games, earnings;`

	participants := make([]string, 0, len(players)+1)
	for _, p := range players {
		participants = append(participants, p.UserID)
	}
	participants = append(participants, r.HostUserID)

	standings := make([]domain.Standing, 0, len(participants))
	for _, userID := range participants {
		wins, earnings := 0, decimal.Zero
		if userID == winnerID {
			wins = 1
			earnings = r.PoolAmount
		}

		var st domain.Standing
		if err := tx.QueryRow(ctx, stmt, userID, wins, earnings).Scan(&st.UserID, &st.Wins, &st.Games, &st.Earnings); err != nil {
			return nil, fmt.Errorf("upsert standing: %w", err)
		}
		standings = append(standings, st)
	}

	return standings, nil
}
