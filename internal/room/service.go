package room

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/event"
	"github.com/triviapool/engine/internal/store"
)

const (
	codeUniqueViolation = "23505"
	maxCodeAttempts     = 10
)

type Config struct {
	DB          *pgxpool.Pool
	EventBus    *event.Bus
	PlatformFee decimal.Decimal
}

// Service owns the room state machine: roster, funding bookkeeping and
// the lifecycle transitions up to `active`.
type Service struct {
	db          *pgxpool.Pool
	eb          *event.Bus
	platformFee decimal.Decimal
}

func NewService(c Config) *Service {
	return &Service{
		db:          c.DB,
		eb:          c.EventBus,
		platformFee: c.PlatformFee,
	}
}

const roomColumns = `room_id, code, mode, status, entry_fee, pool_amount, platform_fee, player_count,
host_user_id, host_funded, COALESCE(host_proof_ref, ''), COALESCE(winner_user_id::text, ''), settled,
created_at, started_at, finished_at`

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var r domain.Room
	err := row.Scan(
		&r.RoomID, &r.Code, &r.Mode, &r.Status, &r.EntryFee, &r.PoolAmount, &r.PlatformFee, &r.PlayerCount,
		&r.HostUserID, &r.HostFunded, &r.HostProofRef, &r.WinnerUserID, &r.Settled,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("scan room: %w", err)
	}

	return &r, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getRoomByCode(ctx context.Context, q querier, code string, forUpdate bool) (*domain.Room, error) {
	stmt := `SELECT ` + roomColumns + ` FROM rooms WHERE code = $1`
	if forUpdate {
		stmt += ` FOR UPDATE`
	}

	return scanRoom(q.QueryRow(ctx, stmt, NormalizeCode(code)))
}

func listPlayers(ctx context.Context, q querier, roomID string) ([]domain.Player, error) {
	const stmt = `
SELECT room_id, user_id, status, funded, COALESCE(proof_ref, ''), correct_count, total_time_ms,
	COALESCE(elimination_cause, ''), join_time, eliminated_at
FROM room_players WHERE room_id = $1 ORDER BY join_time ASC;`

	rows, err := q.Query(ctx, stmt, roomID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Player, error) {
		var p domain.Player
		err := r.Scan(&p.RoomID, &p.UserID, &p.Status, &p.Funded, &p.ProofRef,
			&p.CorrectCount, &p.TotalTimeMS, &p.EliminationCause, &p.JoinTime, &p.EliminatedAt)
		return p, err
	})
}

func userExists(ctx context.Context, q querier, userID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}

	return exists, nil
}

type CreateRoomRequest struct {
	HostUserID string
	Mode       string
	EntryFee   decimal.Decimal
}

// CreateRoom generates a unique room code and creates the room in
// `waiting`, with an empty pool. Code collisions are retried a bounded
// number of times.
func (s *Service) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.Room, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeBattleRoyale
	}
	if mode != domain.ModeBattleRoyale && mode != domain.ModeQuickPlay {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown mode: %s", mode))
	}
	if req.EntryFee.IsNegative() {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("entry fee must not be negative"))
	}

	ok, err := userExists(ctx, s.db, req.HostUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("host user not found: %s", req.HostUserID))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate room ID: %w", err)
	}

	const stmt = `
INSERT INTO rooms (room_id, code, mode, status, entry_fee, platform_fee, host_user_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + roomColumns + `;`

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("generate room code: %w", err)
		}

		r, err := scanRoom(s.db.QueryRow(ctx, stmt, id, code, mode, domain.RoomWaiting, req.EntryFee, s.platformFee, req.HostUserID))
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			continue
		}
		if err != nil {
			return nil, err
		}

		return r, nil
	}

	return nil, errors.New(errors.CodeInternal, errors.WithMessagef("could not allocate a unique room code"))
}

type RoomState struct {
	Room    domain.Room
	Players []domain.Player
}

// GetRoom is the polling read: current room plus roster, cheap and
// side-effect free.
func (s *Service) GetRoom(ctx context.Context, code string) (*RoomState, error) {
	r, err := getRoomByCode(ctx, s.db, code, false)
	if err != nil {
		return nil, err
	}

	players, err := listPlayers(ctx, s.db, r.RoomID)
	if err != nil {
		return nil, err
	}

	return &RoomState{Room: *r, Players: players}, nil
}

type JoinRoomRequest struct {
	Code   string
	UserID string
}

func (s *Service) JoinRoom(ctx context.Context, req JoinRoomRequest) (*RoomState, error) {
	if !ValidCode(req.Code) {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid room code format"))
	}

	return s.withRoomTx(ctx, req.Code, func(ctx context.Context, tx pgx.Tx, r *domain.Room) error {
		if r.Status != domain.RoomWaiting {
			return errors.New(errors.CodeInvalidState, errors.WithMessagef("room %s is not open for joining", r.Code))
		}
		if r.HostUserID == req.UserID {
			return errors.New(errors.CodeForbidden, errors.WithMessagef("host is already part of the room"))
		}

		ok, err := userExists(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New(errors.CodeNotFound, errors.WithMessagef("user not found: %s", req.UserID))
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO room_players (room_id, user_id, status) VALUES ($1, $2, $3)`,
			r.RoomID, req.UserID, domain.PlayerJoined)
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return errors.New(errors.CodeAlreadyDone, errors.WithMessagef("already joined room %s", r.Code), errors.WithCause(err))
		}
		if err != nil {
			return fmt.Errorf("insert player: %w", err)
		}

		return s.recountPlayers(ctx, tx, r.RoomID)
	})
}

type LeaveRoomRequest struct {
	Code   string
	UserID string
}

// LeaveRoom removes a participant before funding completes. A funded
// caller may not leave: the escrow would desync. When the host leaves a
// room with other players, the earliest-joined player is promoted; a
// host alone deletes the room.
func (s *Service) LeaveRoom(ctx context.Context, req LeaveRoomRequest) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	r, err := getRoomByCode(ctx, tx, req.Code, true)
	if err != nil {
		return err
	}

	if r.HostUserID == req.UserID {
		if r.HostFunded {
			return errors.New(errors.CodeInvalidState, errors.WithMessagef("funded host cannot leave room %s", r.Code))
		}

		players, err := listPlayers(ctx, tx, r.RoomID)
		if err != nil {
			return err
		}

		if len(players) == 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE room_id = $1`, r.RoomID); err != nil {
				return fmt.Errorf("delete room: %w", err)
			}

			return tx.Commit(ctx)
		}

		// Promote the earliest-joined player to host.
		next := players[0]
		if _, err := tx.Exec(ctx, `DELETE FROM room_players WHERE room_id = $1 AND user_id = $2`, r.RoomID, next.UserID); err != nil {
			return fmt.Errorf("remove promoted player: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET host_user_id = $2, host_funded = $3, host_proof_ref = NULLIF($4, '') WHERE room_id = $1`,
			r.RoomID, next.UserID, next.Funded, next.ProofRef); err != nil {
			return fmt.Errorf("promote host: %w", err)
		}
		if err := s.recountPlayers(ctx, tx, r.RoomID); err != nil {
			return err
		}

		return tx.Commit(ctx)
	}

	var funded bool
	err = tx.QueryRow(ctx, `SELECT funded FROM room_players WHERE room_id = $1 AND user_id = $2`, r.RoomID, req.UserID).Scan(&funded)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("not a player of room %s", r.Code))
	}
	if err != nil {
		return fmt.Errorf("load player: %w", err)
	}
	if funded {
		return errors.New(errors.CodeInvalidState, errors.WithMessagef("funded players cannot leave room %s", r.Code))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM room_players WHERE room_id = $1 AND user_id = $2`, r.RoomID, req.UserID); err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	if err := s.recountPlayers(ctx, tx, r.RoomID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type LockRoomRequest struct {
	Code       string
	HostUserID string
}

// LockRoom freezes the roster and moves the room to funding_pending.
// The frozen player_count is what makes the all-funded check below
// well-defined.
func (s *Service) LockRoom(ctx context.Context, req LockRoomRequest) (*RoomState, error) {
	state, err := s.withRoomTx(ctx, req.Code, func(ctx context.Context, tx pgx.Tx, r *domain.Room) error {
		if r.HostUserID != req.HostUserID {
			return errors.New(errors.CodeForbidden, errors.WithMessagef("only the host can lock room %s", r.Code))
		}
		if r.Status != domain.RoomWaiting {
			return errors.New(errors.CodeInvalidState, errors.WithMessagef("room %s is already locked or started", r.Code))
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM room_players WHERE room_id = $1`, r.RoomID).Scan(&count); err != nil {
			return fmt.Errorf("count players: %w", err)
		}
		if count == 0 {
			return errors.New(errors.CodeInvalidState, errors.WithMessagef("need at least one player besides the host"))
		}

		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET status = $2, player_count = $3 WHERE room_id = $1`,
			r.RoomID, domain.RoomFundingPending, count); err != nil {
			return fmt.Errorf("lock room: %w", err)
		}

		// Funding is accepted in `waiting` too, so by the time the host
		// locks, the escrow may already be complete. No fund call is left
		// to fire the transition, so run it here against the roster just
		// frozen.
		if _, err := finalizePool(ctx, tx, r, r.HostFunded, count); err != nil {
			return err
		}

		return store.RecordAudit(ctx, tx, r.RoomID, req.HostUserID, "room_locked", map[string]any{
			"room_code":    r.Code,
			"player_count": count + 1,
		})
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventRoomLocked{Room: state.Room})

	return state, nil
}

type FundEntryRequest struct {
	Code     string
	UserID   string
	ProofRef string
}

type FundEntryResponse struct {
	AllFunded bool
	Room      domain.Room
}

// FundEntry records the caller's entry-fee funding exactly once. The
// row lock taken on the room serializes concurrent funding calls, so
// the all-funded check-and-transition is atomic: pool_amount is fixed
// exactly once, by the last funding call after the lock or by LockRoom
// itself when everyone paid early.
func (s *Service) FundEntry(ctx context.Context, req FundEntryRequest) (_ *FundEntryResponse, err error) {
	if req.ProofRef == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("funding proof reference is required"))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	r, err := getRoomByCode(ctx, tx, req.Code, true)
	if err != nil {
		return nil, err
	}

	if r.Status != domain.RoomWaiting && r.Status != domain.RoomFundingPending {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("room %s is not accepting funding", r.Code))
	}

	if r.HostUserID == req.UserID {
		if r.HostFunded {
			return nil, errors.New(errors.CodeAlreadyDone, errors.WithMessagef("host has already funded room %s", r.Code))
		}
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET host_funded = TRUE, host_proof_ref = $2 WHERE room_id = $1`,
			r.RoomID, req.ProofRef); err != nil {
			return nil, fmt.Errorf("fund host: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE room_players SET funded = TRUE, proof_ref = $3 WHERE room_id = $1 AND user_id = $2 AND NOT funded`,
			r.RoomID, req.UserID, req.ProofRef)
		if err != nil {
			return nil, fmt.Errorf("fund player: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var funded bool
			err := tx.QueryRow(ctx, `SELECT funded FROM room_players WHERE room_id = $1 AND user_id = $2`, r.RoomID, req.UserID).Scan(&funded)
			if stderrors.Is(err, pgx.ErrNoRows) {
				return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("not a player of room %s", r.Code))
			}
			if err != nil {
				return nil, fmt.Errorf("load player: %w", err)
			}

			return nil, errors.New(errors.CodeAlreadyDone, errors.WithMessagef("already funded room %s", r.Code))
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO payments (room_id, user_id, amount, proof_ref, kind) VALUES ($1, $2, $3, $4, 'entry_fee')`,
		r.RoomID, req.UserID, r.EntryFee, req.ProofRef); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	hostFunded := r.HostFunded || r.HostUserID == req.UserID
	allFunded, err := finalizePool(ctx, tx, r, hostFunded, r.PlayerCount)
	if err != nil {
		return nil, err
	}

	updated, err := getRoomByCode(ctx, tx, req.Code, false)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &FundEntryResponse{AllFunded: allFunded, Room: *updated}, nil
}

type StartMatchRequest struct {
	Code       string
	HostUserID string
}

func (s *Service) StartMatch(ctx context.Context, req StartMatchRequest) (*RoomState, error) {
	return s.withRoomTx(ctx, req.Code, func(ctx context.Context, tx pgx.Tx, r *domain.Room) error {
		if r.HostUserID != req.HostUserID {
			return errors.New(errors.CodeForbidden, errors.WithMessagef("only the host can start room %s", r.Code))
		}
		if r.Status != domain.RoomFunded {
			return errors.New(errors.CodeInvalidState, errors.WithMessagef("room %s must be fully funded before starting", r.Code))
		}

		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET status = $2, started_at = now() WHERE room_id = $1`,
			r.RoomID, domain.RoomActive); err != nil {
			return fmt.Errorf("start match: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE room_players SET status = $2 WHERE room_id = $1`,
			r.RoomID, domain.PlayerActive); err != nil {
			return fmt.Errorf("activate players: %w", err)
		}

		return nil
	})
}

// withRoomTx runs fn against the row-locked room and returns the
// re-read state after commit.
func (s *Service) withRoomTx(ctx context.Context, code string, fn func(ctx context.Context, tx pgx.Tx, r *domain.Room) error) (_ *RoomState, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	r, err := getRoomByCode(ctx, tx, code, true)
	if err != nil {
		return nil, err
	}

	if err = fn(ctx, tx, r); err != nil {
		return nil, err
	}

	updated, err := getRoomByCode(ctx, tx, code, false)
	if err != nil {
		return nil, err
	}
	players, err := listPlayers(ctx, tx, updated.RoomID)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &RoomState{Room: *updated, Players: players}, nil
}

// PoolAmount is the escrow total for a frozen roster: one entry fee
// from each player plus one from the host.
func PoolAmount(entryFee decimal.Decimal, playerCount int) decimal.Decimal {
	return entryFee.Mul(decimal.NewFromInt(int64(playerCount) + 1))
}

// finalizePool moves the room to funded and fixes pool_amount once the
// host and every rostered player have paid. The status guard on the
// UPDATE keeps a still-waiting room in place until LockRoom freezes the
// roster; the returned bool reports whether the transition fired.
func finalizePool(ctx context.Context, tx pgx.Tx, r *domain.Room, hostFunded bool, playerCount int) (bool, error) {
	if !hostFunded {
		return false, nil
	}

	var unfunded int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM room_players WHERE room_id = $1 AND NOT funded`, r.RoomID).Scan(&unfunded); err != nil {
		return false, fmt.Errorf("count unfunded: %w", err)
	}
	if unfunded > 0 {
		return false, nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE rooms SET status = $2, pool_amount = $3 WHERE room_id = $1 AND status = $4`,
		r.RoomID, domain.RoomFunded, PoolAmount(r.EntryFee, playerCount), domain.RoomFundingPending)
	if err != nil {
		return false, fmt.Errorf("finalize pool: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (s *Service) recountPlayers(ctx context.Context, tx pgx.Tx, roomID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE rooms SET player_count = (SELECT COUNT(*) FROM room_players WHERE room_id = $1) WHERE room_id = $1`,
		roomID)
	if err != nil {
		return fmt.Errorf("recount players: %w", err)
	}

	return nil
}
