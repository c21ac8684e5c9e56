package settlement

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
	Gateway  Gateway
}

// Coordinator bridges the internal ledger to the external settlement
// gateway. Gateway failures are recorded and surfaced as warnings; the
// match outcome and standings are never rolled back on account of the
// gateway, and settlement can be retried out of band.
type Coordinator struct {
	db *pgxpool.Pool
	gw Gateway
}

func NewCoordinator(c Config) *Coordinator {
	s := &Coordinator{db: c.DB, gw: c.Gateway}

	c.EventBus.Subscribe(domain.EventNameRoomLocked, func(ctx context.Context, e event.Event) error {
		return s.registerMatch(ctx, e.(domain.EventRoomLocked).Room)
	})
	c.EventBus.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
		_, err := s.SettleWinner(ctx, e.(domain.EventMatchFinished).Room.Code)
		if errors.IsCode(err, errors.CodeGatewayFailure) {
			// Already audited; an out-of-band retry will redrive it.
			return nil
		}
		return err
	})

	return s
}

// registerMatch announces the locked room to the gateway so players can
// fund the escrow. Best-effort: a failure is audited and funding state
// is re-announced implicitly by the idempotent call on retry paths.
func (s *Coordinator) registerMatch(ctx context.Context, r domain.Room) error {
	_, err := s.gw.RegisterMatch(ctx, RegisterMatchRequest{
		RoomCode:    r.Code,
		PlayerCount: r.PlayerCount + 1,
		EntryAmount: r.EntryFee,
		PlatformFee: r.PlatformFee,
	})
	if err != nil {
		slog.ErrorContext(ctx, "settlement: register match failed", "room", r.Code, "error", err)
		return store.RecordAudit(ctx, s.db, r.RoomID, "", "register_failed", map[string]any{
			"room_code": r.Code,
			"error":     err.Error(),
		})
	}

	return nil
}

type SettleResult struct {
	RoomCode   string
	Receipt    string
	AlreadyDue bool
}

// SettleWinner pushes the recorded winner to the gateway. Idempotent: a
// room that is already settled returns its receipt without another
// gateway call. On gateway failure the attempt is audited and a
// GatewayFailure error is returned; no local state is unwound.
func (s *Coordinator) SettleWinner(ctx context.Context, code string) (*SettleResult, error) {
	const stmt = `
SELECT r.room_id, r.code, r.status, r.settled, COALESCE(r.settlement_ref, ''),
	COALESCE(r.winner_user_id::text, ''), r.pool_amount, COALESCE(u.payable_ref, '')
FROM rooms r LEFT JOIN users u ON u.user_id = r.winner_user_id
WHERE r.code = $1;`

	var (
		roomID, roomCode, status, ref, winnerID, payableRef string
		settled                                             bool
		pool                                                decimal.Decimal
	)
	err := s.db.QueryRow(ctx, stmt, code).
		Scan(&roomID, &roomCode, &status, &settled, &ref, &winnerID, &pool, &payableRef)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	if status != domain.RoomFinished {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("match is not finished"))
	}
	if winnerID == "" || payableRef == "" {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("no payable winner recorded"))
	}
	if settled {
		return &SettleResult{RoomCode: roomCode, Receipt: ref, AlreadyDue: true}, nil
	}

	receipt, err := s.gw.SetWinner(ctx, roomCode, payableRef)
	if err != nil {
		slog.ErrorContext(ctx, "settlement: set winner failed", "room", roomCode, "winner", winnerID, "error", err)
		if auditErr := store.RecordAudit(ctx, s.db, roomID, winnerID, "settlement_failed", map[string]any{
			"room_code": roomCode,
			"winner":    payableRef,
			"error":     err.Error(),
		}); auditErr != nil {
			return nil, auditErr
		}

		return nil, errors.New(errors.CodeGatewayFailure,
			errors.WithMessagef("settlement gateway rejected winner for room %s", roomCode),
			errors.WithCause(err))
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE rooms SET settled = TRUE, settlement_ref = $2 WHERE room_id = $1 AND NOT settled`,
		roomID, receipt); err != nil {
		return nil, fmt.Errorf("mark settled: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO payments (room_id, user_id, amount, proof_ref, kind) VALUES ($1, $2, $3, $4, 'prize')`,
		roomID, winnerID, pool, receipt); err != nil {
		return nil, fmt.Errorf("record prize payment: %w", err)
	}

	slog.InfoContext(ctx, "settlement: winner settled", "room", roomCode, "receipt", receipt)

	return &SettleResult{RoomCode: roomCode, Receipt: receipt}, nil
}
