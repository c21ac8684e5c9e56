package prediction

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/event"
	"github.com/triviapool/engine/internal/settlement"
	"github.com/triviapool/engine/internal/store"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
	Gateway  settlement.Gateway

	// Stake is the fixed amount every prediction costs.
	Stake decimal.Decimal
	// WinnerBonusPercent of the total stake is reserved for the match
	// winner when the pool settles. Defaults to 10.
	WinnerBonusPercent int64
}

// Service runs the side market on the match winner. Spectators place
// one fixed-stake prediction each while the market is open; when the
// match finishes, the pool pays a bonus slice to the winner and splits
// the rest among correct bettors.
type Service struct {
	db           *pgxpool.Pool
	gw           settlement.Gateway
	stake        decimal.Decimal
	bonusPercent int64
}

func NewService(c Config) *Service {
	if c.WinnerBonusPercent <= 0 {
		c.WinnerBonusPercent = 10
	}
	s := &Service{db: c.DB, gw: c.Gateway, stake: c.Stake, bonusPercent: c.WinnerBonusPercent}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
			return s.settleOnFinish(ctx, e.(domain.EventMatchFinished))
		})
	}

	return s
}

type OpenPoolResponse struct {
	Pool domain.PredictionPool
}

// OpenForRoom opens the side market for an active match. At most one
// pool exists per room; a second open attempt is rejected.
func (s *Service) OpenForRoom(ctx context.Context, code string) error {
	_, err := s.Open(ctx, code)
	return err
}

func (s *Service) Open(ctx context.Context, code string) (_ *OpenPoolResponse, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	var roomID, status string
	err = tx.QueryRow(ctx, `SELECT room_id, status FROM rooms WHERE code = $1 FOR UPDATE`, code).
		Scan(&roomID, &status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	if status != domain.RoomActive {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("market opens only during an active match"))
	}

	var remaining int
	if err = tx.QueryRow(ctx,
		`SELECT count(*) FROM room_players WHERE room_id = $1 AND status <> $2`,
		roomID, domain.PlayerEliminated).Scan(&remaining); err != nil {
		return nil, fmt.Errorf("count remaining players: %w", err)
	}
	if remaining == 0 {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("no players left to predict on"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new pool id: %w", err)
	}
	pool := domain.PredictionPool{
		PoolID:        id.String(),
		RoomID:        roomID,
		TotalStake:    decimal.Zero,
		WinnerBonus:   decimal.Zero,
		PredictorPool: decimal.Zero,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO prediction_pools (pool_id, room_id) VALUES ($1, $2)
RETURNING opened_at;`, pool.PoolID, pool.RoomID).Scan(&pool.OpenedAt)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyDone,
			errors.WithMessagef("market already open for room %s", code),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert pool: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	// Announce the market to the gateway so spectator stakes can be
	// escrowed. Best-effort: gameplay never waits on the gateway.
	if s.gw != nil {
		refs, refErr := s.playerRefs(ctx, roomID)
		if refErr != nil {
			return nil, refErr
		}
		if _, gwErr := s.gw.OpenPool(ctx, code, refs); gwErr != nil {
			slog.ErrorContext(ctx, "prediction: gateway open pool failed", "room", code, "error", gwErr)
			if auditErr := store.RecordAudit(ctx, s.db, roomID, "", "pool_open_failed", map[string]any{
				"room_code": code,
				"error":     gwErr.Error(),
			}); auditErr != nil {
				return nil, auditErr
			}
		}
	}

	slog.InfoContext(ctx, "prediction: market opened", "room", code, "pool", pool.PoolID)

	return &OpenPoolResponse{Pool: pool}, nil
}

func (s *Service) playerRefs(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT u.payable_ref FROM room_players p
JOIN users u ON u.user_id = p.user_id
WHERE p.room_id = $1 ORDER BY p.join_time ASC;`, roomID)
	if err != nil {
		return nil, fmt.Errorf("load player refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan player ref: %w", err)
		}
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

type PredictRequest struct {
	Code         string
	BettorID     string
	TargetUserID string
}

type PredictResponse struct {
	Prediction domain.Prediction
	TotalStake decimal.Decimal
}

// Predict places one fixed-stake prediction on who wins the match.
// Players in the match cannot bet on it, the target must be a player,
// and a bettor gets exactly one prediction per pool.
func (s *Service) Predict(ctx context.Context, req PredictRequest) (_ *PredictResponse, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	var (
		roomID, poolID string
		roomStatus     string
		settled        bool
		closed         bool
	)
	err = tx.QueryRow(ctx, `
SELECT r.room_id, r.status, p.pool_id, p.settled, p.closed_at IS NOT NULL
FROM rooms r JOIN prediction_pools p ON p.room_id = r.room_id
WHERE r.code = $1
FOR UPDATE OF p;`, req.Code).Scan(&roomID, &roomStatus, &poolID, &settled, &closed)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no market open for room %s", req.Code))
	}
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	if settled || closed || roomStatus != domain.RoomActive {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("market is closed"))
	}

	var bettorIsPlayer bool
	if err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_players WHERE room_id = $1 AND user_id = $2)`,
		roomID, req.BettorID).Scan(&bettorIsPlayer); err != nil {
		return nil, fmt.Errorf("check bettor: %w", err)
	}
	var bettorIsHost bool
	if err = tx.QueryRow(ctx,
		`SELECT host_user_id = $2 FROM rooms WHERE room_id = $1`,
		roomID, req.BettorID).Scan(&bettorIsHost); err != nil {
		return nil, fmt.Errorf("check host: %w", err)
	}
	if bettorIsPlayer || bettorIsHost {
		return nil, errors.New(errors.CodeForbidden, errors.WithMessagef("match participants cannot bet on it"))
	}

	var targetIsPlayer bool
	if err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_players WHERE room_id = $1 AND user_id = $2 AND status <> $3)`,
		roomID, req.TargetUserID, domain.PlayerEliminated).Scan(&targetIsPlayer); err != nil {
		return nil, fmt.Errorf("check target: %w", err)
	}
	if !targetIsPlayer {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("target is not a remaining player"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new prediction id: %w", err)
	}
	p := domain.Prediction{
		PredictionID: id.String(),
		PoolID:       poolID,
		BettorID:     req.BettorID,
		TargetUserID: req.TargetUserID,
		Stake:        s.stake,
	}
	err = tx.QueryRow(ctx, `
INSERT INTO predictions (prediction_id, pool_id, bettor_id, target_user_id, stake)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at;`,
		p.PredictionID, p.PoolID, p.BettorID, p.TargetUserID, p.Stake).Scan(&p.CreatedAt)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyDone,
			errors.WithMessagef("bettor already has a prediction in this market"),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert prediction: %w", err)
	}

	var total decimal.Decimal
	if err = tx.QueryRow(ctx, `
UPDATE prediction_pools SET total_stake = total_stake + $2
WHERE pool_id = $1
RETURNING total_stake;`, poolID, p.Stake).Scan(&total); err != nil {
		return nil, fmt.Errorf("update pool stake: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &PredictResponse{Prediction: p, TotalStake: total}, nil
}

type SettlePoolResponse struct {
	Pool        domain.PredictionPool
	Predictions []domain.Prediction
}

// Settle resolves the market after the match finishes: predictions on
// the recorded winner are marked correct and paid an even share of the
// pool net of the winner bonus. Settling twice is rejected, the first
// result is never reapplied.
func (s *Service) Settle(ctx context.Context, code string) (*SettlePoolResponse, error) {
	resp, winnerRef, err := s.settleTx(ctx, code)
	if err != nil {
		return nil, err
	}

	// Push the split to the gateway. A failure here is audited and the
	// local settlement stands; payouts redrive on claim.
	if s.gw != nil && resp.Pool.TotalStake.IsPositive() {
		receipt, gwErr := s.gw.SettlePool(ctx, code, winnerRef)
		if gwErr != nil {
			slog.ErrorContext(ctx, "prediction: gateway settle failed", "room", code, "error", gwErr)
			if auditErr := store.RecordAudit(ctx, s.db, resp.Pool.RoomID, "", "pool_settle_failed", map[string]any{
				"room_code": code,
				"error":     gwErr.Error(),
			}); auditErr != nil {
				return nil, auditErr
			}
		} else if receipt != "" {
			if _, err := s.db.Exec(ctx,
				`UPDATE prediction_pools SET settlement_ref = $2 WHERE pool_id = $1`,
				resp.Pool.PoolID, receipt); err != nil {
				return nil, fmt.Errorf("record settlement ref: %w", err)
			}
			resp.Pool.SettlementRef = receipt
		}
	}

	slog.InfoContext(ctx, "prediction: market settled",
		"room", code, "total", resp.Pool.TotalStake, "bonus", resp.Pool.WinnerBonus)

	return resp, nil
}

func (s *Service) settleTx(ctx context.Context, code string) (_ *SettlePoolResponse, winnerRef string, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	var (
		pool       domain.PredictionPool
		roomStatus string
		winnerID   string
	)
	err = tx.QueryRow(ctx, `
SELECT p.pool_id, p.room_id, p.total_stake, p.settled, r.status,
	COALESCE(r.winner_user_id::text, ''), COALESCE(u.payable_ref, '')
FROM prediction_pools p
JOIN rooms r ON r.room_id = p.room_id
LEFT JOIN users u ON u.user_id = r.winner_user_id
WHERE r.code = $1
FOR UPDATE OF p;`, code).
		Scan(&pool.PoolID, &pool.RoomID, &pool.TotalStake, &pool.Settled, &roomStatus, &winnerID, &winnerRef)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, "", errors.New(errors.CodeNotFound, errors.WithMessagef("no market for room %s", code))
	}
	if err != nil {
		return nil, "", fmt.Errorf("load pool: %w", err)
	}
	if pool.Settled {
		return nil, "", errors.New(errors.CodeAlreadyDone, errors.WithMessagef("market already settled"))
	}
	if roomStatus != domain.RoomFinished {
		return nil, "", errors.New(errors.CodeInvalidState, errors.WithMessagef("match is not finished"))
	}

	if _, err = tx.Exec(ctx,
		`UPDATE predictions SET is_correct = (target_user_id::text = $2) WHERE pool_id = $1`,
		pool.PoolID, winnerID); err != nil {
		return nil, "", fmt.Errorf("grade predictions: %w", err)
	}

	var correct int
	if err = tx.QueryRow(ctx,
		`SELECT count(*) FROM predictions WHERE pool_id = $1 AND is_correct`,
		pool.PoolID).Scan(&correct); err != nil {
		return nil, "", fmt.Errorf("count correct predictions: %w", err)
	}

	bonus, predictorPool, perBettor := SplitPool(pool.TotalStake, s.bonusPercent, correct)
	pool.WinnerBonus = bonus
	pool.PredictorPool = predictorPool
	pool.WinnerUserID = winnerID

	if perBettor.IsPositive() {
		if _, err = tx.Exec(ctx,
			`UPDATE predictions SET payout = $2 WHERE pool_id = $1 AND is_correct`,
			pool.PoolID, perBettor); err != nil {
			return nil, "", fmt.Errorf("assign payouts: %w", err)
		}
	}

	if err = tx.QueryRow(ctx, `
UPDATE prediction_pools
SET settled = TRUE, winner_user_id = NULLIF($2, '')::uuid, winner_bonus = $3, predictor_pool = $4,
	closed_at = COALESCE(closed_at, now()), settled_at = now()
WHERE pool_id = $1
RETURNING opened_at, closed_at, settled_at;`,
		pool.PoolID, winnerID, bonus, predictorPool).
		Scan(&pool.OpenedAt, &pool.ClosedAt, &pool.SettledAt); err != nil {
		return nil, "", fmt.Errorf("settle pool: %w", err)
	}
	pool.Settled = true

	if winnerID != "" && bonus.IsPositive() {
		if _, err = tx.Exec(ctx, `
INSERT INTO payments (room_id, user_id, amount, proof_ref, kind)
VALUES ($1, $2, $3, $4, 'prediction_bonus');`,
			pool.RoomID, winnerID, bonus, pool.PoolID); err != nil {
			return nil, "", fmt.Errorf("record bonus payment: %w", err)
		}
	}

	preds, err := loadPredictions(ctx, tx, pool.PoolID)
	if err != nil {
		return nil, "", err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, "", err
	}

	return &SettlePoolResponse{Pool: pool, Predictions: preds}, winnerRef, nil
}

// settleOnFinish closes the market when the match ends and settles it
// in the background. Both steps are best-effort; an operator can call
// Settle again for a pool the gateway rejected.
func (s *Service) settleOnFinish(ctx context.Context, e domain.EventMatchFinished) error {
	code := e.Room.Code

	if _, err := s.db.Exec(ctx, `
UPDATE prediction_pools SET closed_at = now()
WHERE room_id = $1 AND closed_at IS NULL;`, e.Room.RoomID); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}

	_, err := s.Settle(ctx, code)
	if errors.IsCode(err, errors.CodeNotFound) || errors.IsCode(err, errors.CodeAlreadyDone) {
		return nil
	}

	return err
}

type ClaimRequest struct {
	PredictionID string
	BettorID     string
}

type ClaimResponse struct {
	Prediction domain.Prediction
}

// Claim marks a settled, correct prediction's payout as collected.
// Exactly once per prediction, by its owner only.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (_ *ClaimResponse, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	var (
		p       domain.Prediction
		settled bool
		roomID  string
	)
	err = tx.QueryRow(ctx, `
SELECT pr.prediction_id, pr.pool_id, pr.bettor_id, pr.target_user_id, pr.stake,
	pr.is_correct, pr.payout, pr.claimed, pr.created_at, pl.settled, pl.room_id
FROM predictions pr JOIN prediction_pools pl ON pl.pool_id = pr.pool_id
WHERE pr.prediction_id = $1
FOR UPDATE OF pr;`, req.PredictionID).
		Scan(&p.PredictionID, &p.PoolID, &p.BettorID, &p.TargetUserID, &p.Stake,
			&p.Correct, &p.Payout, &p.Claimed, &p.CreatedAt, &settled, &roomID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("prediction not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load prediction: %w", err)
	}

	if p.BettorID != req.BettorID {
		return nil, errors.New(errors.CodeForbidden, errors.WithMessagef("prediction belongs to another bettor"))
	}
	if !settled {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("market is not settled yet"))
	}
	if p.Correct == nil || !*p.Correct || !p.Payout.IsPositive() {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("prediction has no payout"))
	}
	if p.Claimed {
		return nil, errors.New(errors.CodeAlreadyDone, errors.WithMessagef("payout already claimed"))
	}

	if _, err = tx.Exec(ctx,
		`UPDATE predictions SET claimed = TRUE WHERE prediction_id = $1`, p.PredictionID); err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}
	p.Claimed = true

	if _, err = tx.Exec(ctx, `
INSERT INTO payments (room_id, user_id, amount, proof_ref, kind)
VALUES ($1, $2, $3, $4, 'prediction_payout');`,
		roomID, p.BettorID, p.Payout, p.PredictionID); err != nil {
		return nil, fmt.Errorf("record payout payment: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "prediction: payout claimed", "prediction", p.PredictionID, "amount", p.Payout)

	return &ClaimResponse{Prediction: p}, nil
}

type StatusResponse struct {
	Pool        domain.PredictionPool
	Predictions []domain.Prediction
}

// Status returns the pool and its predictions for a room.
func (s *Service) Status(ctx context.Context, code string) (*StatusResponse, error) {
	var p domain.PredictionPool
	var winnerID, ref *string
	err := s.db.QueryRow(ctx, `
SELECT p.pool_id, p.room_id, p.total_stake, p.settled, p.winner_user_id::text,
	p.winner_bonus, p.predictor_pool, p.settlement_ref, p.opened_at, p.closed_at, p.settled_at
FROM prediction_pools p JOIN rooms r ON r.room_id = p.room_id
WHERE r.code = $1;`, code).
		Scan(&p.PoolID, &p.RoomID, &p.TotalStake, &p.Settled, &winnerID,
			&p.WinnerBonus, &p.PredictorPool, &ref, &p.OpenedAt, &p.ClosedAt, &p.SettledAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no market for room %s", code))
	}
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	if winnerID != nil {
		p.WinnerUserID = *winnerID
	}
	if ref != nil {
		p.SettlementRef = *ref
	}

	preds, err := loadPredictions(ctx, s.db, p.PoolID)
	if err != nil {
		return nil, err
	}

	return &StatusResponse{Pool: p, Predictions: preds}, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPredictions(ctx context.Context, q querier, poolID string) ([]domain.Prediction, error) {
	rows, err := q.Query(ctx, `
SELECT prediction_id, pool_id, bettor_id, target_user_id, stake, is_correct, payout, claimed, created_at
FROM predictions WHERE pool_id = $1 ORDER BY created_at ASC;`, poolID)
	if err != nil {
		return nil, fmt.Errorf("load predictions: %w", err)
	}
	defer rows.Close()

	var out []domain.Prediction
	for rows.Next() {
		var p domain.Prediction
		if err := rows.Scan(&p.PredictionID, &p.PoolID, &p.BettorID, &p.TargetUserID,
			&p.Stake, &p.Correct, &p.Payout, &p.Claimed, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, p)
	}

	return out, rows.Err()
}
