package round

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/outcome"
)

const codeUniqueViolation = "23505"

// PoolOpener opens the side prediction pool at the checkpoint round.
type PoolOpener interface {
	OpenForRoom(ctx context.Context, code string) error
}

type Config struct {
	DB         *pgxpool.Pool
	Resolver   *outcome.Service
	Pools      PoolOpener
	MaxRounds  int
	Checkpoint int
	// CandidateSize bounds the top-K least-used question set a round
	// is drawn from.
	CandidateSize int
}

// Service schedules rounds: question selection with no-repeat-per-match
// and least-recently-used fairness, open/close bookkeeping, and the
// timeout elimination policy applied when a round closes.
type Service struct {
	db            *pgxpool.Pool
	resolver      *outcome.Service
	pools         PoolOpener
	maxRounds     int
	checkpoint    int
	candidateSize int
}

func NewService(c Config) *Service {
	if c.CandidateSize <= 0 {
		c.CandidateSize = 50
	}

	return &Service{
		db:            c.DB,
		resolver:      c.Resolver,
		pools:         c.Pools,
		maxRounds:     c.MaxRounds,
		checkpoint:    c.Checkpoint,
		candidateSize: c.CandidateSize,
	}
}

// View is a round as shown to playing clients: the correct option is
// withheld until the round closes.
type View struct {
	Round    domain.Round
	Question domain.Question
}

type OpenRoundRequest struct {
	Code   string
	Number int
}

// OpenRound closes any round left open for the room, picks an unused
// question and opens the next round. Round numbers are unique per room,
// so a duplicate open for the same number is rejected rather than
// doubled.
func (s *Service) OpenRound(ctx context.Context, req OpenRoundRequest) (*View, error) {
	r, err := s.loadRoom(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.RoomActive {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("match is not active"))
	}

	if s.maxRounds > 0 && req.Number > s.maxRounds {
		// Round budget exhausted: resolve server-side as a backstop so a
		// confused host client cannot extend the match.
		if _, err := s.resolver.Resolve(ctx, req.Code); err != nil && !errors.IsCode(err, errors.CodeAlreadyDone) {
			return nil, err
		}
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("round budget exhausted"))
	}

	if err := s.closeOpenRounds(ctx, r); err != nil {
		return nil, err
	}

	// Closing the previous round may have eliminated the field down to
	// one player.
	if res, err := s.resolver.ResolveIfDecided(ctx, req.Code); err != nil {
		return nil, err
	} else if res != nil {
		return nil, errors.New(errors.CodeInvalidState, errors.WithMessagef("match already decided"))
	}

	v, err := s.openRoundTx(ctx, r, req.Number)
	if err != nil {
		return nil, err
	}

	// Checkpoint behavior: opening the round right after the checkpoint
	// opens the side prediction pool. Best-effort only.
	if s.pools != nil && req.Number == s.checkpoint+1 {
		if err := s.pools.OpenForRoom(ctx, req.Code); err != nil {
			slog.ErrorContext(ctx, "round: open prediction pool failed", "room", req.Code, "error", err)
		}
	}

	return v, nil
}

func (s *Service) openRoundTx(ctx context.Context, r *roomInfo, number int) (_ *View, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	q, err := s.selectQuestion(ctx, tx, r.RoomID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE questions SET times_used = times_used + 1, last_used_at = now() WHERE question_id = $1`,
		q.QuestionID); err != nil {
		return nil, fmt.Errorf("bump question usage: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate round ID: %w", err)
	}

	var rd domain.Round
	err = tx.QueryRow(ctx, `
INSERT INTO rounds (round_id, room_id, round_number, question_id)
VALUES ($1, $2, $3, $4)
RETURNING round_id, room_id, round_number, question_id, opened_at, closed_at;`,
		id, r.RoomID, number, q.QuestionID).
		Scan(&rd.RoundID, &rd.RoomID, &rd.Number, &rd.QuestionID, &rd.OpenedAt, &rd.ClosedAt)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyDone, errors.WithMessagef("round %d already opened", number), errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert round: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	q.CorrectOption = ""
	return &View{Round: rd, Question: *q}, nil
}

// selectQuestion picks uniformly at random from the bounded set of
// least-used questions not yet seen in this room: fair across matches,
// unpredictable within one.
func (s *Service) selectQuestion(ctx context.Context, tx pgx.Tx, roomID string) (*domain.Question, error) {
	const stmt = `
SELECT question_id, category, difficulty, question_text, options, correct_option, times_used, last_used_at
FROM questions
WHERE question_id NOT IN (SELECT question_id FROM rounds WHERE room_id = $1)
ORDER BY times_used ASC, last_used_at ASC NULLS FIRST
LIMIT $2;`

	rows, err := tx.Query(ctx, stmt, roomID, s.candidateSize)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	candidates, err := pgx.CollectRows(rows, scanQuestion)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.CodeExhausted, errors.WithMessagef("no eligible question remains"))
	}

	q := candidates[rand.Intn(len(candidates))]
	return &q, nil
}

// CloseRound sets the close timestamp if unset; closing a closed round
// is a no-op. In battle royale, active players who never answered the
// round are eliminated with cause "timeout".
func (s *Service) CloseRound(ctx context.Context, roundID string) error {
	var code string
	err := s.db.QueryRow(ctx,
		`SELECT r.code FROM rooms r JOIN rounds rd ON rd.room_id = r.room_id WHERE rd.round_id = $1`,
		roundID).Scan(&code)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("round not found"))
	}
	if err != nil {
		return fmt.Errorf("load round: %w", err)
	}

	r, err := s.loadRoom(ctx, code)
	if err != nil {
		return err
	}

	if err := s.closeOneRound(ctx, r, roundID); err != nil {
		return err
	}

	_, err = s.resolver.ResolveIfDecided(ctx, code)
	return err
}

// CurrentRound returns the room's open round for polling clients, with
// the correct option withheld.
func (s *Service) CurrentRound(ctx context.Context, code string) (*View, error) {
	r, err := s.loadRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	const stmt = `
SELECT rd.round_id, rd.room_id, rd.round_number, rd.question_id, rd.opened_at, rd.closed_at,
	q.question_id, q.category, q.difficulty, q.question_text, q.options, q.correct_option, q.times_used, q.last_used_at
FROM rounds rd JOIN questions q ON q.question_id = rd.question_id
WHERE rd.room_id = $1 AND rd.closed_at IS NULL
ORDER BY rd.round_number DESC LIMIT 1;`

	var rd domain.Round
	var q domain.Question
	var options []byte
	err = s.db.QueryRow(ctx, stmt, r.RoomID).Scan(
		&rd.RoundID, &rd.RoomID, &rd.Number, &rd.QuestionID, &rd.OpenedAt, &rd.ClosedAt,
		&q.QuestionID, &q.Category, &q.Difficulty, &q.Text, &options, &q.CorrectOption, &q.TimesUsed, &q.LastUsedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no active round"))
	}
	if err != nil {
		return nil, fmt.Errorf("load current round: %w", err)
	}

	if err := unmarshalOptions(options, &q); err != nil {
		return nil, err
	}

	q.CorrectOption = ""
	return &View{Round: rd, Question: q}, nil
}

// Results of a closed round, correct option included, for spectators
// and the between-rounds reveal.
type Results struct {
	Round    domain.Round
	Question domain.Question
	Answers  []domain.Answer
	Finished bool
}

func (s *Service) RoundResults(ctx context.Context, code string, number int) (*Results, error) {
	r, err := s.loadRoom(ctx, code)
	if err != nil {
		return nil, err
	}

	stmt := `
SELECT rd.round_id, rd.room_id, rd.round_number, rd.question_id, rd.opened_at, rd.closed_at,
	q.question_id, q.category, q.difficulty, q.question_text, q.options, q.correct_option, q.times_used, q.last_used_at
FROM rounds rd JOIN questions q ON q.question_id = rd.question_id
WHERE rd.room_id = $1`
	args := []any{r.RoomID}
	if number > 0 {
		stmt += ` AND rd.round_number = $2`
		args = append(args, number)
	} else {
		stmt += ` AND rd.closed_at IS NOT NULL`
	}
	stmt += ` ORDER BY rd.round_number DESC LIMIT 1;`

	var rd domain.Round
	var q domain.Question
	var options []byte
	err = s.db.QueryRow(ctx, stmt, args...).Scan(
		&rd.RoundID, &rd.RoomID, &rd.Number, &rd.QuestionID, &rd.OpenedAt, &rd.ClosedAt,
		&q.QuestionID, &q.Category, &q.Difficulty, &q.Text, &options, &q.CorrectOption, &q.TimesUsed, &q.LastUsedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no round found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}

	if err := unmarshalOptions(options, &q); err != nil {
		return nil, err
	}

	// The correct option is only revealed once the round has closed.
	if rd.ClosedAt == nil {
		q.CorrectOption = ""
	}

	rows, err := s.db.Query(ctx, `
SELECT round_id, user_id, selected_option, is_correct, time_ms, submitted_at
FROM answers WHERE round_id = $1 ORDER BY submitted_at ASC;`, rd.RoundID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	answers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Answer, error) {
		var a domain.Answer
		err := row.Scan(&a.RoundID, &a.UserID, &a.SelectedOption, &a.Correct, &a.TimeMS, &a.SubmittedAt)
		return a, err
	})
	if err != nil {
		return nil, err
	}

	return &Results{Round: rd, Question: q, Answers: answers, Finished: rd.ClosedAt != nil}, nil
}

type roomInfo struct {
	RoomID string
	Code   string
	Mode   string
	Status string
}

func (s *Service) loadRoom(ctx context.Context, code string) (*roomInfo, error) {
	var r roomInfo
	err := s.db.QueryRow(ctx, `SELECT room_id, code, mode, status FROM rooms WHERE code = $1`, code).
		Scan(&r.RoomID, &r.Code, &r.Mode, &r.Status)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	return &r, nil
}

func (s *Service) closeOpenRounds(ctx context.Context, r *roomInfo) error {
	return s.closeRoundWhere(ctx, r, `room_id = $1 AND closed_at IS NULL`, r.RoomID)
}

func (s *Service) closeOneRound(ctx context.Context, r *roomInfo, roundID string) error {
	return s.closeRoundWhere(ctx, r, `round_id = $1 AND closed_at IS NULL`, roundID)
}

// closeRoundWhere closes matching rounds and applies the timeout
// policy: in battle royale a missing answer eliminates, same as a wrong
// one.
func (s *Service) closeRoundWhere(ctx context.Context, r *roomInfo, where string, arg any) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	rows, err := tx.Query(ctx,
		`UPDATE rounds SET closed_at = now() WHERE `+where+` RETURNING round_id`, arg)
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	closed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	if r.Mode == domain.ModeBattleRoyale {
		for _, roundID := range closed {
			if _, err := tx.Exec(ctx, `
UPDATE room_players p SET status = $3, elimination_cause = $4, eliminated_at = now()
WHERE p.room_id = $1 AND p.status = $5
	AND NOT EXISTS (SELECT 1 FROM answers a WHERE a.round_id = $2 AND a.user_id = p.user_id);`,
				r.RoomID, roundID, domain.PlayerEliminated, domain.CauseTimeout, domain.PlayerActive); err != nil {
				return fmt.Errorf("eliminate on timeout: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func scanQuestion(row pgx.CollectableRow) (domain.Question, error) {
	var q domain.Question
	var options []byte
	if err := row.Scan(&q.QuestionID, &q.Category, &q.Difficulty, &q.Text, &options, &q.CorrectOption, &q.TimesUsed, &q.LastUsedAt); err != nil {
		return domain.Question{}, err
	}
	if err := unmarshalOptions(options, &q); err != nil {
		return domain.Question{}, err
	}

	return q, nil
}
