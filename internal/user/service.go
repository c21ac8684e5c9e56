package user

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triviapool/engine/internal/errors"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB *pgxpool.Pool
}

// Service onboards users. A user carries a payable_ref, their identity
// on the settlement gateway, which every payout call uses.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

type User struct {
	UserID     string
	Username   string
	PayableRef string
}

type RegisterRequest struct {
	Username   string
	PayableRef string
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if req.Username == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username is required"))
	}
	if req.PayableRef == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("payable reference is required"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new user id: %w", err)
	}

	u := &User{UserID: id.String(), Username: req.Username, PayableRef: req.PayableRef}
	_, err = s.db.Exec(ctx,
		`INSERT INTO users (user_id, username, payable_ref) VALUES ($1, $2, $3)`,
		u.UserID, u.Username, u.PayableRef)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyDone,
			errors.WithMessagef("user already registered"),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return u, nil
}

func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT user_id, username, payable_ref FROM users WHERE user_id = $1`, userID).
		Scan(&u.UserID, &u.Username, &u.PayableRef)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	return &u, nil
}
