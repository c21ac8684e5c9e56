package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/errors"
	"github.com/triviapool/engine/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

// Service keeps the earnings leaderboard as a redis read model, fed by
// standing.updated events from match resolution. The durable standings
// table stays the source of truth; this view can be rebuilt from it.
type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameStandingUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateStanding(ctx, e.(domain.EventStandingUpdated))
	})

	return s
}

type GetLeaderboardRequest struct {
	Limit int
}

// GetLeaderboard returns users ordered by lifetime earnings, highest
// first. Limit <= 0 returns the whole board.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	stop := int64(-1)
	if req.Limit > 0 {
		stop = int64(req.Limit) - 1
	}

	res, err := s.redis.ZRevRangeWithScores(ctx, s.boardKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard is empty"))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		e, err := s.loadEntry(ctx, z.Member.(string))
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return &domain.Leaderboard{Entries: entries}, nil
}

func (s *Service) loadEntry(ctx context.Context, userID string) (domain.LeaderboardEntry, error) {
	vals, err := s.redis.HGetAll(ctx, s.standingKey(userID)).Result()
	if err != nil {
		return domain.LeaderboardEntry{}, fmt.Errorf("get standing %s: %w", userID, err)
	}

	e := domain.LeaderboardEntry{UserID: userID, Earnings: decimal.Zero}
	if v, ok := vals["wins"]; ok {
		e.Wins, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["games"]; ok {
		e.Games, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["earnings"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			e.Earnings = d
		}
	}

	return e, nil
}

// UpdateStanding overwrites the user's row in the read model.
func (s *Service) UpdateStanding(ctx context.Context, e domain.EventStandingUpdated) error {
	st := e.Standing

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.boardKey(), redis.Z{
			Score:  st.Earnings.InexactFloat64(),
			Member: st.UserID,
		})
		p.HSet(ctx, s.standingKey(st.UserID),
			"wins", st.Wins,
			"games", st.Games,
			"earnings", st.Earnings.String(),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update standing: %w", err)
	}

	return s.schedulePublish(ctx)
}

// schedulePublish publishes the board after a debounce interval rather
// than on every update. A finished match updates one standing per
// participant in a burst; this collapses the burst into one event.
func (s *Service) schedulePublish(ctx context.Context) error {
	ok, err := s.redis.SetNX(ctx, s.timeKey(), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{})
	if err != nil {
		return fmt.Errorf("get leaderboard for publish: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})

	return nil
}

func (s *Service) boardKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) standingKey(userID string) string {
	return fmt.Sprintf("%s:standing:%s", s.prefix, userID)
}

func (s *Service) timeKey() string {
	return fmt.Sprintf("%s:leaderboard:time", s.prefix)
}
