package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/triviapool/engine/internal/domain"
	"github.com/triviapool/engine/internal/event"
	"github.com/triviapool/engine/internal/leaderboard"
)

func TestService_UpdateStanding(t *testing.T) {
	s := makeService(t)

	err := s.UpdateStanding(context.Background(), domain.EventStandingUpdated{
		Standing: domain.Standing{
			UserID:   "u1",
			Wins:     2,
			Games:    5,
			Earnings: decimal.NewFromFloat(12.5),
		},
	})
	require.NoError(t, err)

	l, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{})
	require.NoError(t, err)

	require.Len(t, l.Entries, 1)
	require.Equal(t, "u1", l.Entries[0].UserID)
	require.EqualValues(t, 2, l.Entries[0].Wins)
	require.EqualValues(t, 5, l.Entries[0].Games)
	require.True(t, decimal.NewFromFloat(12.5).Equal(l.Entries[0].Earnings))
}

func TestService_OrderedByEarnings(t *testing.T) {
	s := makeService(t)

	standings := []domain.Standing{
		{UserID: "u1", Wins: 1, Games: 3, Earnings: decimal.NewFromInt(10)},
		{UserID: "u2", Wins: 4, Games: 4, Earnings: decimal.NewFromInt(40)},
		{UserID: "u3", Wins: 0, Games: 8, Earnings: decimal.NewFromInt(25)},
	}
	for _, st := range standings {
		require.NoError(t, s.UpdateStanding(context.Background(), domain.EventStandingUpdated{Standing: st}))
	}

	l, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{})
	require.NoError(t, err)

	got := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		got = append(got, e.UserID)
	}
	require.Equal(t, []string{"u2", "u3", "u1"}, got)

	top, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, top.Entries, 1)
	require.Equal(t, "u2", top.Entries[0].UserID)
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventStandingUpdated
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after receiving standing.updated": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventStandingUpdated{
						{Standing: domain.Standing{UserID: "u1", Wins: 1, Games: 1, Earnings: decimal.NewFromInt(10)}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Len(t, out.publishedEvents[0].Leaderboard.Entries, 1)
				require.Equal(t, "u1", out.publishedEvents[0].Leaderboard.Entries[0].UserID)
			},
		},

		"should collapse a burst of standing.updated into one publish": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventStandingUpdated{
						{Standing: domain.Standing{UserID: "u1", Wins: 1, Games: 1, Earnings: decimal.NewFromInt(10)}},
						{Standing: domain.Standing{UserID: "u2", Wins: 0, Games: 1, Earnings: decimal.NewFromInt(0)}},
						{Standing: domain.Standing{UserID: "u3", Wins: 0, Games: 1, Earnings: decimal.NewFromInt(0)}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateStanding(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
