package event_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/triviapool/engine/internal/event"
)

type stubEvent string

func (e stubEvent) Name() string { return string(e) }

// recorder collects, per named handler, the names of the events it saw.
type recorder struct {
	mu   sync.Mutex
	seen map[string][]string
}

func (r *recorder) handler(name string, fail bool) event.Handler {
	return func(_ context.Context, e event.Event) error {
		r.mu.Lock()
		r.seen[name] = append(r.seen[name], e.Name())
		r.mu.Unlock()

		if fail {
			return fmt.Errorf("handler %s failed", name)
		}
		return nil
	}
}

func TestBus_Dispatch(t *testing.T) {
	tests := map[string]struct {
		arrange func(b *event.Bus, rec *recorder)
		publish []stubEvent
		assert  func(t *testing.T, seen map[string][]string)
	}{
		"handler only sees its own event": {
			arrange: func(b *event.Bus, rec *recorder) {
				b.Subscribe("room.locked", rec.handler("escrow", false))
			},
			publish: []stubEvent{"room.locked", "match.finished"},

			assert: func(t *testing.T, seen map[string][]string) {
				assert.Equal(t, []string{"room.locked"}, seen["escrow"])
			},
		},

		"every handler of an event fires": {
			arrange: func(b *event.Bus, rec *recorder) {
				b.Subscribe("match.finished", rec.handler("payout", false))
				b.Subscribe("match.finished", rec.handler("market", false))
			},
			publish: []stubEvent{"match.finished"},

			assert: func(t *testing.T, seen map[string][]string) {
				assert.Equal(t, []string{"match.finished"}, seen["payout"])
				assert.Equal(t, []string{"match.finished"}, seen["market"])
			},
		},

		"repeated publishes are all delivered": {
			arrange: func(b *event.Bus, rec *recorder) {
				b.Subscribe("standing.updated", rec.handler("board", false))
			},
			publish: []stubEvent{"standing.updated", "standing.updated", "standing.updated"},

			assert: func(t *testing.T, seen map[string][]string) {
				assert.Len(t, seen["board"], 3)
			},
		},

		"a failing handler does not starve its siblings": {
			arrange: func(b *event.Bus, rec *recorder) {
				b.Subscribe("match.finished", rec.handler("flaky", true))
				b.Subscribe("match.finished", rec.handler("steady", false))
			},
			publish: []stubEvent{"match.finished", "match.finished"},

			assert: func(t *testing.T, seen map[string][]string) {
				assert.Len(t, seen["flaky"], 2)
				assert.Len(t, seen["steady"], 2)
			},
		},

		"publish without a subscriber is a no-op": {
			arrange: func(b *event.Bus, rec *recorder) {
				b.Subscribe("room.locked", rec.handler("escrow", false))
			},
			publish: []stubEvent{"leaderboard.updated"},

			assert: func(t *testing.T, seen map[string][]string) {
				assert.Empty(t, seen)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := event.NewBus()
			rec := &recorder{seen: make(map[string][]string)}
			tt.arrange(b, rec)

			for _, e := range tt.publish {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, rec.seen)
		})
	}
}
