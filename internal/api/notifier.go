package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/game"
)

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// NATS is the publishing side of *nats.Conn.
type NATS interface {
	Publish(subject string, data []byte) error
}

type NotifierConfig struct {
	EventBus *event.Bus

	// Redis and NATS are both optional.
	Redis         Redis
	PubsubPrefix  string
	NATS          NATS
	SubjectPrefix string
}

// Notifier forwards leaderboard changes and game results to systems outside of
// the process: a Redis channel per session and a NATS subject per session and event.
type Notifier struct {
	redis         Redis
	prefix        string
	nats          NATS
	subjectPrefix string
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	LeaderboardNotification struct {
		Code        string                `json:"code"`
		Final       bool                  `json:"final"`
		Leaderboard []game.LeaderboardRow `json:"leaderboard"`
	}
)

func NewNotifier(c NotifierConfig) *Notifier {
	n := &Notifier{
		redis:         c.Redis,
		prefix:        c.PubsubPrefix,
		nats:          c.NATS,
		subjectPrefix: c.SubjectPrefix,
	}

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return n.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	c.EventBus.Subscribe(domain.EventNameGameOver, func(ctx context.Context, e event.Event) error {
		return n.PublishGameOver(ctx, e.(domain.EventGameOver))
	})

	return n
}

func (n *Notifier) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard
	return n.publish(ctx, l.SessionCode, e.Name(), LeaderboardNotification{
		Code:        l.SessionCode,
		Leaderboard: game.LeaderboardRows(l),
	})
}

func (n *Notifier) PublishGameOver(ctx context.Context, e domain.EventGameOver) error {
	return n.publish(ctx, e.SessionCode, e.Name(), LeaderboardNotification{
		Code:        e.SessionCode,
		Final:       true,
		Leaderboard: game.LeaderboardRows(e.Leaderboard),
	})
}

func (n *Notifier) publish(ctx context.Context, code, event string, data any) error {
	b, err := json.Marshal(Notification{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %w", event, err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	if n.redis != nil {
		eg.Go(func() error {
			if err := n.redis.Publish(ctx, fmt.Sprintf("%s:session:%s", n.prefix, code), b).Err(); err != nil {
				return fmt.Errorf("pubsub: redis publish %s: %w", event, err)
			}
			return nil
		})
	}

	if n.nats != nil {
		eg.Go(func() error {
			if err := n.nats.Publish(fmt.Sprintf("%s.%s.%s", n.subjectPrefix, code, event), b); err != nil {
				return fmt.Errorf("pubsub: nats publish %s: %w", event, err)
			}
			return nil
		})
	}

	return eg.Wait()
}
