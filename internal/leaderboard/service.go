// Package leaderboard mirrors session leaderboards into Redis so they can be read
// outside of the process that runs the session.
package leaderboard

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultTTL      = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// TTL of the mirrored keys, refreshed on every write.
	TTL time.Duration
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}

	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	s.eb.Subscribe(domain.EventNameQuestionClosed, func(ctx context.Context, e event.Event) error {
		qc := e.(domain.EventQuestionClosed)
		return s.UpdateLeaderboard(ctx, qc.Result.Leaderboard, false)
	})

	s.eb.Subscribe(domain.EventNameGameOver, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventGameOver).Leaderboard, true)
	})

	return s
}

// GetLeaderboard returns the last mirrored leaderboard of a session.
func (s *Service) GetLeaderboard(ctx context.Context, code string) (*domain.Leaderboard, error) {
	var (
		scores    *redis.ZSliceCmd
		correct   *redis.MapStringStringCmd
		rank      *redis.MapStringStringCmd
		connected *redis.MapStringStringCmd
	)

	_, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		scores = p.ZRevRangeWithScores(ctx, s.key(code, "leaderboard"), 0, -1)
		correct = p.HGetAll(ctx, s.key(code, "correct"))
		rank = p.HGetAll(ctx, s.key(code, "rank"))
		connected = p.HGetAll(ctx, s.key(code, "connected"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	res := scores.Val()
	if len(res) == 0 {
		return nil, errors.New(errors.CodeSessionNotFound,
			errors.WithMessagef("leaderboard not found: session=%s", code))
	}

	type ranked struct {
		domain.LeaderboardEntry
		rank int
	}

	entries := make([]ranked, 0, len(res))
	for _, z := range res {
		name := z.Member.(string)
		n, _ := strconv.Atoi(correct.Val()[name])
		r, _ := strconv.Atoi(rank.Val()[name])

		entries = append(entries, ranked{
			LeaderboardEntry: domain.LeaderboardEntry{
				Name:           name,
				Score:          int64(z.Score),
				CorrectAnswers: n,
				Connected:      connected.Val()[name] == "1",
			},
			rank: r,
		})
	}

	// Redis breaks score ties by member name, the session by join order.
	slices.SortStableFunc(entries, func(a, b ranked) int {
		return cmp.Compare(a.rank, b.rank)
	})

	l := &domain.Leaderboard{SessionCode: code, Entries: make([]domain.LeaderboardEntry, 0, len(entries))}
	for _, e := range entries {
		l.Entries = append(l.Entries, e.LeaderboardEntry)
	}

	return l, nil
}

// UpdateLeaderboard overwrites the mirrored leaderboard of the session. final
// publishes the update right away instead of throttling it.
func (s *Service) UpdateLeaderboard(ctx context.Context, l domain.Leaderboard, final bool) error {
	if len(l.Entries) == 0 {
		return nil
	}

	var (
		board     = s.key(l.SessionCode, "leaderboard")
		correct   = s.key(l.SessionCode, "correct")
		rank      = s.key(l.SessionCode, "rank")
		connected = s.key(l.SessionCode, "connected")
	)

	// TODO: retry on error
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, board, correct, rank, connected)

		members := make([]redis.Z, 0, len(l.Entries))
		for i, e := range l.Entries {
			members = append(members, redis.Z{Score: float64(e.Score), Member: e.Name})
			p.HSet(ctx, correct, e.Name, e.CorrectAnswers)
			p.HSet(ctx, rank, e.Name, i)
			p.HSet(ctx, connected, e.Name, e.Connected)
		}
		p.ZAdd(ctx, board, members...)

		for _, k := range []string{board, correct, rank, connected} {
			p.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	if final {
		return s.publishLeaderboard(ctx, l.SessionCode)
	}

	return s.schedulePublishLeaderboard(ctx, l.SessionCode)
}

// schedulePublishLeaderboard publishes at most one update per session and publishInterval.
// The SETNX makes several instances sharing the Redis agree on who publishes.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, code string) error {
	ok, err := s.redis.SetNX(ctx, s.key(code, "time"), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, code)
}

func (s *Service) publishLeaderboard(ctx context.Context, code string) error {
	l, err := s.GetLeaderboard(ctx, code)
	if err != nil {
		return fmt.Errorf("get leaderboard failed: session=%s: %w", code, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) key(code, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, code, suffix)
}
