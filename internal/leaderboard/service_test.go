package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/leaderboard"
)

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), board("s1",
		domain.LeaderboardEntry{Name: "u1", Score: 1900, CorrectAnswers: 2, Connected: true},
		domain.LeaderboardEntry{Name: "u2", Score: -50},
	), false)
	require.NoError(t, err)

	resp, err := s.GetLeaderboard(context.Background(), "s1")
	require.NoError(t, err)

	want := &domain.Leaderboard{
		SessionCode: "s1",
		Entries: []domain.LeaderboardEntry{
			{Name: "u1", Score: 1900, CorrectAnswers: 2, Connected: true},
			{Name: "u2", Score: -50},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_UpdateLeaderboard_KeepsSessionOrderOnTies(t *testing.T) {
	s, _ := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), board("s1",
		domain.LeaderboardEntry{Name: "zoe", Score: 500},
		domain.LeaderboardEntry{Name: "adam", Score: 500},
	), false)
	require.NoError(t, err)

	resp, err := s.GetLeaderboard(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "zoe", resp.Entries[0].Name)
	assert.Equal(t, "adam", resp.Entries[1].Name)
}

func TestService_UpdateLeaderboard_ReplacesPreviousBoard(t *testing.T) {
	s, mr := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, board("s1",
		domain.LeaderboardEntry{Name: "u1", Score: 100},
	), false))
	require.NoError(t, s.UpdateLeaderboard(ctx, board("s1",
		domain.LeaderboardEntry{Name: "u2", Score: 900},
		domain.LeaderboardEntry{Name: "u1", Score: 300},
	), false))

	resp, err := s.GetLeaderboard(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{
		{Name: "u2", Score: 900},
		{Name: "u1", Score: 300},
	}, resp.Entries)

	assert.Positive(t, mr.TTL("quiz:s1:leaderboard"), "mirrored keys should expire")
}

func TestService_GetLeaderboard_NotFound(t *testing.T) {
	s, _ := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), "nope")
	assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err))
}

func TestService_MirrorsSessionEvents(t *testing.T) {
	eb := event.NewBus()
	s, _ := makeService(t, withEventBus(eb))

	eb.Publish(context.Background(), domain.EventQuestionClosed{
		SessionCode: "s1",
		Trigger:     domain.TriggerDeadline,
		Result: domain.QuestionResult{
			Leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 910, CorrectAnswers: 1}),
		},
	})
	eb.Publish(context.Background(), domain.EventGameOver{
		SessionCode: "s2",
		Leaderboard: board("s2", domain.LeaderboardEntry{Name: "u2", Score: 42}),
	})
	eb.Stop()

	l1, err := s.GetLeaderboard(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(910), l1.Entries[0].Score)

	l2, err := s.GetLeaderboard(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, "u2", l2.Entries[0].Name)
}

func TestServer_PublishLeaderboardUpdated(t *testing.T) {
	type (
		update struct {
			leaderboard domain.Leaderboard
			final       bool
		}

		inputs struct {
			updates []update
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish correct event leaderboard.updated after an update": {
			arrange: func() inputs {
				return inputs{
					updates: []update{
						{leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 100, CorrectAnswers: 1})},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					SessionCode: "s1",
					Entries: []domain.LeaderboardEntry{
						{Name: "u1", Score: 100, CorrectAnswers: 1},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events leaderboard.updated after updates for 2 different sessions": {
			arrange: func() inputs {
				return inputs{
					updates: []update{
						{leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 100})},
						{leaderboard: board("s2", domain.LeaderboardEntry{Name: "u2", Score: 200})},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated event")
			},
		},

		"should publish 1 event leaderboard.updated after updates for the same session within the publish interval": {
			arrange: func() inputs {
				return inputs{
					updates: []update{
						{leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 100})},
						{leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 300})},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},

		"final update should always be published": {
			arrange: func() inputs {
				return inputs{
					updates: []update{
						{leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 100})},
						{leaderboard: board("s1", domain.LeaderboardEntry{Name: "u1", Score: 300}), final: true},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2)
				assert.Equal(t, int64(300), out.publishedEvents[1].Leaderboard.Entries[0].Score)
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

			s, _ := makeService(t,
				withEventBus(eb),
			)

			for _, u := range in.updates {
				err := s.UpdateLeaderboard(context.Background(), u.leaderboard, u.final)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func board(code string, entries ...domain.LeaderboardEntry) domain.Leaderboard {
	return domain.Leaderboard{SessionCode: code, Entries: entries}
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
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
		Prefix:   "quiz",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
