package session_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/game"
	"github.com/victornm/livequiz/internal/session"
)

const (
	idleTimeout = 30 * time.Minute
	finishedTTL = 5 * time.Minute
)

func TestRegistry_CreateSession(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		created []event.Event
	)
	bus := event.NewBus()
	bus.Subscribe(domain.EventNameSessionCreated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		defer mu.Unlock()
		created = append(created, e)
		return nil
	})

	r, _, _ := makeRegistry(t, func(c *session.Config) { c.Events = bus })

	codes := make(map[string]bool)
	for range 50 {
		s, err := r.CreateSession(context.Background(), "host")
		require.NoError(t, err)

		assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), s.Code())
		assert.Equal(t, domain.StateLobby, s.State())
		assert.Equal(t, 1, s.TotalQuestions())
		assert.True(t, s.IsHost("host"))
		assert.NotEmpty(t, s.HostToken())
		codes[s.Code()] = true
	}
	bus.Stop()

	assert.Len(t, codes, 50, "codes should be unique")
	assert.Equal(t, 50, r.Len())
	assert.Len(t, created, 50)
}

func TestRegistry_CreateSession_MissingHost(t *testing.T) {
	t.Parallel()

	r, _, _ := makeRegistry(t)
	_, err := r.CreateSession(context.Background(), "")
	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
}

func TestRegistry_GetSession(t *testing.T) {
	tests := map[string]struct {
		code   func(created string) string
		assert func(t *testing.T, created string, s *game.Session, err error)
	}{
		"existing code should return the session": {
			code: func(created string) string { return created },
			assert: func(t *testing.T, created string, s *game.Session, err error) {
				require.NoError(t, err)
				assert.Equal(t, created, s.Code())
			},
		},

		"unknown code should be not found": {
			code: func(string) string { return "ZZZZZZZ" },
			assert: func(t *testing.T, created string, s *game.Session, err error) {
				assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err))
				assert.Nil(t, s)
			},
		},

		"codes are case sensitive": {
			code: func(created string) string { return "x" + created[1:] },
			assert: func(t *testing.T, created string, s *game.Session, err error) {
				assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r, _, _ := makeRegistry(t)
			s, err := r.CreateSession(context.Background(), "host")
			require.NoError(t, err)

			got, err := r.GetSession(tt.code(s.Code()))
			tt.assert(t, s.Code(), got, err)
		})
	}
}

func TestRegistry_EndSession(t *testing.T) {
	t.Parallel()

	r, _, _ := makeRegistry(t)
	s, err := r.CreateSession(context.Background(), "host")
	require.NoError(t, err)

	envs, err := r.EndSession(s.Code(), session.ReasonHost)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, game.EventSessionEnded, envs[0].Event)
	assert.Equal(t, []string{"host"}, envs[0].To)
	assert.True(t, s.Ended())

	_, err = r.GetSession(s.Code())
	assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err))

	_, err = r.EndSession(s.Code(), session.ReasonHost)
	assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err))

	_, err = s.Join("c1", "alice")
	assert.Equal(t, errors.CodeSessionNotFound, errors.CodeOf(err), "a held reference to an ended session is unusable")
}

func TestRegistry_Sessions(t *testing.T) {
	t.Parallel()

	r, fc, _ := makeRegistry(t)
	first, err := r.CreateSession(context.Background(), "h1")
	require.NoError(t, err)
	fc.Advance(time.Second)
	second, err := r.CreateSession(context.Background(), "h2")
	require.NoError(t, err)

	_, err = second.Join("c1", "alice")
	require.NoError(t, err)

	got := r.Sessions()
	require.Len(t, got, 2)
	assert.Equal(t, first.Code(), got[0].Code)
	assert.Equal(t, second.Code(), got[1].Code)
	assert.Equal(t, 1, got[1].Players)
	assert.Equal(t, 1, got[1].Connected)
	assert.Equal(t, domain.StateLobby, got[1].State)
}

func TestRegistry_ReapOnce(t *testing.T) {
	t.Parallel()

	r, fc, rec := makeRegistry(t)
	ctx := context.Background()

	idle, err := r.CreateSession(ctx, "h1")
	require.NoError(t, err)

	finished, err := r.CreateSession(ctx, "h2")
	require.NoError(t, err)
	_, err = finished.Join("c1", "alice")
	require.NoError(t, err)
	_, err = finished.StartGame("h2")
	require.NoError(t, err)
	_, err = finished.SubmitAnswer("c1", "alice", 0, 0)
	require.NoError(t, err)
	fc.Advance(game.DefaultResultsDelay)
	require.Eventually(t, func() bool { return finished.State() == domain.StateGameOver }, time.Second, time.Millisecond)

	assert.Empty(t, r.ReapOnce(ctx), "nothing is stale yet")

	fc.Advance(finishedTTL)
	assert.Equal(t, []string{finished.Code()}, r.ReapOnce(ctx))
	assert.True(t, finished.Ended())
	assert.False(t, idle.Ended())

	fc.Advance(idleTimeout)
	assert.Equal(t, []string{idle.Code()}, r.ReapOnce(ctx))
	assert.True(t, idle.Ended())
	assert.Zero(t, r.Len())

	var reasons []string
	for _, e := range rec.all() {
		if e.Event == game.EventSessionEnded {
			reasons = append(reasons, e.Data.(game.SessionEnded).Reason)
		}
	}
	assert.Equal(t, []string{session.ReasonFinished, session.ReasonIdle}, reasons)
}

func TestRegistry_ActivityKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	r, fc, _ := makeRegistry(t)
	ctx := context.Background()

	s, err := r.CreateSession(ctx, "host")
	require.NoError(t, err)

	fc.Advance(idleTimeout - time.Minute)
	_, err = s.Join("c1", "alice")
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	assert.Empty(t, r.ReapOnce(ctx))
	assert.False(t, s.Ended())
}

func TestRegistry_Reap(t *testing.T) {
	t.Parallel()

	r, fc, _ := makeRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := r.CreateSession(ctx, "host")
	require.NoError(t, err)

	fc.Advance(idleTimeout)
	assert.False(t, s.Ended(), "nothing reaps without the loop")

	done := make(chan error, 1)
	go func() { done <- r.Reap(ctx) }()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(finishedTTL)
	require.Eventually(t, s.Ended, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRegistry_Reap_TinyTimeouts(t *testing.T) {
	t.Parallel()

	r, fc, _ := makeRegistry(t, func(c *session.Config) {
		c.IdleTimeout = time.Nanosecond
		c.FinishedTTL = time.Nanosecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := r.CreateSession(ctx, "host")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Reap(ctx) }()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Second)
	require.Eventually(t, s.Ended, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Parallel()

	r, _, rec := makeRegistry(t)
	ctx := context.Background()

	a, err := r.CreateSession(ctx, "h1")
	require.NoError(t, err)
	b, err := r.CreateSession(ctx, "h2")
	require.NoError(t, err)

	r.Shutdown(ctx)

	assert.True(t, a.Ended())
	assert.True(t, b.Ended())
	assert.Empty(t, r.Sessions())
	assert.Len(t, rec.all(), 2)
}

func makeRegistry(t *testing.T, opts ...func(c *session.Config)) (*session.Registry, *clockwork.FakeClock, *recorder) {
	t.Helper()

	fc := clockwork.NewFakeClock()
	rec := &recorder{}

	c := session.Config{
		Questions: []domain.Question{
			{Text: "2 + 2?", Answers: []string{"4", "5"}, CorrectIndex: 0},
		},
		TimeLimit:   10 * time.Second,
		IdleTimeout: idleTimeout,
		FinishedTTL: finishedTTL,
		Clock:       fc,
		Sink:        rec,
	}
	for _, opt := range opts {
		opt(&c)
	}

	r := session.NewRegistry(c)
	t.Cleanup(func() { r.Shutdown(context.Background()) })

	return r, fc, rec
}

type recorder struct {
	mu   sync.Mutex
	envs []game.Envelope
}

func (r *recorder) Deliver(envs []game.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, envs...)
}

func (r *recorder) all() []game.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]game.Envelope(nil), r.envs...)
}
