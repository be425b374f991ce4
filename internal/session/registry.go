// Package session keeps the live quiz sessions of the process, addressed by join code.
package session

import (
	"cmp"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/game"
)

const (
	DefaultCodeLength  = 6
	DefaultIdleTimeout = 30 * time.Minute
	DefaultFinishedTTL = 10 * time.Minute

	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 16
	minReapInterval = time.Second
)

// End reasons.
const (
	ReasonHost     = "ended_by_host"
	ReasonIdle     = "idle"
	ReasonFinished = "finished"
	ReasonShutdown = "shutdown"
)

type Config struct {
	Questions []domain.Question

	TimeLimit    time.Duration
	TickInterval time.Duration
	ResultsDelay time.Duration

	IdleTimeout time.Duration
	FinishedTTL time.Duration
	CodeLength  int

	Clock  clockwork.Clock
	Sink   game.Sink
	Events game.Publisher
}

type Registry struct {
	questions    []domain.Question
	timeLimit    time.Duration
	tickInterval time.Duration
	resultsDelay time.Duration
	idleTimeout  time.Duration
	finishedTTL  time.Duration
	codeLength   int

	clock  clockwork.Clock
	sink   game.Sink
	events game.Publisher

	mu       sync.RWMutex
	sessions map[string]*game.Session
}

func NewRegistry(c Config) *Registry {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.FinishedTTL <= 0 {
		c.FinishedTTL = DefaultFinishedTTL
	}
	if c.CodeLength <= 0 {
		c.CodeLength = DefaultCodeLength
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sink == nil {
		c.Sink = game.SinkFunc(func([]game.Envelope) {})
	}

	return &Registry{
		questions:    slices.Clone(c.Questions),
		timeLimit:    c.TimeLimit,
		tickInterval: c.TickInterval,
		resultsDelay: c.ResultsDelay,
		idleTimeout:  c.IdleTimeout,
		finishedTTL:  c.FinishedTTL,
		codeLength:   c.CodeLength,
		clock:        c.Clock,
		sink:         c.Sink,
		events:       c.Events,
		sessions:     make(map[string]*game.Session),
	}
}

// CreateSession opens a new session in the lobby, hosted by hostConnID.
func (r *Registry) CreateSession(ctx context.Context, hostConnID string) (*game.Session, error) {
	if hostConnID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing host connection"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.newCodeLocked()
	if err != nil {
		return nil, errors.Internal(err)
	}

	s := game.New(game.Config{
		Code:         code,
		HostConnID:   hostConnID,
		HostToken:    uuid.NewString(),
		Questions:    r.questions,
		TimeLimit:    r.timeLimit,
		TickInterval: r.tickInterval,
		ResultsDelay: r.resultsDelay,
		Clock:        r.clock,
		Sink:         r.sink,
		Events:       r.events,
	})
	r.sessions[code] = s

	if r.events != nil {
		r.events.Publish(ctx, domain.EventSessionCreated{SessionCode: code})
	}

	slog.InfoContext(ctx, "session: created", "session", code, "questions", len(r.questions))
	return s, nil
}

// newCodeLocked draws codes until one is free. The alphabet has 36 symbols so
// the modulo bias of a random byte is small enough for join codes.
func (r *Registry) newCodeLocked() (string, error) {
	buf := make([]byte, r.codeLength)
	out := make([]byte, r.codeLength)

	for range maxCodeAttempts {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}

		for i := range out {
			out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}

		if _, taken := r.sessions[string(out)]; !taken {
			return string(out), nil
		}
	}

	return "", fmt.Errorf("no free session code after %d attempts", maxCodeAttempts)
}

func (r *Registry) GetSession(code string) (*game.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[code]
	if !ok {
		return nil, errors.New(errors.CodeSessionNotFound,
			errors.WithMessagef("session %q not found", code))
	}

	return s, nil
}

// EndSession removes the session and tears it down. The returned envelopes tell
// its connections that it ended.
func (r *Registry) EndSession(code, reason string) ([]game.Envelope, error) {
	r.mu.Lock()
	s, ok := r.sessions[code]
	delete(r.sessions, code)
	r.mu.Unlock()

	if !ok {
		return nil, errors.New(errors.CodeSessionNotFound,
			errors.WithMessagef("session %q not found", code))
	}

	return s.End(reason), nil
}

// Sessions lists the live sessions, oldest first.
func (r *Registry) Sessions() []domain.SessionSummary {
	r.mu.RLock()
	all := make([]*game.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]domain.SessionSummary, 0, len(all))
	for _, s := range all {
		out = append(out, s.Summary())
	}

	slices.SortFunc(out, func(a, b domain.SessionSummary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})

	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap removes idle and long finished sessions until ctx is done.
func (r *Registry) Reap(ctx context.Context) error {
	ticker := r.clock.NewTicker(max(min(r.idleTimeout, r.finishedTTL)/2, minReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce ends every session past its idle timeout, or past its TTL once the game
// is over, and returns their codes.
func (r *Registry) ReapOnce(ctx context.Context) []string {
	now := r.clock.Now()

	r.mu.Lock()
	var (
		codes  []string
		reaped []*game.Session
		reason []string
	)
	for code, s := range r.sessions {
		sum := s.Summary()
		idle := now.Sub(sum.LastActive)

		switch {
		case sum.State == domain.StateGameOver && idle >= r.finishedTTL:
			reason = append(reason, ReasonFinished)
		case idle >= r.idleTimeout:
			reason = append(reason, ReasonIdle)
		default:
			continue
		}

		delete(r.sessions, code)
		codes = append(codes, code)
		reaped = append(reaped, s)
	}
	r.mu.Unlock()

	for i, s := range reaped {
		r.sink.Deliver(s.End(reason[i]))
		slog.InfoContext(ctx, "session: reaped", "session", codes[i], "reason", reason[i])
	}

	slices.Sort(codes)
	return codes
}

// Shutdown ends every session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*game.Session)
	r.mu.Unlock()

	for _, s := range all {
		r.sink.Deliver(s.End(ReasonShutdown))
	}

	slog.InfoContext(ctx, "session: all sessions ended", "count", len(all))
}
