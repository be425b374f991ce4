// Package game implements a single quiz session: its state machine, the players
// bound to it and the countdown that drives each question.
//
// Every method takes the session lock, so inbound calls and timer callbacks never
// interleave inside a transition. Transitions out of a question are guarded by the
// state and question index they expect, which makes the first trigger win and turns
// every later one into a no-op.
package game

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/scoring"
)

const (
	DefaultTimeLimit    = 10 * time.Second
	DefaultTickInterval = time.Second
	DefaultResultsDelay = 3 * time.Second
)

// Publisher receives domain events. *event.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

type Config struct {
	Code       string
	HostConnID string
	HostToken  string
	Questions  []domain.Question

	TimeLimit    time.Duration
	TickInterval time.Duration
	ResultsDelay time.Duration

	Clock  clockwork.Clock
	Sink   Sink
	Events Publisher
}

type Session struct {
	mu sync.Mutex

	code         string
	questions    []domain.Question
	timeLimit    time.Duration
	tick         time.Duration
	resultsDelay time.Duration

	clock  clockwork.Clock
	sink   Sink
	events Publisher

	host struct {
		connID    string
		connected bool
		player    string
		token     string
	}

	state         domain.State
	current       int
	questionStart time.Time
	deadline      time.Time
	players       map[string]*domain.Player
	joined        []*domain.Player

	countdown *countdown
	advance   clockwork.Timer

	createdAt  time.Time
	startedAt  time.Time
	lastActive time.Time
	ended      bool
}

func New(c Config) *Session {
	if c.TimeLimit <= 0 {
		c.TimeLimit = DefaultTimeLimit
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ResultsDelay <= 0 {
		c.ResultsDelay = DefaultResultsDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sink == nil {
		c.Sink = SinkFunc(func([]Envelope) {})
	}
	if c.Events == nil {
		c.Events = nopPublisher{}
	}

	now := c.Clock.Now()
	s := &Session{
		code:         c.Code,
		questions:    slices.Clone(c.Questions),
		timeLimit:    c.TimeLimit,
		tick:         c.TickInterval,
		resultsDelay: c.ResultsDelay,
		clock:        c.Clock,
		sink:         c.Sink,
		events:       c.Events,
		state:        domain.StateLobby,
		players:      make(map[string]*domain.Player),
		createdAt:    now,
		lastActive:   now,
	}
	s.host.connID = c.HostConnID
	s.host.connected = c.HostConnID != ""
	s.host.token = c.HostToken

	return s
}

func (s *Session) Code() string { return s.code }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *Session) TotalQuestions() int { return len(s.questions) }

// HostToken is the secret the host presents to take its role back from a new connection.
func (s *Session) HostToken() string { return s.host.token }

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// StartGame moves the session out of the lobby and opens the first question.
// Only the host connection may start, and only with at least one question and one player.
func (s *Session) StartGame(connID string) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}

	if !s.host.connected || connID != s.host.connID {
		return nil, errors.New(errors.CodeUnauthorized)
	}

	if s.state != domain.StateLobby {
		return nil, errors.New(errors.CodeInvalidTransition,
			errors.WithMessagef("cannot start a game in state %s", s.state))
	}

	if len(s.questions) == 0 {
		return nil, errors.New(errors.CodeInvalidTransition,
			errors.WithMessagef("session %s has no questions", s.code))
	}

	if len(s.joined) == 0 {
		return nil, errors.New(errors.CodeInvalidTransition,
			errors.WithMessagef("session %s has no players", s.code))
	}

	now := s.clock.Now()
	s.startedAt = now
	s.lastActive = now

	envs := []Envelope{{
		To:    s.recipientsLocked(),
		Event: EventGameStarted,
		Data:  GameStarted{TotalQuestions: len(s.questions)},
	}}
	envs = append(envs, s.startQuestionLocked(0)...)

	slog.Info("game: started", "session", s.code, "players", len(s.joined), "questions", len(s.questions))
	return envs, nil
}

// SubmitAnswer records the first answer of a player for the open question.
func (s *Session) SubmitAnswer(connID, name string, questionIndex, chosen int) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return nil, err
	}

	p, ok := s.players[name]
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown player %q", name))
	}

	if p.ConnID != connID {
		return nil, errors.New(errors.CodeUnauthorized,
			errors.WithMessagef("connection is not bound to player %q", name))
	}

	switch s.state {
	case domain.StateQuestionActive:
	case domain.StateQuestionResults:
		if questionIndex == s.current {
			if a, ok := p.Answers[questionIndex]; ok && a.Answered() {
				return nil, errors.New(errors.CodeDuplicateAnswer)
			}
			return nil, errors.New(errors.CodeTooLate)
		}
		return nil, errors.New(errors.CodeInvalidTransition,
			errors.WithMessagef("question %d is not open", questionIndex))
	default:
		return nil, errors.New(errors.CodeInvalidTransition,
			errors.WithMessagef("no question is open in state %s", s.state))
	}

	if questionIndex != s.current {
		return nil, errors.New(errors.CodeInvalidTransition,
			errors.WithMessagef("question %d is not open, current is %d", questionIndex, s.current))
	}

	if _, ok := p.Answers[questionIndex]; ok {
		return nil, errors.New(errors.CodeDuplicateAnswer)
	}

	now := s.clock.Now()
	if now.After(s.deadline) {
		return nil, errors.New(errors.CodeTooLate)
	}

	q := s.questions[questionIndex]
	if chosen < 0 || chosen >= len(q.Answers) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("answer index %d out of range [0, %d)", chosen, len(q.Answers)))
	}

	taken := min(max(now.Sub(s.questionStart), 0), s.timeLimit)
	correct := q.IsCorrect(chosen)
	a := domain.Answer{
		PlayerName:    name,
		QuestionIndex: questionIndex,
		ChosenIndex:   &chosen,
		IsCorrect:     correct,
		Points:        scoring.Points(correct, taken, s.timeLimit),
		TimeTaken:     taken,
	}
	p.Answers[questionIndex] = a
	p.Score += a.Points
	s.lastActive = now

	s.publish(domain.EventAnswerRecorded{SessionCode: s.code, Answer: a})

	envs := []Envelope{{
		To:    []string{connID},
		Event: EventAnswerSubmitted,
		Data: AnswerSubmitted{
			QuestionIndex: questionIndex,
			IsCorrect:     a.IsCorrect,
			Points:        a.Points,
			Score:         p.Score,
		},
	}}

	if s.host.connected && s.host.connID != connID {
		envs = append(envs, Envelope{
			To:    []string{s.host.connID},
			Event: EventPlayerAnswered,
			Data: PlayerAnswered{
				PlayerName:    name,
				QuestionIndex: questionIndex,
				Answered:      s.answeredCountLocked(),
				Players:       len(s.joined),
			},
		})
	}

	if s.allAnsweredLocked() {
		envs = append(envs, s.closeQuestionLocked(questionIndex, domain.TriggerAllAnswered)...)
	}

	return envs, nil
}

// End tears the session down. Pending timers are cancelled and any later call fails
// with SESSION_NOT_FOUND. Ending twice is a no-op.
func (s *Session) End(reason string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}

	s.ended = true
	s.stopCountdownLocked()
	s.stopAdvanceLocked()

	s.publish(domain.EventSessionEnded{SessionCode: s.code, Reason: reason})
	slog.Info("game: session ended", "session", s.code, "reason", reason, "state", s.state)

	return []Envelope{{
		To:    s.recipientsLocked(),
		Event: EventSessionEnded,
		Data:  SessionEnded{Code: s.code, Reason: reason},
	}}
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) Leaderboard() domain.Leaderboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderboardLocked()
}

func (s *Session) Summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.SessionSummary{
		Code:           s.code,
		State:          s.state,
		Players:        len(s.joined),
		Connected:      s.connectedCountLocked(),
		HostConnected:  s.host.connected,
		QuestionIndex:  s.current,
		TotalQuestions: len(s.questions),
		CreatedAt:      s.createdAt,
		LastActive:     s.lastActive,
	}
}

func (s *Session) checkOpenLocked() error {
	if s.ended {
		return errors.New(errors.CodeSessionNotFound,
			errors.WithMessagef("session %s has ended", s.code))
	}
	return nil
}

func (s *Session) startQuestionLocked(index int) []Envelope {
	now := s.clock.Now()
	s.state = domain.StateQuestionActive
	s.current = index
	s.questionStart = now
	s.deadline = now.Add(s.timeLimit)
	s.lastActive = now
	s.startCountdownLocked(index)

	return []Envelope{{
		To:    s.recipientsLocked(),
		Event: EventNewQuestion,
		Data:  s.questionViewLocked(false),
	}}
}

// closeQuestionLocked is the single exit from QuestionActive. It does nothing unless
// index is still the open question.
func (s *Session) closeQuestionLocked(index int, trigger string) []Envelope {
	if s.ended || s.state != domain.StateQuestionActive || s.current != index {
		return nil
	}

	s.stopCountdownLocked()
	s.state = domain.StateQuestionResults

	q := s.questions[index]
	result := domain.QuestionResult{
		QuestionIndex: index,
		CorrectIndex:  q.CorrectIndex,
		Answers:       make([]domain.Answer, 0, len(s.joined)),
	}

	for _, p := range s.joined {
		a, ok := p.Answers[index]
		if !ok {
			// No answer never penalizes.
			a = domain.Answer{
				PlayerName:    p.Name,
				QuestionIndex: index,
				TimeTaken:     s.timeLimit,
			}
			p.Answers[index] = a
		}
		result.Answers = append(result.Answers, a)
	}
	result.Leaderboard = s.leaderboardLocked()

	to := s.recipientsLocked()
	var envs []Envelope
	if trigger == domain.TriggerDeadline {
		envs = append(envs, Envelope{To: to, Event: EventTimeUp, Data: TimeUp{QuestionIndex: index}})
	}
	envs = append(envs, Envelope{
		To:    to,
		Event: EventQuestionResults,
		Data: QuestionResults{
			QuestionIndex: index,
			CorrectIndex:  q.CorrectIndex,
			Results:       resultRows(result),
			Leaderboard:   LeaderboardRows(result.Leaderboard),
		},
	})

	s.publish(domain.EventQuestionClosed{SessionCode: s.code, Trigger: trigger, Result: result})
	s.scheduleAdvanceLocked(index)

	slog.Info("game: question closed", "session", s.code, "question", index, "trigger", trigger)
	return envs
}

func (s *Session) scheduleAdvanceLocked(index int) {
	s.stopAdvanceLocked()
	s.advance = s.clock.AfterFunc(s.resultsDelay, func() {
		s.advanceFrom(index)
	})
}

func (s *Session) stopAdvanceLocked() {
	if s.advance != nil {
		s.advance.Stop()
		s.advance = nil
	}
}

// advanceFrom leaves the results of question index for the next question or game over.
func (s *Session) advanceFrom(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.state != domain.StateQuestionResults || s.current != index {
		return
	}
	s.advance = nil

	var envs []Envelope
	if index+1 < len(s.questions) {
		envs = s.startQuestionLocked(index + 1)
	} else {
		envs = s.finishLocked()
	}

	s.sink.Deliver(envs)
}

func (s *Session) finishLocked() []Envelope {
	now := s.clock.Now()
	s.state = domain.StateGameOver
	s.lastActive = now
	s.stopCountdownLocked()
	s.stopAdvanceLocked()

	l := s.leaderboardLocked()
	s.publish(domain.EventGameOver{
		SessionCode:    s.code,
		TotalQuestions: len(s.questions),
		StartedAt:      s.startedAt,
		EndedAt:        now,
		Leaderboard:    l,
	})

	slog.Info("game: over", "session", s.code, "players", len(s.joined))

	return []Envelope{{
		To:    s.recipientsLocked(),
		Event: EventGameOver,
		Data:  GameOver{Leaderboard: LeaderboardRows(l)},
	}}
}

func (s *Session) leaderboardLocked() domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(s.joined))
	for _, p := range s.joined {
		entries = append(entries, domain.LeaderboardEntry{
			Name:           p.Name,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers(),
			Connected:      p.Connected,
		})
	}

	// joined is in join order, a stable sort keeps it for equal scores.
	slices.SortStableFunc(entries, func(a, b domain.LeaderboardEntry) int {
		return cmp.Compare(b.Score, a.Score)
	})

	return domain.Leaderboard{SessionCode: s.code, Entries: entries}
}

func (s *Session) publish(e event.Event) {
	s.events.Publish(context.Background(), e)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, event.Event) {}
