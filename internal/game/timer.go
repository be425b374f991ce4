package game

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/livequiz/internal/domain"
)

// countdown drives one question: a ticker for timer updates and a one-shot timer
// for the deadline. It is bound to the question index it was started for.
type countdown struct {
	index  int
	ticker clockwork.Ticker
	timer  clockwork.Timer
	done   chan struct{}
	once   sync.Once
}

func (s *Session) startCountdownLocked(index int) {
	s.stopCountdownLocked()

	c := &countdown{
		index:  index,
		ticker: s.clock.NewTicker(s.tick),
		timer:  s.clock.NewTimer(s.timeLimit),
		done:   make(chan struct{}),
	}
	s.countdown = c

	go c.run(s)
}

func (s *Session) stopCountdownLocked() {
	if s.countdown != nil {
		s.countdown.stop()
		s.countdown = nil
	}
}

// stop never waits for run to return: run may be blocked on the session lock held
// by the caller. Whatever run does next is rejected by the index guard.
func (c *countdown) stop() {
	c.once.Do(func() {
		c.ticker.Stop()
		c.timer.Stop()
		close(c.done)
	})
}

func (c *countdown) run(s *Session) {
	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.Chan():
			s.onTick(c.index)
		case <-c.timer.Chan():
			s.onDeadline(c.index)
			return
		}
	}
}

func (s *Session) onTick(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked(index) {
		return
	}

	s.sink.Deliver([]Envelope{{
		To:    s.recipientsLocked(),
		Event: EventTimerUpdate,
		Data: TimerUpdate{
			QuestionIndex:    index,
			RemainingSeconds: s.remainingLocked(s.clock.Now()),
		},
	}})
}

func (s *Session) onDeadline(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.activeLocked(index) {
		return
	}

	s.sink.Deliver(s.closeQuestionLocked(index, domain.TriggerDeadline))
}

func (s *Session) activeLocked(index int) bool {
	return !s.ended && s.state == domain.StateQuestionActive && s.current == index
}
