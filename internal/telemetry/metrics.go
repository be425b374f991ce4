package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
)

const namespace = "livequiz"

// Metrics are the Prometheus collectors of the quiz server. Most of them are fed
// from domain events on the bus.
type Metrics struct {
	sessionsCreated prometheus.Counter
	sessionsEnded   *prometheus.CounterVec
	answers         *prometheus.CounterVec
	questionsClosed *prometheus.CounterVec
	gamesFinished   prometheus.Counter
	connections     prometheus.Gauge
	eventsDropped   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Quiz sessions created.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Quiz sessions torn down, by reason.",
		}, []string{"reason"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers recorded, by outcome.",
		}, []string{"outcome"}),
		questionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_closed_total",
			Help:      "Questions closed, by what closed them.",
		}, []string{"trigger"}),
		gamesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_finished_total",
			Help:      "Games that reached game over.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Domain events dropped by a full subscriber queue.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.sessionsCreated,
		m.sessionsEnded,
		m.answers,
		m.questionsClosed,
		m.gamesFinished,
		m.connections,
		m.eventsDropped,
	)

	return m
}

// TrackSessions exports the number of live sessions as reported by count.
func (m *Metrics) TrackSessions(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Live quiz sessions.",
	}, func() float64 { return float64(count()) }))
}

// Subscribe feeds the collectors from the bus.
func (m *Metrics) Subscribe(eb *event.Bus) {
	eb.Subscribe(domain.EventNameSessionCreated, func(context.Context, event.Event) error {
		m.sessionsCreated.Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameSessionEnded, func(_ context.Context, e event.Event) error {
		m.sessionsEnded.WithLabelValues(e.(domain.EventSessionEnded).Reason).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameAnswerRecorded, func(_ context.Context, e event.Event) error {
		outcome := "wrong"
		if e.(domain.EventAnswerRecorded).Answer.IsCorrect {
			outcome = "correct"
		}
		m.answers.WithLabelValues(outcome).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameQuestionClosed, func(_ context.Context, e event.Event) error {
		m.questionsClosed.WithLabelValues(e.(domain.EventQuestionClosed).Trigger).Inc()
		return nil
	})

	eb.Subscribe(domain.EventNameGameOver, func(context.Context, event.Event) error {
		m.gamesFinished.Inc()
		return nil
	})
}

func (m *Metrics) ConnOpened() { m.connections.Inc() }

func (m *Metrics) ConnClosed() { m.connections.Dec() }

// EventDropped is meant for event.WithDropHandler.
func (m *Metrics) EventDropped(e event.Event) {
	m.eventsDropped.WithLabelValues(e.Name()).Inc()
}
