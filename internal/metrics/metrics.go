// Package metrics exposes game counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessions  prometheus.Counter
	questions prometheus.Counter
	outcomes  *prometheus.CounterVec
	lessons   *prometheus.CounterVec
	commits   prometheus.Histogram
	reaped    prometheus.Counter
	active    prometheus.GaugeFunc
	items     prometheus.GaugeFunc
	readOnly  prometheus.GaugeFunc
}

// Sources report live values sampled at scrape time.
type Sources struct {
	ActiveSessions func() int
	Items          func() int
	ReadOnly       func() bool
}

func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindbinder_sessions_started_total",
			Help: "Games started",
		}),
		questions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindbinder_questions_asked_total",
			Help: "Questions put to players",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindbinder_outcomes_total",
			Help: "Game outcomes by kind (guess, unknown, confirmed, rejected)",
		}, []string{"outcome"}),
		lessons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mindbinder_lessons_total",
			Help: "Lessons by result (learned, duplicate, invalid, failed)",
		}, []string{"result"}),
		commits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mindbinder_lesson_duration_seconds",
			Help:    "Time to validate, durably commit and publish a lesson",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindbinder_sessions_reaped_total",
			Help: "Idle sessions expired",
		}),
	}

	m.active = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mindbinder_sessions_active",
		Help: "Sessions currently tracked",
	}, func() float64 { return float64(call(src.ActiveSessions)) })

	m.items = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mindbinder_tree_items",
		Help: "Items the tree can guess",
	}, func() float64 { return float64(call(src.Items)) })

	m.readOnly = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mindbinder_tree_read_only",
		Help: "1 when learning is disabled after persistence failures",
	}, func() float64 {
		if src.ReadOnly != nil && src.ReadOnly() {
			return 1
		}
		return 0
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions, m.questions, m.outcomes, m.lessons, m.commits, m.reaped,
		m.active, m.items, m.readOnly,
	)

	return m
}

func call(f func() int) int {
	if f == nil {
		return 0
	}
	return f()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) QuestionAsked() {
	if m != nil {
		m.questions.Inc()
	}
}

func (m *Metrics) Outcome(kind string) {
	if m != nil {
		m.outcomes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Lesson(result string, took time.Duration) {
	if m != nil {
		m.lessons.WithLabelValues(result).Inc()
		m.commits.Observe(took.Seconds())
	}
}

func (m *Metrics) Reaped(n int) {
	if m != nil {
		m.reaped.Add(float64(n))
	}
}
