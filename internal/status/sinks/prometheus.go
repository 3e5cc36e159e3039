package sinks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/keyword-job-tracker/internal/status"
)

// PrometheusSink exports live feed connection metrics. It tracks which jobs
// currently hold an open connection so the gauge never double counts.
type PrometheusSink struct {
	connects    prometheus.Counter
	disconnects prometheus.Counter
	reconnects  prometheus.Counter
	heartbeats  prometheus.Counter
	errors      *prometheus.CounterVec
	messages    *prometheus.CounterVec
	connected   prometheus.Gauge

	mu   sync.Mutex
	open map[int64]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_feed_connects_total",
			Help: "Live feed connections opened.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_feed_disconnects_total",
			Help: "Live feed connections closed for any reason.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_feed_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtracker_feed_heartbeats_total",
			Help: "Heartbeat frames received.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtracker_feed_errors_total",
			Help: "Connection errors partitioned by whether tracking gave up.",
		}, []string{"final"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtracker_feed_messages_total",
			Help: "Progress messages received partitioned by stage.",
		}, []string{"stage"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobtracker_feed_connected",
			Help: "Jobs with an open live feed connection.",
		}),
		open: make(map[int64]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.connects,
		s.disconnects,
		s.reconnects,
		s.heartbeats,
		s.errors,
		s.messages,
		s.connected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register status collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []status.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt status.Event) {
	switch evt.Kind {
	case status.KindConnect:
		s.connects.Inc()
		if s.markOpen(evt.JobID, true) {
			s.connected.Inc()
		}
	case status.KindDisconnect:
		s.disconnects.Inc()
		if s.markOpen(evt.JobID, false) {
			s.connected.Dec()
		}
	case status.KindReconnect:
		s.reconnects.Inc()
	case status.KindHeartbeat:
		s.heartbeats.Inc()
	case status.KindError:
		s.errors.WithLabelValues(strconv.FormatBool(evt.Final)).Inc()
	case status.KindMessage:
		stage := string(evt.Stage)
		if stage == "" {
			stage = "unknown"
		}
		s.messages.WithLabelValues(stage).Inc()
	}
}

// markOpen records the connection state of a job and reports whether it changed.
func (s *PrometheusSink) markOpen(jobID int64, open bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wasOpen := s.open[jobID]
	if open == wasOpen {
		return false
	}
	if open {
		s.open[jobID] = struct{}{}
	} else {
		delete(s.open, jobID)
	}
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
