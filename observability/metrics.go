// Package observability exposes Prometheus counters for session traffic.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixsession",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "FIX messages by direction and MsgType.",
		},
		[]string{"session", "direction", "msg_type"},
	)
	gaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixsession",
			Subsystem: "session",
			Name:      "sequence_gaps_total",
			Help:      "Inbound sequence anomalies by kind (gap, fatal).",
		},
		[]string{"session", "kind"},
	)
	resends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixsession",
			Subsystem: "resend",
			Name:      "events_total",
			Help:      "Resend activity: requests sent, requests served, gap-fills, replays.",
		},
		[]string{"session", "event"},
	)
	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixsession",
			Subsystem: "heartbeat",
			Name:      "fired_total",
			Help:      "Heartbeats sent because the outbound side went idle.",
		},
		[]string{"session"},
	)
	rejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixsession",
			Subsystem: "session",
			Name:      "rejects_total",
			Help:      "Session-level rejects by direction.",
		},
		[]string{"session", "direction"},
	)
)

// Resend event labels.
const (
	ResendRequested = "requested"
	ResendServed    = "served"
	ResendGapFill   = "gap_fill"
	ResendReplayed  = "replayed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messages, gaps, resends, heartbeats, rejects)
	})
}

func RecordMessage(session, direction, msgType string) {
	RegisterMetrics()
	messages.WithLabelValues(session, direction, msgType).Inc()
}

func RecordGap(session string, fatal bool) {
	RegisterMetrics()
	kind := "gap"
	if fatal {
		kind = "fatal"
	}
	gaps.WithLabelValues(session, kind).Inc()
}

func RecordResend(session, event string) {
	RegisterMetrics()
	resends.WithLabelValues(session, event).Inc()
}

func RecordHeartbeat(session string) {
	RegisterMetrics()
	heartbeats.WithLabelValues(session).Inc()
}

func RecordReject(session, direction string) {
	RegisterMetrics()
	rejects.WithLabelValues(session, direction).Inc()
}
