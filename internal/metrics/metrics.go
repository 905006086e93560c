// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

// Outcome labels shared by the counters.
const (
	ResultApplied     = "applied"
	ResultDuplicate   = "duplicate"
	ResultPending     = "pending"
	ResultIneffective = "ineffective"
	ResultOverflow    = "pending_overflow"
	ResultMalformed   = "malformed"
	ResultSuccess     = "success"
	ResultFailure     = "failure"
)

// Collectors groups the service metrics. A nil *Collectors records nothing.
type Collectors struct {
	roomsResident    prometheus.Gauge
	sessionsActive   prometheus.Gauge
	updates          *prometheus.CounterVec
	broadcastDropped prometheus.Counter
	saves            *prometheus.CounterVec
	saveDuration     prometheus.Histogram
	loads            *prometheus.CounterVec
	authRejections   prometheus.Counter
}

// NewCollectors registers the collectors with registerer.
func NewCollectors(registerer prometheus.Registerer) *Collectors {
	factory := promauto.With(registerer)
	return &Collectors{
		roomsResident: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_resident",
			Help:      "Documents currently resident in memory",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently joined to a room",
		}),
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Updates received by result",
		}, []string{"result"}),
		broadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Outbound frames dropped because a session queue was full",
		}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Document saves by result",
		}, []string{"result"}),
		saveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Save duration including retries",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_loads_total",
			Help:      "Document loads by result",
		}, []string{"result"}),
		authRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Connections rejected by the authentication gate",
		}),
	}
}

func (c *Collectors) RoomOpened() {
	if c != nil {
		c.roomsResident.Inc()
	}
}

func (c *Collectors) RoomEvicted() {
	if c != nil {
		c.roomsResident.Dec()
	}
}

func (c *Collectors) SessionJoined() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

func (c *Collectors) SessionLeft() {
	if c != nil {
		c.sessionsActive.Dec()
	}
}

// UpdateReceived counts one update with a Result* label.
func (c *Collectors) UpdateReceived(result string) {
	if c != nil {
		c.updates.WithLabelValues(result).Inc()
	}
}

func (c *Collectors) BroadcastDropped() {
	if c != nil {
		c.broadcastDropped.Inc()
	}
}

// SaveCompleted records a finished save and how long it took.
func (c *Collectors) SaveCompleted(result string, elapsed time.Duration) {
	if c != nil {
		c.saves.WithLabelValues(result).Inc()
		c.saveDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collectors) LoadCompleted(result string) {
	if c != nil {
		c.loads.WithLabelValues(result).Inc()
	}
}

func (c *Collectors) AuthRejected() {
	if c != nil {
		c.authRejections.Inc()
	}
}
