package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "concord"

// Metrics holds the collectors of one node. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	deltasSent        *prometheus.CounterVec
	deltasReceived    *prometheus.CounterVec
	keysChanged       prometheus.Counter
	framesMalformed   *prometheus.CounterVec
	nameConflicts     prometheus.Counter
	queueOverflows    prometheus.Counter
	peersConnected    prometheus.Gauge
	eventsPublished   *prometheus.CounterVec
	eventsReceived    *prometheus.CounterVec
	eventsRelayed     prometheus.Counter
	presenceLeases    prometheus.Gauge
	presenceSwept     prometheus.Counter
	moderationAppends *prometheus.CounterVec
	snapshotSaves     *prometheus.CounterVec
	snapshotBytes     prometheus.Gauge
	snapshotDuration  prometheus.Histogram
	stateKeys         prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		deltasSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deltas_sent_total",
			Help:      "Deltas handed to peer queues by kind (ops, full)",
		}, []string{"kind"}),
		deltasReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deltas_received_total",
			Help:      "Deltas received from peers by result (applied, rejected)",
		}, []string{"result"}),
		keysChanged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "keys_changed_total",
			Help:      "Keys whose visible value changed through a merge",
		}),
		framesMalformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "frames_malformed_total",
			Help:      "Peer frames rejected as malformed by reason",
		}, []string{"reason"}),
		nameConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "display_name_conflicts_total",
			Help:      "Hello frames announcing a display name different from the one last seen",
		}),
		queueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_overflows_total",
			Help:      "Peers disconnected because their outbound queue was full",
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "peers_connected",
			Help:      "Currently connected peers",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Locally originated events by kind",
		}, []string{"kind"}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Remote events by result (new, duplicate, invalid)",
		}, []string{"result"}),
		eventsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "relayed_total",
			Help:      "Event frames relayed to peers",
		}),
		presenceLeases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "leases",
			Help:      "Stored presence leases",
		}),
		presenceSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "swept_total",
			Help:      "Expired presence leases reclaimed",
		}),
		moderationAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "moderation",
			Name:      "appends_total",
			Help:      "Moderation entries appended locally by authority at append time",
		}, []string{"authorized"}),
		snapshotSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "saves_total",
			Help:      "Snapshot saves by result (ok, error)",
		}, []string{"result"}),
		snapshotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "bytes",
			Help:      "Size of the last saved snapshot",
		}),
		snapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "save_duration_seconds",
			Help:      "Snapshot save latency",
			Buckets:   prometheus.DefBuckets,
		}),
		stateKeys: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "keys",
			Help:      "Visible keys in the state document",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DeltaSent(full bool) {
	if m == nil {
		return
	}
	kind := "ops"
	if full {
		kind = "full"
	}
	m.deltasSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeltaReceived(applied bool, changedKeys int) {
	if m == nil {
		return
	}
	if !applied {
		m.deltasReceived.WithLabelValues("rejected").Inc()
		return
	}
	m.deltasReceived.WithLabelValues("applied").Inc()
	m.keysChanged.Add(float64(changedKeys))
}

func (m *Metrics) FrameMalformed(reason string) {
	if m == nil {
		return
	}
	m.framesMalformed.WithLabelValues(reason).Inc()
}

func (m *Metrics) DisplayNameConflict() {
	if m == nil {
		return
	}
	m.nameConflicts.Inc()
}

func (m *Metrics) QueueOverflow() {
	if m == nil {
		return
	}
	m.queueOverflows.Inc()
}

func (m *Metrics) PeersConnected(count int) {
	if m == nil {
		return
	}
	m.peersConnected.Set(float64(count))
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventReceived(result string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) EventRelayed(frames int) {
	if m == nil {
		return
	}
	m.eventsRelayed.Add(float64(frames))
}

func (m *Metrics) PresenceLeases(count int) {
	if m == nil {
		return
	}
	m.presenceLeases.Set(float64(count))
}

func (m *Metrics) PresenceSwept(count int) {
	if m == nil {
		return
	}
	m.presenceSwept.Add(float64(count))
}

func (m *Metrics) ModerationAppended(authorized bool) {
	if m == nil {
		return
	}
	label := "false"
	if authorized {
		label = "true"
	}
	m.moderationAppends.WithLabelValues(label).Inc()
}

func (m *Metrics) SnapshotSaved(size int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.snapshotSaves.WithLabelValues("error").Inc()
		return
	}
	m.snapshotSaves.WithLabelValues("ok").Inc()
	m.snapshotBytes.Set(float64(size))
}

func (m *Metrics) StateKeys(count int) {
	if m == nil {
		return
	}
	m.stateKeys.Set(float64(count))
}
