package artifacts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonExpired = "expired"
	reasonSwept   = "swept"
	reasonRemoved = "removed"
)

// Metrics exposes cache activity to prometheus. A nil *Metrics records nothing.
type Metrics struct {
	reg         prometheus.Registerer
	stores      prometheus.Counter
	storedBytes prometheus.Counter
	lookups     *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

// NewMetrics registers the cache collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		stores: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsd",
			Subsystem: "artifact_cache",
			Name:      "stores_total",
			Help:      "Artifacts stored in the cache.",
		}),
		storedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsd",
			Subsystem: "artifact_cache",
			Name:      "stored_bytes_total",
			Help:      "Bytes of artifact content stored in the cache.",
		}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricsd",
			Subsystem: "artifact_cache",
			Name:      "lookups_total",
			Help:      "Artifact lookups by result.",
		}, []string{"result"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricsd",
			Subsystem: "artifact_cache",
			Name:      "evictions_total",
			Help:      "Artifacts removed from the cache by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) observe(c *Cache) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "metricsd",
		Subsystem: "artifact_cache",
		Name:      "entries",
		Help:      "Entries currently held, including expired entries awaiting sweep.",
	}, func() float64 { return float64(c.Len()) })
}

func (m *Metrics) stored(size int) {
	if m == nil {
		return
	}
	m.stores.Inc()
	m.storedBytes.Add(float64(size))
}

func (m *Metrics) lookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) evicted(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues(reason).Add(float64(n))
}
