package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the feed pipeline.
type Metrics struct {
	batches       prometheus.Counter
	dropped       prometheus.Counter
	newItems      prometheus.Counter
	loadMore      prometheus.Counter
	announcements prometheus.Counter
	errors        prometheus.Counter

	storeSize    prometheus.Gauge
	displayCount prometheus.Gauge
	onchainTotal prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics against the default registry (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds a Metrics set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pledge_feed_batches_total",
			Help: "Total number of event batches applied to the feed",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pledge_feed_records_dropped_total",
			Help: "Total number of raw records dropped by normalization",
		}),
		newItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pledge_feed_new_items_total",
			Help: "Total number of pledges flagged as newly arrived",
		}),
		loadMore: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pledge_feed_load_more_total",
			Help: "Total number of accepted load-more requests",
		}),
		announcements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pledge_feed_announcements_sent_total",
			Help: "Total number of announcements delivered to sinks",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pledge_feed_errors_total",
			Help: "Total number of errors encountered",
		}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pledge_feed_store_size",
			Help: "Number of unique pledges held in memory",
		}),
		displayCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pledge_feed_display_count",
			Help: "Current pagination window size",
		}),
		onchainTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pledge_feed_onchain_total",
			Help: "Last pledge count read from the contract",
		}),
	}
	reg.MustRegister(
		m.batches,
		m.dropped,
		m.newItems,
		m.loadMore,
		m.announcements,
		m.errors,
		m.storeSize,
		m.displayCount,
		m.onchainTotal,
	)
	return m
}

// Batch records one applied batch.
func (m *Metrics) Batch(dropped, added, storeSize int) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.dropped.Add(float64(dropped))
	m.newItems.Add(float64(added))
	m.storeSize.Set(float64(storeSize))
}

// LoadMore increments the load-more counter.
func (m *Metrics) LoadMore() {
	if m != nil {
		m.loadMore.Inc()
	}
}

// Window sets the window and store gauges.
func (m *Metrics) Window(displayCount, storeSize int) {
	if m != nil {
		m.displayCount.Set(float64(displayCount))
		m.storeSize.Set(float64(storeSize))
	}
}

// Total sets the on-chain pledge count gauge.
func (m *Metrics) Total(n uint64) {
	if m != nil {
		m.onchainTotal.Set(float64(n))
	}
}

// AnnouncementsSent increments the announcements counter.
func (m *Metrics) AnnouncementsSent() {
	if m != nil {
		m.announcements.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
