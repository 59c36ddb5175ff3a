// Package monitoring exposes crawl metrics and health over HTTP.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shelfwatch"

// Metrics holds every Prometheus instrument the engine records into.
// Each instance carries its own registry so tests can create them
// freely.
type Metrics struct {
	registry *prometheus.Registry

	fetchesTotal     *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	escalationsTotal *prometheus.CounterVec
	tierExhausted    *prometheus.CounterVec

	itemsExtracted  *prometheus.CounterVec
	mismatchesTotal *prometheus.CounterVec
	coverage        *prometheus.HistogramVec

	routingDecisions *prometheus.CounterVec

	inferenceCalls *prometheus.CounterVec
	quotaTrips     *prometheus.CounterVec

	learnerQueueDepth prometheus.Gauge
	learnerDropped    prometheus.Gauge
	selectorWeights   *prometheus.GaugeVec

	pagesActive prometheus.Gauge
	pageErrors  *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.fetchesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetches_total",
		Help:      "Fetch attempts by retailer, tier, and status",
	}, []string{"retailer", "tier", "status"})

	m.fetchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Fetch duration by retailer and tier",
		Buckets:   prometheus.DefBuckets,
	}, []string{"retailer", "tier"})

	m.escalationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_escalations_total",
		Help:      "Escalations out of a tier by retailer and source tier",
	}, []string{"retailer", "from_tier"})

	m.tierExhausted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_exhausted_total",
		Help:      "Pages that failed every configured tier",
	}, []string{"retailer"})

	m.itemsExtracted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_extracted_total",
		Help:      "Items produced by retailer and extraction channel",
	}, []string{"retailer", "channel"})

	m.mismatchesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validation_mismatches_total",
		Help:      "Structural/visual field disagreements by retailer and field",
	}, []string{"retailer", "field"})

	m.coverage = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "validation_coverage",
		Help:      "Per-item validation coverage distribution",
		Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 1},
	}, []string{"retailer"})

	m.routingDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_decisions_total",
		Help:      "Change-detection decisions by retailer and decision",
	}, []string{"retailer", "decision"})

	m.inferenceCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inference_calls_total",
		Help:      "Visual inference calls by retailer and result",
	}, []string{"retailer", "result"})

	m.quotaTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_breaker_trips_total",
		Help:      "Quota breaker trips by retailer",
	}, []string{"retailer"})

	m.learnerQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "learner_queue_depth",
		Help:      "Buffered selector outcomes awaiting the learner",
	})

	m.learnerDropped = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "learner_dropped_total",
		Help:      "Selector outcomes dropped because the learner queue was full",
	})

	m.selectorWeights = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "selector_weight",
		Help:      "Current selector confidence weight",
	}, []string{"retailer", "field", "selector"})

	m.pagesActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pages_active",
		Help:      "Catalog pages currently being processed",
	})

	m.pageErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "page_errors_total",
		Help:      "Page failures by retailer, stage, and certainty",
	}, []string{"retailer", "stage", "certainty"})

	return m
}

// Registry exposes the backing registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordFetch(retailer, tier, status string, seconds float64) {
	m.fetchesTotal.WithLabelValues(retailer, tier, status).Inc()
	m.fetchDuration.WithLabelValues(retailer, tier).Observe(seconds)
}

func (m *Metrics) RecordEscalation(retailer, fromTier string) {
	m.escalationsTotal.WithLabelValues(retailer, fromTier).Inc()
}

func (m *Metrics) RecordTierExhausted(retailer string) {
	m.tierExhausted.WithLabelValues(retailer).Inc()
}

func (m *Metrics) RecordItems(retailer, channel string, count int) {
	m.itemsExtracted.WithLabelValues(retailer, channel).Add(float64(count))
}

func (m *Metrics) RecordMismatch(retailer, field string) {
	m.mismatchesTotal.WithLabelValues(retailer, field).Inc()
}

func (m *Metrics) RecordCoverage(retailer string, coverage float64) {
	m.coverage.WithLabelValues(retailer).Observe(coverage)
}

func (m *Metrics) RecordDecision(retailer, decision string) {
	m.routingDecisions.WithLabelValues(retailer, decision).Inc()
}

func (m *Metrics) RecordInference(retailer, result string) {
	m.inferenceCalls.WithLabelValues(retailer, result).Inc()
}

func (m *Metrics) RecordQuotaTrip(retailer string) {
	m.quotaTrips.WithLabelValues(retailer).Inc()
}

func (m *Metrics) SetLearnerQueueDepth(depth int) {
	m.learnerQueueDepth.Set(float64(depth))
}

func (m *Metrics) SetLearnerDropped(dropped uint64) {
	m.learnerDropped.Set(float64(dropped))
}

func (m *Metrics) SetSelectorWeight(retailer, field, selector string, weight float64) {
	m.selectorWeights.WithLabelValues(retailer, field, selector).Set(weight)
}

func (m *Metrics) PageStarted()  { m.pagesActive.Inc() }
func (m *Metrics) PageFinished() { m.pagesActive.Dec() }

func (m *Metrics) RecordPageError(retailer, stage, certainty string) {
	m.pageErrors.WithLabelValues(retailer, stage, certainty).Inc()
}
