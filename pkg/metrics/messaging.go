package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors register against the shared registry once per name; the
// constructors below hand back the cached instance on repeat calls so
// per-store components can each call them safely.
var (
	collectorMu sync.Mutex
	dispatchers = make(map[string]*DispatcherMetrics)

	leaseOnce sync.Once
	leaseInst *LeaseMetrics

	semOnce sync.Once
	semInst *SemaphoreMetrics

	schedOnce sync.Once
	schedInst *SchedulerMetrics
)

// DispatcherMetrics instruments claim/dispatch loops.
type DispatcherMetrics struct {
	claimBatch   *prometheus.HistogramVec
	processed    *prometheus.CounterVec
	unknownTopic *prometheus.CounterVec
	iteration    *prometheus.HistogramVec
}

// NewDispatcherMetrics returns nil when metrics are disabled. Calls with
// the same component name share one instance; stores are a label.
func NewDispatcherMetrics(component string) *DispatcherMetrics {
	if !IsEnabled() {
		return nil
	}

	collectorMu.Lock()
	defer collectorMu.Unlock()
	if m, ok := dispatchers[component]; ok {
		return m
	}
	reg := GetRegistry()

	m := &DispatcherMetrics{
		claimBatch: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlbus_" + component + "_claim_batch_size",
				Help:    "Rows returned per claim call",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
			[]string{"store"},
		),
		processed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_" + component + "_items_total",
				Help: "Items finished per topic and outcome",
			},
			[]string{"store", "topic", "outcome"}, // outcome: ack, abandon, fail
		),
		unknownTopic: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_" + component + "_unknown_topic_total",
				Help: "Claimed items whose topic had no registered handler",
			},
			[]string{"store", "topic"},
		),
		iteration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlbus_" + component + "_iteration_seconds",
				Help:    "Duration of one claim-dispatch-finish iteration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"store"},
		),
	}
	dispatchers[component] = m
	return m
}

func (m *DispatcherMetrics) ObserveClaim(store string, batch int) {
	if m == nil {
		return
	}
	m.claimBatch.WithLabelValues(store).Observe(float64(batch))
}

func (m *DispatcherMetrics) RecordOutcome(store, topic, outcome string, n int) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(store, topic, outcome).Add(float64(n))
}

func (m *DispatcherMetrics) RecordUnknownTopic(store, topic string) {
	if m == nil {
		return
	}
	m.unknownTopic.WithLabelValues(store, topic).Inc()
}

func (m *DispatcherMetrics) ObserveIteration(store string, d time.Duration) {
	if m == nil {
		return
	}
	m.iteration.WithLabelValues(store).Observe(d.Seconds())
}

// LeaseMetrics instruments lease churn.
type LeaseMetrics struct {
	acquired *prometheus.CounterVec
	lost     *prometheus.CounterVec
}

// NewLeaseMetrics returns nil when metrics are disabled.
func NewLeaseMetrics() *LeaseMetrics {
	if !IsEnabled() {
		return nil
	}
	leaseOnce.Do(func() {
		leaseInst = newLeaseMetrics()
	})
	return leaseInst
}

func newLeaseMetrics() *LeaseMetrics {
	reg := GetRegistry()

	return &LeaseMetrics{
		acquired: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_lease_acquired_total",
				Help: "Successful lease acquisitions",
			},
			[]string{"resource"},
		),
		lost: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_lease_lost_total",
				Help: "Leases lost before release",
			},
			[]string{"resource"},
		),
	}
}

func (m *LeaseMetrics) RecordAcquired(resource string) {
	if m == nil {
		return
	}
	m.acquired.WithLabelValues(resource).Inc()
}

func (m *LeaseMetrics) RecordLost(resource string) {
	if m == nil {
		return
	}
	m.lost.WithLabelValues(resource).Inc()
}

// SemaphoreMetrics instruments slot grants.
type SemaphoreMetrics struct {
	grants     *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewSemaphoreMetrics returns nil when metrics are disabled.
func NewSemaphoreMetrics() *SemaphoreMetrics {
	if !IsEnabled() {
		return nil
	}
	semOnce.Do(func() {
		semInst = newSemaphoreMetrics()
	})
	return semInst
}

func newSemaphoreMetrics() *SemaphoreMetrics {
	reg := GetRegistry()

	return &SemaphoreMetrics{
		grants: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_semaphore_grants_total",
				Help: "Semaphore slots granted",
			},
			[]string{"semaphore"},
		),
		rejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_semaphore_rejections_total",
				Help: "Semaphore acquires refused at the limit",
			},
			[]string{"semaphore"},
		),
	}
}

func (m *SemaphoreMetrics) RecordGrant(name string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(name).Inc()
}

func (m *SemaphoreMetrics) RecordRejection(name string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(name).Inc()
}

// SchedulerMetrics instruments job promotion and timer firing.
type SchedulerMetrics struct {
	promotions  *prometheus.CounterVec
	timersFired *prometheus.CounterVec
}

// NewSchedulerMetrics returns nil when metrics are disabled.
func NewSchedulerMetrics() *SchedulerMetrics {
	if !IsEnabled() {
		return nil
	}
	schedOnce.Do(func() {
		schedInst = newSchedulerMetrics()
	})
	return schedInst
}

func newSchedulerMetrics() *SchedulerMetrics {
	reg := GetRegistry()

	return &SchedulerMetrics{
		promotions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_scheduler_promotions_total",
				Help: "Job runs created from due jobs",
			},
			[]string{"store"},
		),
		timersFired: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlbus_scheduler_timers_fired_total",
				Help: "One-shot timers fired into the outbox",
			},
			[]string{"store"},
		),
	}
}

func (m *SchedulerMetrics) RecordPromotions(store string, n int) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(store).Add(float64(n))
}

func (m *SchedulerMetrics) RecordTimersFired(store string, n int) {
	if m == nil {
		return
	}
	m.timersFired.WithLabelValues(store).Add(float64(n))
}
