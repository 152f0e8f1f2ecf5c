// Package metrics exposes Prometheus metrics for the orchestrator.
package metrics

import (
	"time"

	"mirrorbot/internal/task"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirrorbot"

// Metrics holds the collectors. Register them once per registry.
type Metrics struct {
	submitted     prometheus.Counter
	transitions   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	pollDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg. counts, when not
// nil, backs the mirrorbot_tasks gauge and is read at scrape time.
func New(reg prometheus.Registerer, counts func() map[task.Status]int) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the registry.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Status transitions by target status.",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried engine and storage calls.",
		}, []string{"operation"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes acknowledged by the storage backend.",
		}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one task visit by the progress monitor.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.submitted, m.transitions, m.retries, m.uploadedBytes, m.pollDuration)
	if counts != nil {
		reg.MustRegister(&taskCollector{
			desc:   prometheus.NewDesc(namespace+"_tasks", "Tasks in the registry by status.", []string{"status"}, nil),
			counts: counts,
		})
	}
	return m
}

// Observe is a task.Observer.
func (m *Metrics) Observe(c task.Change) {
	switch c.Kind {
	case task.ChangeSubmitted:
		m.submitted.Inc()
	case task.ChangeTransition:
		m.transitions.WithLabelValues(string(c.Task.Status)).Inc()
	}
}

// Retried counts one retry of operation, e.g. "engine" or "upload".
func (m *Metrics) Retried(operation string) {
	m.retries.WithLabelValues(operation).Inc()
}

// RetryHook adapts Retried to the retry controller's OnRetry signature.
func (m *Metrics) RetryHook(operation string) func(int, time.Duration, error) {
	return func(int, time.Duration, error) { m.Retried(operation) }
}

func (m *Metrics) Uploaded(n int64) {
	m.uploadedBytes.Add(float64(n))
}

func (m *Metrics) ObservePoll(d time.Duration) {
	m.pollDuration.Observe(d.Seconds())
}

type taskCollector struct {
	desc   *prometheus.Desc
	counts func() map[task.Status]int
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.counts()
	for _, s := range task.AllStatuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}

// CountByStatus builds the counts function from a task listing.
func CountByStatus(list func() []task.Task) func() map[task.Status]int {
	return func() map[task.Status]int {
		out := make(map[task.Status]int, len(task.AllStatuses))
		for _, t := range list() {
			out[t.Status]++
		}
		return out
	}
}
