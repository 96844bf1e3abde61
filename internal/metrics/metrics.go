// Package metrics exports engine counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"growrules/internal/core"
)

const namespace = "growrules"

var _ core.Metrics = (*Collector)(nil)

// Collector implements core.Metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	evaluations   *prometheus.CounterVec
	suppressed    prometheus.Counter
	executions    *prometheus.CounterVec
	duration      prometheus.Histogram
	dispatches    *prometheus.CounterVec
	failureStreak *prometheus.GaugeVec
	checks        *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Automation evaluations by trigger type and outcome.",
		}, []string{"trigger", "fired"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_suppressed_total",
			Help:      "Firings skipped because the automation was already executing.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from start to end of an execution, including action delays.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_dispatches_total",
			Help:      "Device commands by action type and result.",
		}, []string{"action", "result"}),
		failureStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_failure_streak",
			Help:      "Consecutive dispatch errors per device.",
		}, []string{"device_id"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effectiveness_checks_total",
			Help:      "Effectiveness checks by whether the goal was met.",
		}, []string{"goal_met"}),
	}
	c.registry.MustRegister(
		c.evaluations,
		c.suppressed,
		c.executions,
		c.duration,
		c.dispatches,
		c.failureStreak,
		c.checks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// WatchTimers exports the size of the timer queue, read at scrape time.
func (c *Collector) WatchTimers(pending func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "timer_tasks_pending",
		Help:      "Ticks, action delays and effectiveness checks waiting on the timer queue.",
	}, func() float64 { return float64(pending()) }))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Evaluated(trigger core.TriggerType, fired bool) {
	c.evaluations.WithLabelValues(string(trigger), strconv.FormatBool(fired)).Inc()
}

func (c *Collector) Suppressed() {
	c.suppressed.Inc()
}

func (c *Collector) ExecutionFinished(status core.ExecutionStatus, took time.Duration) {
	c.executions.WithLabelValues(string(status)).Inc()
	c.duration.Observe(took.Seconds())
}

func (c *Collector) ActionDispatched(action core.ActionType, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.dispatches.WithLabelValues(string(action), result).Inc()
}

// DeviceFailing records the current streak. A streak of zero removes the series.
func (c *Collector) DeviceFailing(deviceID string, streak int) {
	if streak <= 0 {
		c.failureStreak.DeleteLabelValues(deviceID)
		return
	}
	c.failureStreak.WithLabelValues(deviceID).Set(float64(streak))
}

func (c *Collector) EffectivenessChecked(goalMet bool) {
	c.checks.WithLabelValues(strconv.FormatBool(goalMet)).Inc()
}
