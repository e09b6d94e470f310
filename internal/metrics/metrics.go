// Package metrics computes the counters, derived rates, and health alerts
// spec.md §4.8 describes, and exposes them on two read paths: a JSON
// snapshot for the Submission API's /tasks/metrics and /tasks/health endpoints,
// and a Prometheus exposition endpoint for operator scrape pipelines.
// Grounded on the pack's prometheus.NewRegistry/promhttp.HandlerFor
// convention (jordigilh-kubernaut's health_monitoring integration tests)
// and on internal/telemetry for the OTel mirror.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
	"github.com/taskforge/dispatch/internal/telemetry"
)

// Severity is the ordering used to pick the overall health status from the
// set of active alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	if s == SeverityCritical {
		return 2
	}
	return 1
}

// Alert is one active health condition.
type Alert struct {
	Name      string   `json:"name"`
	Severity  Severity `json:"severity"`
	Detail    string   `json:"detail"`
	TaskID    string   `json:"taskId,omitempty"`
}

// Snapshot is the JSON shape returned by GET /api/v1/tasks/metrics.
type Snapshot struct {
	Submitted        int64   `json:"totalSubmitted"`
	CurrentlyRunning int64   `json:"currentlyRunning"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Retried          int64   `json:"retried"`
	Cancelled        int64   `json:"cancelled"`
	SuccessRate      float64 `json:"successRate"`
	FailureRate      float64 `json:"failureRate"`
}

// HealthReport is the JSON shape returned by GET /api/v1/tasks/health.
type HealthReport struct {
	Status string  `json:"status"`
	Alerts []Alert `json:"alerts"`
}

const (
	elevatedFailureRateThreshold = 0.10
	highFailureRateThreshold     = 0.20
	longRunningTaskFraction      = 0.8
)

// Aggregator computes Snapshot/HealthReport on demand from a Store. Its
// Prometheus gauges are refreshed from the same Store counters on every
// scrape, so /metrics (Prometheus) and /api/v1/tasks/metrics (JSON) never
// drift from each other.
type Aggregator struct {
	store    store.Store
	router   *router.Router
	provider *telemetry.Provider

	registry *prometheus.Registry

	submittedGauge prometheus.Gauge
	runningGauge   prometheus.Gauge
	completedGauge prometheus.Gauge
	failedGauge    prometheus.Gauge
	retriedGauge   prometheus.Gauge
	cancelledGauge prometheus.Gauge
}

// New builds an Aggregator backed by s, using r to resolve per-task-type
// timeouts for the LongRunningTask/StaleTask alerts. provider may be
// telemetry.NewNoop() if OTel export is disabled.
func New(s store.Store, r *router.Router, provider *telemetry.Provider) *Aggregator {
	reg := prometheus.NewRegistry()
	a := &Aggregator{
		store:    s,
		router:   r,
		provider: provider,
		registry: reg,
		submittedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "tasks_submitted_total", Help: "Total tasks submitted.",
		}),
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "tasks_currently_running", Help: "Tasks currently in the Running state.",
		}),
		completedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "tasks_completed_total", Help: "Total tasks completed successfully.",
		}),
		failedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "tasks_failed_total", Help: "Total tasks that reached a terminal Failed state.",
		}),
		retriedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "tasks_retried_total", Help: "Total retry attempts issued.",
		}),
		cancelledGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatch", Name: "tasks_cancelled_total", Help: "Total tasks cancelled.",
		}),
	}
	reg.MustRegister(
		a.submittedGauge, a.runningGauge, a.completedGauge,
		a.failedGauge, a.retriedGauge, a.cancelledGauge,
	)
	return a
}

// Handler returns the Prometheus exposition HTTP handler for GET /metrics.
// Each scrape refreshes the gauges from the Store first, so Prometheus
// always reads the current counters rather than a stale mirror.
func (a *Aggregator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if counters, err := a.store.ReadCounters(r.Context()); err == nil {
			a.refreshGauges(counters)
		}
		promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func (a *Aggregator) refreshGauges(c store.Counters) {
	a.submittedGauge.Set(float64(c.Submitted))
	a.runningGauge.Set(float64(c.CurrentlyRunning))
	a.completedGauge.Set(float64(c.Completed))
	a.failedGauge.Set(float64(c.Failed))
	a.retriedGauge.Set(float64(c.Retried))
	a.cancelledGauge.Set(float64(c.Cancelled))
}

// RecordTransition mirrors one terminal transition into OpenTelemetry's
// completed-task counter. Nothing in this service calls it: the Lifecycle
// Manager updates only the Store counters.
func (a *Aggregator) RecordTransition(ctx context.Context, taskType task.Type, state task.State) {
	if a.provider == nil {
		return
	}
	switch state {
	case task.StateCompleted:
		a.provider.RecordTaskCompleted(ctx, string(taskType), "completed")
	case task.StateFailed:
		a.provider.RecordTaskCompleted(ctx, string(taskType), "failed")
	case task.StateCancelled:
		a.provider.RecordTaskCompleted(ctx, string(taskType), "cancelled")
	}
}

// Snapshot computes the current counters and derived rates.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	c, err := a.store.ReadCounters(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	terminal := c.Completed + c.Failed
	var successRate, failureRate float64
	if terminal > 0 {
		successRate = float64(c.Completed) / float64(terminal)
		failureRate = float64(c.Failed) / float64(terminal)
	}
	return Snapshot{
		Submitted:        c.Submitted,
		CurrentlyRunning: c.CurrentlyRunning,
		Completed:        c.Completed,
		Failed:           c.Failed,
		Retried:          c.Retried,
		Cancelled:        c.Cancelled,
		SuccessRate:      successRate,
		FailureRate:      failureRate,
	}, nil
}

// Health computes the overall status and active alerts per spec.md §4.8's
// table. It scans every known project's Running records to evaluate the
// per-task LongRunningTask/StaleTask conditions, since those depend on
// individual task timestamps rather than the aggregate counters.
func (a *Aggregator) Health(ctx context.Context) (HealthReport, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return HealthReport{}, err
	}

	var alerts []Alert
	if snap.FailureRate > highFailureRateThreshold {
		alerts = append(alerts, Alert{
			Name: "HighFailureRate", Severity: SeverityCritical,
			Detail: "failure rate exceeds 20% over the lifetime of the counters",
		})
	} else if snap.FailureRate > elevatedFailureRateThreshold {
		alerts = append(alerts, Alert{
			Name: "ElevatedFailureRate", Severity: SeverityWarning,
			Detail: "failure rate exceeds 10% over the lifetime of the counters",
		})
	}

	running, err := a.collectRunning(ctx)
	if err != nil {
		return HealthReport{}, err
	}

	now := time.Now().UTC()
	for _, r := range running {
		policy := a.router.Resolve(r.TaskType)
		if r.StartedAt != nil {
			if now.Sub(*r.StartedAt) > time.Duration(longRunningTaskFraction*float64(policy.HardTimeout)) {
				alerts = append(alerts, Alert{
					Name: "LongRunningTask", Severity: SeverityWarning,
					Detail: "task has run past 80% of its hard timeout", TaskID: r.ID,
				})
			}
		}
		staleBound := a.router.StaleTimeout(r.TaskType)
		if r.LastHeartbeatAt != nil && now.Sub(*r.LastHeartbeatAt) > staleBound {
			alerts = append(alerts, Alert{
				Name: "StaleTask", Severity: SeverityWarning,
				Detail: "task has not heartbeat within the staleness bound", TaskID: r.ID,
			})
		}
	}

	status := "healthy"
	maxRank := 0
	for _, al := range alerts {
		if al.Severity.rank() > maxRank {
			maxRank = al.Severity.rank()
			status = string(al.Severity)
		}
	}
	return HealthReport{Status: status, Alerts: alerts}, nil
}

func (a *Aggregator) collectRunning(ctx context.Context) ([]*task.Record, error) {
	projects, err := a.store.KnownProjects(ctx)
	if err != nil {
		return nil, err
	}
	var running []*task.Record
	for _, projectID := range projects {
		records, err := a.store.ListByProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.State == task.StateRunning {
				running = append(running, r)
			}
		}
	}
	return running, nil
}
