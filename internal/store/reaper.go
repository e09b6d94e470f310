package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/task"
)

// StaleTimeout reports the staleness deadline for a task of the given type,
// consulted by the Reaper on every scan. internal/router's Router
// satisfies this via its own StaleTimeout method, kept as a narrow
// interface here so the reaper doesn't need to import internal/router.
type StaleTimeout interface {
	StaleTimeout(t task.Type) time.Duration
}

// Failer applies the retry-budget-aware Running->{Queued,Failed}
// transition on executor/abandonment error. internal/lifecycle.Manager
// satisfies this; it is declared here, rather than imported, because
// lifecycle already imports store and a direct import back would cycle.
type Failer interface {
	Fail(ctx context.Context, taskID string, execErr *task.ExecError) (*task.Record, error)
}

// Reaper periodically scans for non-terminal records that have gone
// silent — no heartbeat, and no progress since they started — and routes
// them through Failer.Fail as Failed{Abandoned}, which re-queues the task
// for another attempt if its retry budget allows. Grounded on the
// teacher's use of github.com/robfig/cron/v3 for scheduled background
// work, generalized from a single named schedule to the staleness-scan
// job spec.md §4.1 and §5 describe under "crash recovery".
type Reaper struct {
	store    Store
	failer   Failer
	policies StaleTimeout
	interval time.Duration
	logger   logging.Logger

	cron *cron.Cron
}

// NewReaper builds a Reaper that scans every interval.
func NewReaper(s Store, failer Failer, policies StaleTimeout, interval time.Duration, logger logging.Logger) *Reaper {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Reaper{store: s, failer: failer, policies: policies, interval: interval, logger: logger}
}

// Start schedules the reaper's scan job and returns immediately; call Stop
// to shut it down.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithSeconds())
	spec := "@every " + r.interval.String()
	_, err := r.cron.AddFunc(spec, func() { r.scan(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight scan to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// ScanOnce runs a single staleness pass synchronously; exported so tests
// can trigger a scan without waiting on the cron schedule.
func (r *Reaper) ScanOnce(ctx context.Context) {
	r.scan(ctx)
}

func (r *Reaper) scan(ctx context.Context) {
	projects, err := r.store.KnownProjects(ctx)
	if err != nil {
		r.logger.Error("reaper: failed to enumerate projects", logging.Fields{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	for _, projectID := range projects {
		records, err := r.store.ListByProject(ctx, projectID)
		if err != nil {
			r.logger.Error("reaper: failed to list project tasks", logging.Fields{"project": projectID, "error": err.Error()})
			continue
		}
		for _, rec := range records {
			r.maybeReap(ctx, rec, now)
		}
	}
}

func (r *Reaper) maybeReap(ctx context.Context, rec *task.Record, now time.Time) {
	if rec.State.IsTerminal() {
		return
	}

	lastActivity := rec.CreatedAt
	if rec.StartedAt != nil {
		lastActivity = *rec.StartedAt
	}
	if rec.LastHeartbeatAt != nil {
		lastActivity = *rec.LastHeartbeatAt
	}

	staleAfter := r.policies.StaleTimeout(rec.TaskType)
	if now.Sub(lastActivity) < staleAfter {
		return
	}

	execErr := task.NewExecError(task.ErrorKindAbandoned, "task produced no heartbeat or progress within the staleness window", true)
	updated, err := r.failer.Fail(ctx, rec.ID, execErr)
	if err != nil {
		if err != task.ErrAlreadyTerminal && err != task.ErrConflict {
			r.logger.Warn("reaper: failed to reap stale task", logging.Fields{"task_id": rec.ID, "error": err.Error()})
		}
		return
	}

	if updated.State == task.StateQueued {
		r.logger.Warn("reaper: marked task abandoned, re-queued for retry", logging.Fields{"task_id": rec.ID, "project_id": rec.ProjectID, "attempt": updated.Attempt})
		return
	}
	r.logger.Warn("reaper: marked task abandoned, retry budget exhausted", logging.Fields{"task_id": rec.ID, "project_id": rec.ProjectID})
}
