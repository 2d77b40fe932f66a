package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/submission"
)

const defaultMonitorConcurrency = 8

// Refresher polls the scheduler for one job and records a state change.
type Refresher interface {
	Refresh(ctx context.Context, t submission.Target, job entity.JobModel) (entity.JobModel, bool, error)
}

type tracked struct {
	target submission.Target
	job    entity.JobModel
}

// StatusMonitor polls every tracked job on each run and forgets jobs once
// they reach a terminal state.
type StatusMonitor struct {
	refresher   Refresher
	schedule    string
	concurrency int
	log         *zap.Logger

	mu   sync.Mutex
	jobs map[string]tracked
}

var _ Task = &StatusMonitor{}

func NewStatusMonitor(refresher Refresher, schedule string, log *zap.Logger) *StatusMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusMonitor{
		refresher:   refresher,
		schedule:    schedule,
		concurrency: defaultMonitorConcurrency,
		log:         log.Named("monitor"),
		jobs:        map[string]tracked{},
	}
}

func (m *StatusMonitor) GetTaskSpec() TaskSpec {
	return TaskSpec{Name: "status-monitor", Cron: m.schedule}
}

// Track starts polling job. Terminal jobs and jobs the scheduler never
// named are ignored.
func (m *StatusMonitor) Track(t submission.Target, job entity.JobModel) {
	if job.IsTerminal() || !job.HasRealJobID() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.TaskID] = tracked{target: t, job: job}
}

func (m *StatusMonitor) Untrack(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, taskID)
}

// Tracked returns the last known model of every tracked job.
func (m *StatusMonitor) Tracked() []entity.JobModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.JobModel, 0, len(m.jobs))
	for _, tr := range m.jobs {
		out = append(out, tr.job)
	}
	return out
}

func (m *StatusMonitor) snapshot() []tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tracked, 0, len(m.jobs))
	for _, tr := range m.jobs {
		out = append(out, tr)
	}
	return out
}

// Run polls each tracked job once. Poll failures are logged and the job is
// retried on the next run.
func (m *StatusMonitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, tr := range m.snapshot() {
		g.Go(func() error {
			m.poll(ctx, tr)
			return nil
		})
	}
	return g.Wait() //nolint:wrapcheck // workers never return errors
}

func (m *StatusMonitor) poll(ctx context.Context, tr tracked) {
	log := m.log.With(zap.String("task_id", tr.job.TaskID), zap.String("job_id", tr.job.JobID))
	job, changed, err := m.refresher.Refresh(ctx, tr.target, tr.job)
	if err != nil {
		log.Warn("status poll failed", zap.Error(err))
		return
	}
	if changed {
		log.Info("job state changed", zap.String("state", string(job.State())))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, still := m.jobs[job.TaskID]; !still {
		return
	}
	if job.IsTerminal() {
		delete(m.jobs, job.TaskID)
		return
	}
	m.jobs[job.TaskID] = tracked{target: tr.target, job: job}
}
