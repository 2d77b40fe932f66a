// Package reconciler asks the scheduler what it knows about a job after the
// submit command has run.
package reconciler

import (
	"context"
	"time"

	"github.com/samber/mo"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
)

// ErrUnverified is returned by VerifyByJobID when the scheduler answered but
// did not recognize the job.
var ErrUnverified = errors.New("scheduler does not recognize job")

type Reconciler struct {
	runner agent.CommandRunner
	cfg    jobmanager.Configuration
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Reconciler)

// WithNow sets the clock used to stamp observed statuses.
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(runner agent.CommandRunner, cfg jobmanager.Configuration, log *zap.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconciler{
		runner: runner,
		cfg:    cfg,
		log:    log.Named("reconciler").With(zap.String("resource", cfg.ResourceID)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status runs the monitor command for jobID and returns whatever state the
// scheduler reports, UNKNOWN included. The exit code is not consulted: qstat
// and friends exit non-zero for finished jobs while still printing usable
// output.
func (r *Reconciler) Status(ctx context.Context, jobID string) (entity.JobStatus, error) {
	cmd := r.cfg.BuildMonitorCommand(jobID)
	out, err := r.runner.ExecuteCommand(ctx, cmd.String(), "")
	if err != nil {
		return entity.JobStatus{}, err
	}
	status, err := r.cfg.ParseJobStatus(jobID, out.StdOut)
	if err != nil {
		return entity.JobStatus{}, err
	}
	status.TimeOfStateChange = r.now()
	r.log.Debug("observed job status",
		zap.String("job_id", jobID),
		zap.String("state", string(status.State)),
		zap.Int("exit_code", out.ExitCode))
	return status, nil
}

// VerifyByJobID succeeds with any state other than UNKNOWN.
func (r *Reconciler) VerifyByJobID(ctx context.Context, jobID string) (entity.JobStatus, error) {
	status, err := r.Status(ctx, jobID)
	if err != nil {
		return entity.JobStatus{}, err
	}
	if status.State == entity.JobStateUnknown {
		return status, errors.Errorf("job %s: %w", jobID, ErrUnverified)
	}
	return status, nil
}

// VerifyByName looks the job up in the user's queue listing. None means the
// scheduler has no job with that name yet.
func (r *Reconciler) VerifyByName(ctx context.Context, jobName, userName string) (mo.Option[string], error) {
	cmd := r.cfg.BuildJobIDByNameCommand(jobName, userName)
	out, err := r.runner.ExecuteCommand(ctx, cmd.String(), "")
	if err != nil {
		return mo.None[string](), err
	}
	id, err := r.cfg.ParseJobID(jobName, out.StdOut)
	if err != nil {
		return mo.None[string](), err
	}
	if v, ok := id.Get(); ok {
		r.log.Info("found job by name", zap.String("job_name", jobName), zap.String("job_id", v))
	}
	return id, nil
}

// Cancel runs the scheduler's cancel command. A non-zero exit is returned as
// a SchedulerRejection.
func (r *Reconciler) Cancel(ctx context.Context, jobID string) (entity.CommandOutput, error) {
	cmd := r.cfg.BuildCancelCommand(jobID)
	out, err := r.runner.ExecuteCommand(ctx, cmd.String(), "")
	if err != nil {
		return out, err
	}
	if !out.Succeeded() {
		return out, &errors.SchedulerRejection{
			ResourceID: r.cfg.ResourceID,
			ExitCode:   out.ExitCode,
			StdOut:     out.StdOut,
			StdErr:     out.StdErr,
			Reason:     "cancel of job " + jobID + " failed",
		}
	}
	return out, nil
}
