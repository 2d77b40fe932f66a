package submission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// Cancel asks the scheduler to cancel job and records CANCELED. The job must
// be visible to the scheduler first; it is polled with a growing wait until it
// is. Cancelling a job that already reached a terminal state does nothing.
func (o *Orchestrator) Cancel(ctx context.Context, t Target, job entity.JobModel) (entity.JobModel, error) {
	if job.IsTerminal() {
		return job, nil
	}
	if !job.HasRealJobID() {
		return job, errors.NewValidationError("job for task " + job.TaskID + " has no scheduler job ID to cancel")
	}
	log := o.log.With(zap.String("task_id", job.TaskID), zap.String("job_id", job.JobID))

	r, err := o.connect(ctx, t, log)
	if err != nil {
		return job, err
	}

	found := false
	for attempt := 1; attempt <= o.cancelPollAttempts; attempt++ {
		status, err := r.rec.Status(ctx, job.JobID)
		if err == nil && status.State != entity.JobStateUnknown {
			found = true
			break
		}
		if err != nil {
			log.Warn("could not read job status before cancel", zap.Int("attempt", attempt), zap.Error(err))
		}
		if err := o.sleep(ctx, time.Duration(attempt)*o.cancelPollInterval); err != nil {
			return job, errors.WrapAndTrace(err)
		}
	}
	if !found {
		return job, errors.Errorf("job %s was not found on %s after %d attempts", job.JobID, r.cfg.ResourceID, o.cancelPollAttempts)
	}

	if _, err := r.rec.Cancel(ctx, job.JobID); err != nil {
		return job, err
	}
	o.transition(ctx, &job, entity.JobStatus{State: entity.JobStateCanceled, Reason: "Canceled by user"}, log)
	return job, nil
}

// Recover resubmits a job that never got a scheduler job ID, including one
// whose submission FAILED. A job the scheduler knows is returned unchanged.
func (o *Orchestrator) Recover(ctx context.Context, req Request, job entity.JobModel) (entity.JobModel, error) {
	if job.HasRealJobID() {
		return job, nil
	}
	o.log.Info("resubmitting job without a scheduler ID", zap.String("task_id", job.TaskID))
	if req.JobName == "" {
		req.JobName = job.JobName
	}
	return o.Submit(ctx, req)
}

// Refresh reads the job's current scheduler state and records it when it
// differs from the latest status. It reports whether a status was added.
func (o *Orchestrator) Refresh(ctx context.Context, t Target, job entity.JobModel) (entity.JobModel, bool, error) {
	if job.IsTerminal() || !job.HasRealJobID() {
		return job, false, nil
	}
	log := o.log.With(zap.String("task_id", job.TaskID), zap.String("job_id", job.JobID))
	r, err := o.connect(ctx, t, log)
	if err != nil {
		return job, false, err
	}
	status, err := r.rec.Status(ctx, job.JobID)
	if err != nil {
		return job, false, err
	}
	if status.State == job.State() {
		return job, false, nil
	}
	o.transition(ctx, &job, status, log)
	return job, true, nil
}

// Adaptor connects to the target for file and storage operations.
func (o *Orchestrator) Adaptor(ctx context.Context, t Target) (agent.Adaptor, error) {
	r, err := o.connect(ctx, t, o.log)
	if err != nil {
		return nil, err
	}
	return r.adaptor, nil
}
