// Package status shows recorded jobs and their status history
package status

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/cmdcontext"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/submission"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var (
	statusLong = `Show a job's status history, or every recorded job when no task is given.
With --refresh the scheduler is asked for the current state first.`
	statusExample = `
  jobgate status
  jobgate status --task t-42
  jobgate status --task t-42 --refresh -g seagrid -r bigred3
	`
)

type StatusStore interface {
	GetJob(ctx context.Context, taskID string) (entity.JobModel, error)
}

type Refresher interface {
	Refresh(ctx context.Context, t submission.Target, job entity.JobModel) (entity.JobModel, bool, error)
}

func NewCmdStatus(t *terminal.Terminal, envs util.EnvProvider) *cobra.Command {
	var target util.TargetFlags
	var taskID string
	var refresh bool

	cmd := &cobra.Command{
		Use:                   "status",
		DisableFlagsInUseLine: true,
		Short:                 "Show job status",
		Long:                  statusLong,
		Example:               statusExample,
		Args:                  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tgt *submission.Target
			if refresh {
				if taskID == "" {
					return errors.NewValidationError("--refresh needs --task")
				}
				resolved, err := target.Target()
				if err != nil {
					return errors.WrapAndTrace(err)
				}
				tgt = &resolved
			}
			env, err := envs(cmd.Context())
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			if taskID == "" {
				lister, ok := env.Registry.(cmdcontext.JobLister)
				if !ok {
					return errors.NewValidationError("the configured registry cannot list jobs, pass --task")
				}
				return RunList(cmd.Context(), t, lister)
			}
			return RunStatus(cmd.Context(), t, env.Registry, env.Orchestrator, taskID, tgt)
		},
	}

	target.AddFlags(cmd)
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task ID to show")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "query the scheduler before showing the job")

	return cmd
}

func RunList(ctx context.Context, t *terminal.Terminal, lister cmdcontext.JobLister) error {
	jobs, err := lister.ListJobs(ctx)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if len(jobs) == 0 {
		t.Vprint(t.Yellow("No jobs recorded yet."))
		return nil
	}
	t.DisplayJobs(jobs)
	return nil
}

// RunStatus prints one job. A non-nil target refreshes it from the scheduler
// first.
func RunStatus(ctx context.Context, t *terminal.Terminal, jobs StatusStore, refresher Refresher, taskID string, target *submission.Target) error {
	job, err := jobs.GetJob(ctx, taskID)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if target != nil {
		refreshed, changed, err := refresher.Refresh(ctx, *target, job)
		if err != nil {
			return errors.WrapAndTrace(err)
		}
		job = refreshed
		if !changed {
			t.Vprint(t.Green("Scheduler state unchanged."))
		}
	}
	t.DisplayJob(job)
	return nil
}
