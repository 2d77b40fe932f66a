// Package cancel cancels a submitted job
package cancel

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/submission"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var cancelExample = `
  jobgate cancel --task t-42 -g seagrid -r bigred3
  jobgate cancel --task t-42 -g seagrid -r bigred3 --yes
	`

type CancelStore interface {
	GetJob(ctx context.Context, taskID string) (entity.JobModel, error)
}

type Canceler interface {
	Cancel(ctx context.Context, t submission.Target, job entity.JobModel) (entity.JobModel, error)
}

// Confirm asks the user before anything is sent to the scheduler.
type Confirm func(label string) (bool, error)

func NewCmdCancel(t *terminal.Terminal, envs util.EnvProvider) *cobra.Command {
	var target util.TargetFlags
	var taskID string
	var yes bool

	cmd := &cobra.Command{
		Use:                   "cancel",
		DisableFlagsInUseLine: true,
		Short:                 "Cancel a job",
		Long:                  "Ask the compute resource's scheduler to cancel a recorded job.",
		Example:               cancelExample,
		Args:                  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.NewValidationError("--task is required")
			}
			tgt, err := target.Target()
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			env, err := envs(cmd.Context())
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			confirm := terminal.PromptConfirm
			if yes {
				confirm = func(string) (bool, error) { return true, nil }
			}
			return RunCancel(cmd.Context(), t, env.Registry, env.Orchestrator, confirm, tgt, taskID)
		},
	}

	target.AddFlags(cmd)
	cmd.Flags().StringVarP(&taskID, "task", "t", "", "task ID of the job to cancel")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func RunCancel(ctx context.Context, t *terminal.Terminal, jobs CancelStore, canceler Canceler, confirm Confirm, target submission.Target, taskID string) error {
	job, err := jobs.GetJob(ctx, taskID)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if job.IsTerminal() {
		t.Vprintf("Job %s is already %s.\n", job.JobID, t.StateString(job.State()))
		return nil
	}

	ok, err := confirm(fmt.Sprintf("Cancel job %s on %s", job.JobID, target.ComputeResourceID))
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if !ok {
		t.Vprint(t.Yellow("Aborted."))
		return nil
	}

	s := t.NewSpinner()
	s.Suffix = fmt.Sprintf(" canceling job %s", job.JobID)
	s.Start()
	job, err = canceler.Cancel(ctx, target, job)
	s.Stop()
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	t.Vprintf("Job %s is %s.\n", job.JobID, t.StateString(job.State()))
	return nil
}
