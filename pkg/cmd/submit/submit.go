// Package submit submits a job script to a compute resource
package submit

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/store"
	"github.com/sciencegateway/jobgate/pkg/submission"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var (
	submitLong = `Submit a job script to a compute resource's scheduler and wait until
the scheduler has accepted it. The job is recorded under its task ID.`
	submitExample = `
  jobgate submit -g seagrid -r bigred3 --task t-42 --dir /scratch/alice/run1 --job-file run.pbs
  jobgate submit -g seagrid -r bigred3 --task t-42 --dir /scratch/alice/run1 --script ./run.pbs
  jobgate submit -g seagrid -r bigred3 --task t-42 --dir /scratch/alice/run1 --job-file run.pbs --recover
	`
)

type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (entity.JobModel, error)
	Recover(ctx context.Context, req submission.Request, job entity.JobModel) (entity.JobModel, error)
}

type SubmitStore interface {
	GetJob(ctx context.Context, taskID string) (entity.JobModel, error)
}

type submitOptions struct {
	target       util.TargetFlags
	experimentID string
	processID    string
	taskID       string
	jobName      string
	workingDir   string
	jobFile      string
	script       string
	recover      bool
}

func NewCmdSubmit(t *terminal.Terminal, fs afero.Fs, envs util.EnvProvider) *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:                   "submit",
		DisableFlagsInUseLine: true,
		Short:                 "Submit a job to a compute resource",
		Long:                  submitLong,
		Example:               submitExample,
		Args:                  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(fs)
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			env, err := envs(cmd.Context())
			if err != nil {
				return errors.WrapAndTrace(err)
			}

			updates, unsubscribe := env.Events.Subscribe(16)
			defer unsubscribe()

			s := t.NewSpinner()
			s.Suffix = fmt.Sprintf(" submitting task %s to %s", req.TaskID, req.ComputeResourceID)
			s.Start()
			go func() {
				for e := range updates {
					if e.TaskID != req.TaskID {
						continue
					}
					s.Lock()
					s.Suffix = fmt.Sprintf(" task %s is %s", e.TaskID, t.StateString(e.State))
					s.Unlock()
				}
			}()

			job, err := RunSubmit(cmd.Context(), env.Orchestrator, env.Registry, req, opts.recover)
			s.Stop()
			if job.TaskID != "" {
				t.DisplayJob(job)
			}
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			return nil
		},
	}

	opts.target.AddFlags(cmd)
	cmd.Flags().StringVar(&opts.experimentID, "experiment", "", "experiment ID")
	cmd.Flags().StringVar(&opts.processID, "process", "", "process ID")
	cmd.Flags().StringVarP(&opts.taskID, "task", "t", "", "task ID the job is recorded under")
	cmd.Flags().StringVarP(&opts.jobName, "name", "n", "", "job name (generated when empty)")
	cmd.Flags().StringVarP(&opts.workingDir, "dir", "d", "", "working directory on the compute resource")
	cmd.Flags().StringVarP(&opts.jobFile, "job-file", "f", "", "job script, relative to --dir unless absolute")
	cmd.Flags().StringVarP(&opts.script, "script", "s", "", "local job script to upload before submitting")
	cmd.Flags().BoolVar(&opts.recover, "recover", false, "resubmit a recorded task that never got a scheduler job ID")

	return cmd
}

func (o submitOptions) request(fs afero.Fs) (submission.Request, error) {
	target, err := o.target.Target()
	if err != nil {
		return submission.Request{}, err
	}
	req := submission.Request{
		Target:       target,
		ExperimentID: o.experimentID,
		ProcessID:    o.processID,
		TaskID:       o.taskID,
		JobName:      o.jobName,
		WorkingDir:   o.workingDir,
		JobFile:      o.jobFile,
	}
	if o.script != "" {
		script, err := afero.ReadFile(fs, o.script)
		if err != nil {
			return submission.Request{}, errors.WrapAndTrace(err)
		}
		req.Script = script
		if req.JobFile == "" {
			req.JobFile = path.Base(filepath.ToSlash(o.script))
		}
	}

	switch {
	case req.TaskID == "":
		return submission.Request{}, errors.NewValidationError("--task is required")
	case req.WorkingDir == "":
		return submission.Request{}, errors.NewValidationError("--dir is required")
	case req.JobFile == "":
		return submission.Request{}, errors.NewValidationError("one of --job-file or --script is required")
	}
	return req, nil
}

// RunSubmit submits req. With recover set, a task already in the registry is
// resubmitted only when it never got a scheduler job ID.
func RunSubmit(ctx context.Context, submitter Submitter, jobs SubmitStore, req submission.Request, recover bool) (entity.JobModel, error) {
	if !recover {
		return submitter.Submit(ctx, req)
	}
	job, err := jobs.GetJob(ctx, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return submitter.Submit(ctx, req)
	}
	if err != nil {
		return entity.JobModel{}, errors.WrapAndTrace(err)
	}
	return submitter.Recover(ctx, req, job)
}
