// Package tasks runs periodic background work on cron schedules.
package tasks

import (
	"context"

	cron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/errors"
)

type Task interface {
	Run(ctx context.Context) error
	GetTaskSpec() TaskSpec
}

type TaskSpec struct {
	Name               string
	Cron               string // can be "" if want to run once // https://pkg.go.dev/github.com/robfig/cron?utm_source=godoc#hdr-CRON_Expression_Format
	RunCronImmediately bool   // only applied if cron not ""
}

type TaskRunner struct {
	Tasks []Task
	log   *zap.Logger
}

func NewTaskRunner(tasks []Task, log *zap.Logger) *TaskRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskRunner{
		Tasks: tasks,
		log:   log.Named("tasks"),
	}
}

func (tr TaskRunner) logErr(ctx context.Context, t Task) func() {
	name := t.GetTaskSpec().Name
	return func() {
		if err := t.Run(ctx); err != nil {
			tr.log.Warn("task failed", zap.String("task", name), zap.Error(err))
		}
	}
}

// Run schedules every task and blocks until ctx is done. Runs already in
// progress finish before Run returns.
func (tr TaskRunner) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, t := range tr.Tasks {
		spec := t.GetTaskSpec()
		run := tr.logErr(ctx, t)
		if spec.Cron != "" {
			if _, err := c.AddFunc(spec.Cron, run); err != nil {
				return errors.WrapAndTrace(err, spec.Name)
			}
			if spec.RunCronImmediately {
				run()
			}
		} else {
			run()
		}
	}

	c.Start()
	tr.log.Info("task runner started", zap.Int("tasks", len(tr.Tasks)))
	<-ctx.Done()
	tr.log.Info("stopping")
	<-c.Stop().Done()
	tr.log.Info("stopped")
	return nil
}
