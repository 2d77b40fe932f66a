// Package resource manages the local compute resource catalog
package resource

import (
	"context"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
	"github.com/sciencegateway/jobgate/pkg/store"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var (
	resourceLong = `List and add compute resources in the local catalog file. Resources
served by a remote registry are managed there instead.`
	resourceExample = `
  jobgate resource ls
  jobgate resource add bigred3 --host bigred3.uits.iu.edu --scheduler SLURM
  jobgate resource add bigred3 --protocol LOCAL --scheduler FORK
	`
)

type ResourceStore interface {
	ListComputeResources(ctx context.Context) ([]entity.ComputeResource, error)
	GetComputeResource(ctx context.Context, computeResourceID string) (entity.ComputeResource, error)
	SaveComputeResource(r entity.ComputeResource) error
}

// Prompter asks for values that were not passed as flags.
type Prompter struct {
	Select func(pc terminal.PromptSelectContent) (string, error)
	Input  func(pc terminal.PromptContent) (string, error)
}

var defaultPrompter = Prompter{Select: terminal.PromptSelectInput, Input: terminal.PromptGetInput}

func NewCmdResource(t *terminal.Terminal, stores util.FileStoreProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"resources"},
		Short:   "Manage the compute resource catalog",
		Long:    resourceLong,
		Example: resourceExample,
	}
	cmd.AddCommand(newCmdList(t, stores))
	cmd.AddCommand(newCmdAdd(t, stores))
	return cmd
}

func newCmdList(t *terminal.Terminal, stores util.FileStoreProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List compute resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.WrapAndTrace(RunList(cmd.Context(), t, stores()))
		},
	}
}

type addOptions struct {
	id               string
	host             string
	port             int
	protocol         string
	scheduler        string
	installedPath    string
	schedulerVersion string
	commands         map[string]string
	noPrompt         bool
}

func newCmdAdd(t *terminal.Terminal, stores util.FileStoreProvider) *cobra.Command {
	var opts addOptions
	cmd := &cobra.Command{
		Use:                   "add <id>",
		DisableFlagsInUseLine: true,
		Short:                 "Add or replace a job submission interface",
		Args:                  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.id = args[0]
			prompter := defaultPrompter
			if opts.noPrompt {
				prompter = Prompter{}
			}
			r, err := RunAdd(cmd.Context(), stores(), opts, prompter)
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			t.Vprintf("Saved %s.\n\n", t.Green(r.ID))
			t.DisplayResources([]entity.ComputeResource{r})
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "login host")
	cmd.Flags().IntVar(&opts.port, "port", 0, "SSH port (default 22)")
	cmd.Flags().StringVar(&opts.protocol, "protocol", string(entity.ProtocolSSH), "SSH or LOCAL")
	cmd.Flags().StringVar(&opts.scheduler, "scheduler", "", "PBS, SLURM, LSF, UGE, FORK, LOCAL or DEFAULT")
	cmd.Flags().StringVar(&opts.installedPath, "installed-path", "", "directory holding the scheduler binaries")
	cmd.Flags().StringVar(&opts.schedulerVersion, "scheduler-version", "", "scheduler version, enables version specific flags")
	cmd.Flags().StringToStringVar(&opts.commands, "command", nil, "scheduler command override, e.g. SUBMISSION=/opt/site/bin/submit")
	cmd.Flags().BoolVar(&opts.noPrompt, "no-prompt", false, "fail instead of prompting for missing values")
	return cmd
}

func RunList(ctx context.Context, t *terminal.Terminal, rs ResourceStore) error {
	resources, err := rs.ListComputeResources(ctx)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if len(resources) == 0 {
		t.Vprint(t.Yellow("No compute resources in the catalog."))
		return nil
	}
	t.DisplayResources(resources)
	return nil
}

// RunAdd validates the interface against the built-in job managers and saves
// it, replacing any interface of the same protocol on the resource.
func RunAdd(ctx context.Context, rs ResourceStore, opts addOptions, prompt Prompter) (entity.ComputeResource, error) {
	protocol, err := entity.ParseProtocol(opts.protocol)
	if err != nil {
		return entity.ComputeResource{}, errors.NewValidationError(err.Error())
	}

	if opts.scheduler == "" {
		if prompt.Select == nil {
			return entity.ComputeResource{}, errors.NewValidationError("--scheduler is required")
		}
		opts.scheduler, err = prompt.Select(terminal.PromptSelectContent{
			Label: "Scheduler",
			Items: []string{"PBS", "SLURM", "LSF", "UGE", "FORK", "LOCAL", "DEFAULT"},
		})
		if err != nil {
			return entity.ComputeResource{}, errors.WrapAndTrace(err)
		}
	}
	kind, err := entity.ParseSchedulerKind(opts.scheduler)
	if err != nil {
		return entity.ComputeResource{}, errors.NewValidationError(err.Error())
	}

	existing, err := rs.GetComputeResource(ctx, opts.id)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, os.ErrNotExist):
		existing = entity.ComputeResource{ID: opts.id}
	case err != nil:
		return entity.ComputeResource{}, errors.WrapAndTrace(err)
	}

	if protocol == entity.ProtocolSSH && opts.host == "" && existing.HostName == "" {
		if prompt.Input == nil {
			return entity.ComputeResource{}, errors.NewValidationError("--host is required for SSH")
		}
		opts.host, err = prompt.Input(terminal.PromptContent{Label: "Login host:", ErrorMsg: "a login host is required"})
		if err != nil {
			return entity.ComputeResource{}, errors.WrapAndTrace(err)
		}
	}
	if opts.host != "" && existing.HostName == "" {
		existing.HostName = opts.host
	}

	iface := entity.JobSubmissionInterface{
		ComputeResourceID: opts.id,
		Protocol:          protocol,
		Host:              opts.host,
		Port:              opts.port,
		SchedulerKind:     kind,
		InstalledPath:     opts.installedPath,
		SchedulerVersion:  opts.schedulerVersion,
	}
	if len(opts.commands) > 0 {
		iface.Commands = lo.MapKeys(opts.commands, func(_ string, k string) entity.CommandType {
			return entity.CommandType(strings.ToUpper(strings.TrimSpace(k)))
		})
	}
	if _, err := jobmanager.NewDefaultRegistry().Resolve(iface); err != nil {
		return entity.ComputeResource{}, errors.NewValidationError(errors.Root(err).Error())
	}

	existing.Interfaces = append(lo.Reject(existing.Interfaces, func(i entity.JobSubmissionInterface, _ int) bool {
		return i.Protocol == protocol
	}), iface)
	if err := rs.SaveComputeResource(existing); err != nil {
		return entity.ComputeResource{}, errors.WrapAndTrace(err)
	}
	return existing, nil
}
