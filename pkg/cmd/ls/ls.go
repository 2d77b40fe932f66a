// Package ls lists files in a directory on a compute resource
package ls

import (
	"context"
	"path"

	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var lsExample = `
  jobgate ls -g seagrid -r bigred3 /scratch/alice/run1
  jobgate ls -g seagrid -r bigred3 /scratch/alice/run1 --ext out
	`

type LsAdaptor interface {
	ListDirectory(ctx context.Context, path string) ([]string, error)
	FileNameFromExtension(ctx context.Context, dir string, extension string) ([]string, error)
	GetFileMetadata(ctx context.Context, path string) (entity.FileMetadata, error)
}

func NewCmdLs(t *terminal.Terminal, envs util.EnvProvider) *cobra.Command {
	var target util.TargetFlags
	var ext string

	cmd := &cobra.Command{
		Use:                   "ls <dir>",
		DisableFlagsInUseLine: true,
		Short:                 "List a directory on a compute resource",
		Example:               lsExample,
		Args:                  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := target.Target()
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			env, err := envs(cmd.Context())
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			a, err := env.Orchestrator.Adaptor(cmd.Context(), tgt)
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			return RunLs(cmd.Context(), t, a, args[0], ext)
		},
	}

	target.AddFlags(cmd)
	cmd.Flags().StringVarP(&ext, "ext", "e", "", "only list files with this extension")

	return cmd
}

func RunLs(ctx context.Context, t *terminal.Terminal, a LsAdaptor, dir, ext string) error {
	var names []string
	var err error
	if ext != "" {
		names, err = a.FileNameFromExtension(ctx, dir, ext)
	} else {
		names, err = a.ListDirectory(ctx, dir)
	}
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if len(names) == 0 {
		t.Vprint(t.Yellow("No files in " + dir))
		return nil
	}

	files := make([]entity.FileMetadata, 0, len(names))
	for _, n := range names {
		meta, err := a.GetFileMetadata(ctx, path.Join(dir, n))
		if err != nil {
			return errors.WrapAndTrace(err)
		}
		files = append(files, meta)
	}
	t.DisplayFiles(files)
	return nil
}
