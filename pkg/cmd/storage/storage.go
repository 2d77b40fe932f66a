// Package storage reports disk usage on a compute resource
package storage

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var storageExample = `
  jobgate storage -g seagrid -r bigred3
  jobgate storage -g seagrid -r bigred3 --path /scratch/alice --dir
	`

type StorageAdaptor interface {
	StorageVolumeInfo(ctx context.Context, location string) (entity.StorageVolumeInfo, error)
	StorageDirectoryInfo(ctx context.Context, location string) (entity.StorageDirectoryInfo, error)
}

func NewCmdStorage(t *terminal.Terminal, envs util.EnvProvider) *cobra.Command {
	var target util.TargetFlags
	var location string
	var dir bool

	cmd := &cobra.Command{
		Use:                   "storage",
		DisableFlagsInUseLine: true,
		Short:                 "Show disk usage on a compute resource",
		Long:                  "Show the volume holding a path, or the home directory when no path is given. With --dir the path's own usage is shown too.",
		Example:               storageExample,
		Args:                  cobra.NoArgs,
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
			return RunStorage(cmd.Context(), t, a, location, dir)
		},
	}

	target.AddFlags(cmd)
	cmd.Flags().StringVarP(&location, "path", "p", "", "path on the compute resource (default home directory)")
	cmd.Flags().BoolVar(&dir, "dir", false, "also show the disk usage of the path itself")

	return cmd
}

func RunStorage(ctx context.Context, t *terminal.Terminal, a StorageAdaptor, location string, dir bool) error {
	s := t.NewSpinner()
	s.Suffix = " reading disk usage"
	s.Start()
	volume, err := a.StorageVolumeInfo(ctx, location)
	if err != nil {
		s.Stop()
		return errors.WrapAndTrace(err)
	}
	var usage entity.StorageDirectoryInfo
	if dir {
		usage, err = a.StorageDirectoryInfo(ctx, location)
	}
	s.Stop()
	if err != nil {
		return errors.WrapAndTrace(err)
	}

	t.DisplayVolume(volume)
	if dir {
		t.Vprintf("\n%s uses %s\n", displayPath(location), usage.TotalSize)
	}
	return nil
}

func displayPath(location string) string {
	if location == "" {
		return "~"
	}
	return location
}
