package copy

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sciencegateway/jobgate/pkg/cmd/util"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

var (
	copyLong    = "Copy files between your local machine and a compute resource"
	copyExample = "jobgate copy -g seagrid bigred3:/scratch/alice/run1/job.out ./job.out\njobgate copy -g seagrid ./inputs.tar bigred3:/scratch/alice/run1/inputs.tar"
)

type CopyAdaptor interface {
	UploadStream(ctx context.Context, r io.Reader, remotePath string) error
	DownloadStream(ctx context.Context, remotePath string, w io.Writer) error
	GetFileMetadata(ctx context.Context, path string) (entity.FileMetadata, error)
}

func NewCmdCopy(t *terminal.Terminal, fs afero.Fs, envs util.EnvProvider) *cobra.Command {
	var target util.TargetFlags
	cmd := &cobra.Command{
		Use:                   "copy",
		Aliases:               []string{"cp"},
		DisableFlagsInUseLine: true,
		Short:                 "copy files between local and a compute resource",
		Long:                  copyLong,
		Example:               copyExample,
		Args:                  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceID, remotePath, localPath, isUpload, err := parseCopyArguments(args[0], args[1])
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			target.ComputeResourceID = resourceID
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
			if isUpload {
				err = runUpload(cmd.Context(), t, fs, a, localPath, remotePath)
			} else {
				err = runDownload(cmd.Context(), t, fs, a, remotePath, localPath)
			}
			if err != nil {
				return errors.WrapAndTrace(err)
			}
			return nil
		},
	}
	target.AddFlags(cmd)
	_ = cmd.Flags().MarkHidden("resource")

	return cmd
}

func parseCopyArguments(source, dest string) (resourceID, remotePath, localPath string, isUpload bool, err error) {
	sourceResource, sourcePath := parseResourcePath(source)
	destResource, destPath := parseResourcePath(dest)

	if (sourceResource == "") == (destResource == "") {
		return "", "", "", false, errors.NewValidationError("exactly one of source or destination must be a compute resource path (format: resource:/path)")
	}
	if sourceResource != "" {
		return sourceResource, sourcePath, dest, false, nil
	}
	return destResource, destPath, source, true, nil
}

// parseResourcePath splits "resource:/path". Anything without a colon before
// the first slash is a local path.
func parseResourcePath(arg string) (resourceID, p string) {
	i := strings.Index(arg, ":")
	if i <= 0 || strings.Contains(arg[:i], "/") {
		return "", arg
	}
	return arg[:i], arg[i+1:]
}

func runUpload(ctx context.Context, t *terminal.Terminal, fs afero.Fs, a CopyAdaptor, localPath, remotePath string) error {
	f, err := fs.Open(localPath)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer f.Close() //nolint:errcheck // read-only

	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	bar := t.NewByteProgressBar("uploading", size)
	if err := a.UploadStream(ctx, io.TeeReader(f, bar), remotePath); err != nil {
		return errors.WrapAndTrace(err)
	}
	_ = bar.Finish()
	return nil
}

func runDownload(ctx context.Context, t *terminal.Terminal, fs afero.Fs, a CopyAdaptor, remotePath, localPath string) error {
	meta, err := a.GetFileMetadata(ctx, remotePath)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if meta.IsDirectory {
		return errors.NewValidationError(remotePath + " is a directory")
	}

	f, err := fs.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	bar := t.NewByteProgressBar("downloading", meta.Size)
	if err := a.DownloadStream(ctx, remotePath, io.MultiWriter(f, bar)); err != nil {
		_ = f.Close()
		return errors.WrapAndTrace(err)
	}
	_ = bar.Finish()
	return errors.WrapAndTrace(f.Close())
}
