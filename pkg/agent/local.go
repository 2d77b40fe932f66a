package agent

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// localResource names this host in parse errors.
const localResource = "localhost"

// LocalAdaptor runs commands through /bin/sh on this host. File operations go
// through an afero filesystem.
type LocalAdaptor struct {
	fs    afero.Fs
	shell string
	log   *zap.Logger
}

var _ Adaptor = &LocalAdaptor{}

func NewLocalAdaptor(log *zap.Logger) *LocalAdaptor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalAdaptor{fs: afero.NewOsFs(), shell: "/bin/sh", log: log.Named("local")}
}

// WithFileSystem swaps the filesystem used for file operations.
func (a *LocalAdaptor) WithFileSystem(fs afero.Fs) *LocalAdaptor {
	a.fs = fs
	return a
}

func (a *LocalAdaptor) ExecuteCommand(ctx context.Context, command string, workingDir string) (entity.CommandOutput, error) {
	cmd := exec.CommandContext(ctx, a.shell, "-c", command) //nolint:gosec // commands are built by job managers
	cmd.Dir = workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.log.Debug("executing command", zap.String("command", command), zap.String("dir", workingDir))
	err := cmd.Run()
	out := entity.CommandOutput{StdOut: stdout.String(), StdErr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, errors.WrapAndTrace(ctx.Err(), "executing", command)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	out.ExitCode = entity.ExitCodeUnavailable
	return out, errors.WrapAndTrace(err, "executing", command)
}

func (a *LocalAdaptor) CreateDirectory(_ context.Context, dir string, recursive bool) error {
	if recursive {
		return errors.WrapAndTrace(a.fs.MkdirAll(dir, 0o755))
	}
	return errors.WrapAndTrace(a.fs.Mkdir(dir, 0o755))
}

func (a *LocalAdaptor) DeleteDirectory(_ context.Context, dir string) error {
	if err := validateDeletePath(dir); err != nil {
		return err
	}
	return errors.WrapAndTrace(a.fs.RemoveAll(dir))
}

func (a *LocalAdaptor) UploadFile(ctx context.Context, localPath string, remotePath string) error {
	f, err := os.Open(localPath) //nolint:gosec // caller-supplied staging file
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return a.UploadStream(ctx, f, remotePath)
}

func (a *LocalAdaptor) UploadStream(_ context.Context, r io.Reader, remotePath string) error {
	dst, err := a.fs.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		return errors.WrapAndTrace(err)
	}
	return errors.WrapAndTrace(dst.Close())
}

func (a *LocalAdaptor) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	f, err := os.Create(localPath) //nolint:gosec // caller-supplied destination
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if err := a.DownloadStream(ctx, remotePath, f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.WrapAndTrace(f.Close())
}

func (a *LocalAdaptor) DownloadStream(_ context.Context, remotePath string, w io.Writer) error {
	src, err := a.fs.Open(remotePath)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer src.Close() //nolint:errcheck // read-only
	_, err = io.Copy(w, src)
	return errors.WrapAndTrace(err)
}

func (a *LocalAdaptor) ListDirectory(_ context.Context, dir string) ([]string, error) {
	entries, err := afero.ReadDir(a.fs, dir)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (a *LocalAdaptor) FileExists(_ context.Context, p string) (bool, error) {
	ok, err := afero.Exists(a.fs, p)
	return ok, errors.WrapAndTrace(err)
}

func (a *LocalAdaptor) GetFileMetadata(_ context.Context, p string) (entity.FileMetadata, error) {
	fi, err := a.fs.Stat(p)
	if err != nil {
		return entity.FileMetadata{}, errors.WrapAndTrace(err)
	}
	return fileMetadata(filepath.Clean(p), fi), nil
}

func (a *LocalAdaptor) FileNameFromExtension(ctx context.Context, dir string, extension string) ([]string, error) {
	names, err := a.ListDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	return filterExtension(names, strings.TrimSpace(extension)), nil
}

func (a *LocalAdaptor) StorageVolumeInfo(ctx context.Context, location string) (entity.StorageVolumeInfo, error) {
	return storageVolumeInfo(ctx, a, localResource, location)
}

func (a *LocalAdaptor) StorageDirectoryInfo(ctx context.Context, location string) (entity.StorageDirectoryInfo, error) {
	return storageDirectoryInfo(ctx, a, localResource, location)
}

func (a *LocalAdaptor) Close() error {
	return nil
}
