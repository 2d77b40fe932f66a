package agent

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// SSHAdaptor runs operations for one endpoint over a Pool.
type SSHAdaptor struct {
	pool     *Pool
	endpoint entity.RemoteEndpoint
	log      *zap.Logger
}

var _ Adaptor = &SSHAdaptor{}

func (a *SSHAdaptor) Endpoint() entity.RemoteEndpoint {
	return a.endpoint
}

func (a *SSHAdaptor) ExecuteCommand(ctx context.Context, command string, workingDir string) (out entity.CommandOutput, err error) {
	if hook := a.pool.opts.onCommand; hook != nil {
		start := time.Now()
		defer func() { hook(a.endpoint.Key(), time.Since(start), err) }()
	}

	l, err := a.pool.acquire(ctx, a.endpoint)
	if err != nil {
		return entity.CommandOutput{}, err
	}
	defer l.release()

	session, err := l.client().NewSession()
	if err != nil {
		terr := errors.NewTransportError(a.endpoint.String(), "open session", err)
		l.markErrored(terr)
		return entity.CommandOutput{}, terr
	}
	defer session.Close() //nolint:errcheck // closed channel after Run is expected

	full := command
	if workingDir != "" {
		full = "cd " + shellescape.Quote(workingDir) + "; " + command
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	a.log.Debug("executing command", zap.String("command", full))
	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return entity.CommandOutput{}, errors.WrapAndTrace(ctx.Err(), "executing", command)
	case runErr = <-done:
	}

	out = entity.CommandOutput{StdOut: stdout.String(), StdErr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		out.ExitCode = 0
	case errors.As(runErr, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	default:
		// Includes *ssh.ExitMissingError: the channel closed without an exit
		// status, which is never read as success.
		out.ExitCode = entity.ExitCodeUnavailable
		terr := errors.NewTransportError(a.endpoint.String(), "exec", runErr)
		l.markErrored(terr)
		return out, terr
	}
	return out, nil
}

// withSFTP runs fn on an SFTP channel holding one pool slot.
func (a *SSHAdaptor) withSFTP(ctx context.Context, op string, fn func(c *sftp.Client) error) error {
	l, err := a.pool.acquire(ctx, a.endpoint)
	if err != nil {
		return err
	}
	defer l.release()

	c, err := sftp.NewClient(l.client())
	if err != nil {
		terr := errors.NewTransportError(a.endpoint.String(), "open sftp", err)
		l.markErrored(terr)
		return terr
	}
	defer c.Close() //nolint:errcheck // channel teardown

	if err := fn(c); err != nil {
		if isSFTPTransportFailure(err) {
			terr := errors.NewTransportError(a.endpoint.String(), op, err)
			l.markErrored(terr)
			return terr
		}
		return errors.WrapAndTrace(err, op)
	}
	return nil
}

func isSFTPTransportFailure(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, sftp.ErrSSHFxNoConnection)
}

func (a *SSHAdaptor) CreateDirectory(ctx context.Context, dir string, recursive bool) error {
	return a.withSFTP(ctx, "mkdir "+dir, func(c *sftp.Client) error {
		if recursive {
			return c.MkdirAll(dir)
		}
		return c.Mkdir(dir)
	})
}

func (a *SSHAdaptor) DeleteDirectory(ctx context.Context, dir string) error {
	if err := validateDeletePath(dir); err != nil {
		return err
	}
	out, err := a.ExecuteCommand(ctx, "rm -rf "+shellescape.Quote(dir), "")
	if err != nil {
		return err
	}
	if !out.Succeeded() {
		return errors.Errorf("deleting %s: exit %d: %s", dir, out.ExitCode, strings.TrimSpace(out.StdErr))
	}
	return nil
}

func validateDeletePath(dir string) error {
	clean := path.Clean(strings.TrimSpace(dir))
	if strings.TrimSpace(dir) == "" || clean == "/" || clean == "." {
		return errors.NewValidationError("refusing to delete directory " + shellescape.Quote(dir))
	}
	return nil
}

func (a *SSHAdaptor) UploadFile(ctx context.Context, localPath string, remotePath string) error {
	f, err := os.Open(localPath) //nolint:gosec // caller-supplied staging file
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return a.UploadStream(ctx, f, remotePath)
}

func (a *SSHAdaptor) UploadStream(ctx context.Context, r io.Reader, remotePath string) error {
	return a.withSFTP(ctx, "upload "+remotePath, func(c *sftp.Client) error {
		dst, err := c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, r); err != nil {
			_ = dst.Close()
			return err
		}
		return dst.Close()
	})
}

func (a *SSHAdaptor) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
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

func (a *SSHAdaptor) DownloadStream(ctx context.Context, remotePath string, w io.Writer) error {
	return a.withSFTP(ctx, "download "+remotePath, func(c *sftp.Client) error {
		src, err := c.Open(remotePath)
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck // read-only
		_, err = io.Copy(w, src)
		return err
	})
}

func (a *SSHAdaptor) ListDirectory(ctx context.Context, dir string) ([]string, error) {
	var names []string
	err := a.withSFTP(ctx, "list "+dir, func(c *sftp.Client) error {
		entries, err := c.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	sort.Strings(names)
	return names, err
}

func (a *SSHAdaptor) FileExists(ctx context.Context, p string) (bool, error) {
	exists := false
	err := a.withSFTP(ctx, "stat "+p, func(c *sftp.Client) error {
		_, err := c.Stat(p)
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, os.ErrNotExist):
			return nil
		}
		return err
	})
	return exists, err
}

func (a *SSHAdaptor) GetFileMetadata(ctx context.Context, p string) (entity.FileMetadata, error) {
	var meta entity.FileMetadata
	err := a.withSFTP(ctx, "stat "+p, func(c *sftp.Client) error {
		fi, err := c.Stat(p)
		if err != nil {
			return err
		}
		meta = fileMetadata(p, fi)
		return nil
	})
	return meta, err
}

func fileMetadata(p string, fi os.FileInfo) entity.FileMetadata {
	return entity.FileMetadata{
		Name:        fi.Name(),
		Path:        p,
		Size:        fi.Size(),
		Mode:        fi.Mode(),
		IsDirectory: fi.IsDir(),
		ModTime:     fi.ModTime(),
	}
}

func (a *SSHAdaptor) FileNameFromExtension(ctx context.Context, dir string, extension string) ([]string, error) {
	names, err := a.ListDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	return filterExtension(names, extension), nil
}

func filterExtension(names []string, extension string) []string {
	ext := extension
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, ext) {
			out = append(out, n)
		}
	}
	return out
}

func (a *SSHAdaptor) StorageVolumeInfo(ctx context.Context, location string) (entity.StorageVolumeInfo, error) {
	return storageVolumeInfo(ctx, a, a.endpoint.String(), location)
}

func (a *SSHAdaptor) StorageDirectoryInfo(ctx context.Context, location string) (entity.StorageDirectoryInfo, error) {
	return storageDirectoryInfo(ctx, a, a.endpoint.String(), location)
}

// Close drops this endpoint's pooled connection once it is idle.
func (a *SSHAdaptor) Close() error {
	a.pool.Evict(a.endpoint)
	return nil
}
