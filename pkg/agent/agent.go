// Package agent runs shell commands and file operations on compute
// resources, either over pooled SSH connections or on the local host.
package agent

import (
	"context"
	"io"

	"github.com/sciencegateway/jobgate/pkg/entity"
)

// CommandRunner executes one shell command line. A non-zero exit status is
// reported in the output, not as an error.
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, command string, workingDir string) (entity.CommandOutput, error)
}

// Adaptor is the full set of remote operations on one compute resource.
type Adaptor interface {
	CommandRunner

	CreateDirectory(ctx context.Context, path string, recursive bool) error
	DeleteDirectory(ctx context.Context, path string) error
	UploadFile(ctx context.Context, localPath string, remotePath string) error
	UploadStream(ctx context.Context, r io.Reader, remotePath string) error
	DownloadFile(ctx context.Context, remotePath string, localPath string) error
	DownloadStream(ctx context.Context, remotePath string, w io.Writer) error
	ListDirectory(ctx context.Context, path string) ([]string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	GetFileMetadata(ctx context.Context, path string) (entity.FileMetadata, error)
	FileNameFromExtension(ctx context.Context, dir string, extension string) ([]string, error)
	StorageVolumeInfo(ctx context.Context, location string) (entity.StorageVolumeInfo, error)
	StorageDirectoryInfo(ctx context.Context, location string) (entity.StorageDirectoryInfo, error)

	Close() error
}
