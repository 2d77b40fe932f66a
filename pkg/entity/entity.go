package entity

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"
)

const DefaultSSHPort = 22

type AuthMaterial struct {
	PublicKey  []byte `json:"publicKey,omitempty" yaml:"publicKey,omitempty"`
	PrivateKey []byte `json:"-" yaml:"-"`
	Passphrase string `json:"-" yaml:"-"`
}

// Credential is what a credential store resolves a token to.
type Credential struct {
	AuthMaterial
	LoginUser string `json:"loginUser" yaml:"loginUser"`
}

type RemoteEndpoint struct {
	Host     string       `json:"host"`
	Port     int          `json:"port"`
	Username string       `json:"username"`
	Auth     AuthMaterial `json:"-"`
}

type EndpointKey struct {
	User string
	Host string
	Port int
}

func (k EndpointKey) String() string {
	return fmt.Sprintf("%s@%s", k.User, net.JoinHostPort(k.Host, strconv.Itoa(k.Port)))
}

func (e RemoteEndpoint) WithDefaults() RemoteEndpoint {
	if e.Port == 0 {
		e.Port = DefaultSSHPort
	}
	return e
}

func (e RemoteEndpoint) Key() EndpointKey {
	d := e.WithDefaults()
	return EndpointKey{User: d.Username, Host: d.Host, Port: d.Port}
}

func (e RemoteEndpoint) Address() string {
	d := e.WithDefaults()
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (e RemoteEndpoint) String() string {
	return e.Key().String()
}

// ExitCodeUnavailable marks a command whose exit status was never observed.
const ExitCodeUnavailable = -1 << 31

type CommandOutput struct {
	StdOut   string `json:"stdOut"`
	StdErr   string `json:"stdErr"`
	ExitCode int    `json:"exitCode"`
}

func (c CommandOutput) Succeeded() bool {
	return c.ExitCode == 0
}

// RawCommandInfo is a resolved shell command line. Args keeps the argument
// vector it was built from.
type RawCommandInfo struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

func (r RawCommandInfo) String() string {
	return r.Command
}

type JobSubmissionOutput struct {
	JobID               mo.Option[string] `json:"jobId"`
	ExitCode            int               `json:"exitCode"`
	StdOut              string            `json:"stdOut"`
	StdErr              string            `json:"stdErr"`
	JobSubmissionFailed bool              `json:"jobSubmissionFailed"`
	FailureReason       mo.Option[string] `json:"failureReason"`
	Command             string            `json:"command"`
}

type FileMetadata struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	Size        int64       `json:"size"`
	Mode        os.FileMode `json:"mode"`
	IsDirectory bool        `json:"isDirectory"`
	ModTime     time.Time   `json:"modTime"`
}

func (f FileMetadata) Permissions() string {
	return f.Mode.Perm().String()
}

type StorageVolumeInfo struct {
	TotalSize          string  `json:"totalSize"`
	UsedSize           string  `json:"usedSize"`
	AvailableSize      string  `json:"availableSize"`
	TotalSizeBytes     int64   `json:"totalSizeBytes"`
	UsedSizeBytes      int64   `json:"usedSizeBytes"`
	AvailableSizeBytes int64   `json:"availableSizeBytes"`
	PercentageUsed     float64 `json:"percentageUsed"`
	MountPoint         string  `json:"mountPoint"`
	FilesystemType     string  `json:"filesystemType"`
}

type StorageDirectoryInfo struct {
	TotalSize      string `json:"totalSize"`
	TotalSizeBytes int64  `json:"totalSizeBytes"`
}

type SchedulerKind string

const (
	SchedulerPBS     SchedulerKind = "PBS"
	SchedulerSLURM   SchedulerKind = "SLURM"
	SchedulerLSF     SchedulerKind = "LSF"
	SchedulerUGE     SchedulerKind = "UGE"
	SchedulerFork    SchedulerKind = "FORK"
	SchedulerLocal   SchedulerKind = "LOCAL"
	SchedulerDefault SchedulerKind = "DEFAULT"
)

func ParseSchedulerKind(s string) (SchedulerKind, error) {
	k := SchedulerKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case SchedulerPBS, SchedulerSLURM, SchedulerLSF, SchedulerUGE, SchedulerFork, SchedulerLocal, SchedulerDefault:
		return k, nil
	}
	return "", fmt.Errorf("unknown scheduler kind %q", s)
}

type Protocol string

const (
	ProtocolSSH   Protocol = "SSH"
	ProtocolLocal Protocol = "LOCAL"
)

func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case ProtocolSSH, ProtocolLocal:
		return p, nil
	}
	return "", fmt.Errorf("unknown job submission protocol %q", s)
}

type CommandType string

const (
	CommandSubmission    CommandType = "SUBMISSION"
	CommandJobMonitoring CommandType = "JOB_MONITORING"
	CommandDeletion      CommandType = "DELETION"
	CommandJobIDByName   CommandType = "JOB_ID_BY_NAME"
)

// JobSubmissionInterface is a compute resource's endpoint and scheduler
// settings for one protocol.
type JobSubmissionInterface struct {
	ComputeResourceID string                 `json:"computeResourceId" yaml:"computeResourceId"`
	Protocol          Protocol               `json:"protocol" yaml:"protocol"`
	Host              string                 `json:"host" yaml:"host"`
	Port              int                    `json:"port" yaml:"port"`
	SchedulerKind     SchedulerKind          `json:"schedulerKind" yaml:"schedulerKind"`
	InstalledPath     string                 `json:"installedPath,omitempty" yaml:"installedPath,omitempty"`
	Commands          map[CommandType]string `json:"commands,omitempty" yaml:"commands,omitempty"`
	SchedulerVersion  string                 `json:"schedulerVersion,omitempty" yaml:"schedulerVersion,omitempty"`
}

type ComputeResource struct {
	ID                       string                   `json:"id" yaml:"id"`
	HostName                 string                   `json:"hostName" yaml:"hostName"`
	Description              string                   `json:"description,omitempty" yaml:"description,omitempty"`
	UsageReporting           bool                     `json:"usageReporting" yaml:"usageReporting"`
	UsageReportingGatewayID  string                   `json:"usageReportingGatewayId,omitempty" yaml:"usageReportingGatewayId,omitempty"`
	UsageReportingLoadCmd    string                   `json:"usageReportingLoadCommand,omitempty" yaml:"usageReportingLoadCommand,omitempty"`
	UsageReportingExecutable string                   `json:"usageReportingExecutable,omitempty" yaml:"usageReportingExecutable,omitempty"`
	Interfaces               []JobSubmissionInterface `json:"interfaces" yaml:"interfaces"`
}

// Interface returns the resource's job submission interface for protocol.
func (r ComputeResource) Interface(protocol Protocol) (JobSubmissionInterface, bool) {
	for _, iface := range r.Interfaces {
		if iface.Protocol == protocol {
			if iface.ComputeResourceID == "" {
				iface.ComputeResourceID = r.ID
			}
			if iface.Host == "" {
				iface.Host = r.HostName
			}
			return iface, true
		}
	}
	return JobSubmissionInterface{}, false
}
