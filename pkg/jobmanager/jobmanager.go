package jobmanager

import (
	"path"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/hashicorp/go-version"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// Parser interprets scheduler output. Implementations are pure functions of
// their input. ParseJobStatus leaves TimeOfStateChange zero; callers stamp it.
type Parser interface {
	ParseSubmission(stdout string) mo.Option[string]
	IsSubmissionFailed(stdout string) bool
	ParseJobStatus(jobID, stdout string) (entity.JobStatus, error)
	ParseJobID(jobName, stdout string) (mo.Option[string], error)
}

// Flavor is the command grammar of one scheduler kind.
type Flavor struct {
	Submit      func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo
	Monitor     func(b CommandBuilder, jobID string) entity.RawCommandInfo
	JobIDByName func(b CommandBuilder, jobName, userName string) entity.RawCommandInfo
	Cancel      func(b CommandBuilder, jobID string) entity.RawCommandInfo
	Parser      func() Parser
	// Validate rejects interfaces the flavor cannot serve.
	Validate func(iface entity.JobSubmissionInterface) error
}

// CommandBuilder renders command lines for one job submission interface.
type CommandBuilder struct {
	InstalledPath string
	Overrides     map[entity.CommandType]string
	Version       *version.Version
}

// Binary returns the executable for a command type, honoring per-resource
// overrides and the installed path prefix.
func (b CommandBuilder) Binary(ct entity.CommandType, name string) string {
	if o, ok := b.Overrides[ct]; ok && strings.TrimSpace(o) != "" {
		return strings.TrimSpace(o)
	}
	if b.InstalledPath == "" {
		return name
	}
	return path.Join(b.InstalledPath, name)
}

// Command joins a binary with shell-quoted arguments.
func (b CommandBuilder) Command(binary string, args ...string) entity.RawCommandInfo {
	return entity.RawCommandInfo{
		Command: strings.Join(append([]string{binary}, lo.Map(args, func(a string, _ int) string {
			return shellescape.Quote(a)
		})...), " "),
		Args: append([]string{binary}, args...),
	}
}

// VersionAtLeast reports whether the configured scheduler version is known
// and not older than min.
func (b CommandBuilder) VersionAtLeast(min string) bool {
	if b.Version == nil {
		return false
	}
	want, err := version.NewVersion(min)
	if err != nil {
		return false
	}
	return b.Version.GreaterThanOrEqual(want)
}

// JobFilePath resolves a job file relative to the working directory.
func JobFilePath(workingDir, jobFile string) string {
	if path.IsAbs(jobFile) || workingDir == "" {
		return jobFile
	}
	return path.Join(workingDir, path.Base(jobFile))
}

// Configuration is the resolved job manager for one compute resource.
type Configuration struct {
	Kind       entity.SchedulerKind
	Protocol   entity.Protocol
	ResourceID string
	builder    CommandBuilder
	flavor     Flavor
	parser     Parser
}

func (c Configuration) BuildSubmitCommand(workingDir, jobFilePath string) entity.RawCommandInfo {
	return c.flavor.Submit(c.builder, workingDir, jobFilePath)
}

func (c Configuration) BuildMonitorCommand(jobID string) entity.RawCommandInfo {
	return c.flavor.Monitor(c.builder, jobID)
}

func (c Configuration) BuildJobIDByNameCommand(jobName, userName string) entity.RawCommandInfo {
	return c.flavor.JobIDByName(c.builder, jobName, userName)
}

func (c Configuration) BuildCancelCommand(jobID string) entity.RawCommandInfo {
	return c.flavor.Cancel(c.builder, jobID)
}

func (c Configuration) ParseSubmissionOutput(stdout string) mo.Option[string] {
	return c.parser.ParseSubmission(stdout)
}

func (c Configuration) IsSubmissionFailed(stdout string) bool {
	return c.parser.IsSubmissionFailed(stdout)
}

func (c Configuration) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	s, err := c.parser.ParseJobStatus(jobID, stdout)
	return s, c.tagResource(err)
}

func (c Configuration) ParseJobID(jobName, stdout string) (mo.Option[string], error) {
	id, err := c.parser.ParseJobID(jobName, stdout)
	return id, c.tagResource(err)
}

func (c Configuration) Parser() Parser {
	return c.parser
}

func (c Configuration) tagResource(err error) error {
	if err == nil {
		return nil
	}
	var pe *errors.ParseError
	if errors.As(err, &pe) && pe.ResourceID == "" {
		return pe.WithResource(c.ResourceID)
	}
	return err
}

type registryKey struct {
	kind     entity.SchedulerKind
	protocol entity.Protocol
}

// Registry maps (scheduler kind, protocol) pairs to flavors.
type Registry struct {
	mu      sync.RWMutex
	flavors map[registryKey]Flavor
}

func NewRegistry() *Registry {
	return &Registry{flavors: map[registryKey]Flavor{}}
}

// NewDefaultRegistry returns a registry with every built-in flavor.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []entity.Protocol{entity.ProtocolSSH, entity.ProtocolLocal} {
		r.Register(entity.SchedulerPBS, p, PBSFlavor())
		r.Register(entity.SchedulerSLURM, p, SLURMFlavor())
		r.Register(entity.SchedulerLSF, p, LSFFlavor())
		r.Register(entity.SchedulerUGE, p, UGEFlavor())
		r.Register(entity.SchedulerFork, p, ForkFlavor())
		r.Register(entity.SchedulerDefault, p, CustomFlavor())
	}
	r.Register(entity.SchedulerLocal, entity.ProtocolLocal, ForkFlavor())
	return r
}

func (r *Registry) Register(kind entity.SchedulerKind, protocol entity.Protocol, f Flavor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flavors[registryKey{kind: kind, protocol: protocol}] = f
}

// Resolve builds the configuration for a job submission interface.
func (r *Registry) Resolve(iface entity.JobSubmissionInterface) (Configuration, error) {
	r.mu.RLock()
	f, ok := r.flavors[registryKey{kind: iface.SchedulerKind, protocol: iface.Protocol}]
	r.mu.RUnlock()
	if !ok {
		return Configuration{}, errors.Errorf("no job manager for scheduler %s over %s", iface.SchedulerKind, iface.Protocol)
	}
	if f.Validate != nil {
		if err := f.Validate(iface); err != nil {
			return Configuration{}, errors.WrapAndTrace(err)
		}
	}

	b := CommandBuilder{InstalledPath: iface.InstalledPath, Overrides: iface.Commands}
	if v := strings.TrimSpace(iface.SchedulerVersion); v != "" {
		parsed, err := version.NewVersion(v)
		if err != nil {
			return Configuration{}, errors.WrapAndTrace(errors.Errorf("scheduler version %q: %w", v, err))
		}
		b.Version = parsed
	}

	return Configuration{
		Kind:       iface.SchedulerKind,
		Protocol:   iface.Protocol,
		ResourceID: iface.ComputeResourceID,
		builder:    b,
		flavor:     f,
		parser:     f.Parser(),
	}, nil
}

var defaultRegistry = NewDefaultRegistry()

// Resolve uses the built-in registry.
func Resolve(iface entity.JobSubmissionInterface) (Configuration, error) {
	return defaultRegistry.Resolve(iface)
}

// nonEmptyLines returns trimmed, non-blank lines.
func nonEmptyLines(s string) []string {
	return lo.FilterMap(strings.Split(s, "\n"), func(l string, _ int) (string, bool) {
		l = strings.TrimSpace(l)
		return l, l != ""
	})
}

// rowsAfterSeparator returns the whitespace-split rows following a line made
// of dashes, as printed by qstat-style tables. ok is false when no separator
// line exists.
func rowsAfterSeparator(stdout string) (rows [][]string, ok bool) {
	lines := nonEmptyLines(stdout)
	for i, l := range lines {
		if strings.Trim(l, "- ") == "" && strings.Contains(l, "---") {
			for _, row := range lines[i+1:] {
				rows = append(rows, strings.Fields(row))
			}
			return rows, true
		}
	}
	return nil, false
}

// matchesTruncated compares a scheduler-printed job name with the full name.
// Schedulers truncate long names, sometimes marking the cut with '*'.
func matchesTruncated(column, jobName string, width int) bool {
	if column == jobName {
		return true
	}
	if trimmed, cut := strings.CutSuffix(column, "*"); cut {
		return trimmed != "" && strings.HasPrefix(jobName, trimmed)
	}
	return width > 0 && len(column) == width && strings.HasPrefix(jobName, column)
}
