package submission

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
)

// scriptedAdaptor answers commands from a per-command queue. The last answer
// for a command repeats once the queue is drained.
type scriptedAdaptor struct {
	agent.Adaptor

	mu      sync.Mutex
	answers map[string][]answer
	ran     []string
	uploads map[string]string
	dirs    []string
}

type answer struct {
	out entity.CommandOutput
	err error
}

func newScriptedAdaptor() *scriptedAdaptor {
	return &scriptedAdaptor{answers: map[string][]answer{}, uploads: map[string]string{}}
}

func (s *scriptedAdaptor) on(command string, out entity.CommandOutput) *scriptedAdaptor {
	s.answers[command] = append(s.answers[command], answer{out: out})
	return s
}

func (s *scriptedAdaptor) onError(command string, err error) *scriptedAdaptor {
	s.answers[command] = append(s.answers[command], answer{out: entity.CommandOutput{ExitCode: entity.ExitCodeUnavailable}, err: err})
	return s
}

func (s *scriptedAdaptor) ExecuteCommand(_ context.Context, command string, _ string) (entity.CommandOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, command)
	queue, ok := s.answers[command]
	if !ok {
		return entity.CommandOutput{ExitCode: 127, StdErr: "sh: " + command + ": not found"}, nil
	}
	a := queue[0]
	if len(queue) > 1 {
		s.answers[command] = queue[1:]
	}
	return a.out, a.err
}

func (s *scriptedAdaptor) CreateDirectory(_ context.Context, dir string, _ bool) error {
	s.dirs = append(s.dirs, dir)
	return nil
}

func (s *scriptedAdaptor) UploadStream(_ context.Context, r io.Reader, remotePath string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.uploads[remotePath] = string(b)
	return nil
}

func (s *scriptedAdaptor) count(prefix string) int {
	n := 0
	for _, c := range s.ran {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeCatalog struct {
	resource entity.ComputeResource
}

func (f fakeCatalog) GetComputeResource(_ context.Context, id string) (entity.ComputeResource, error) {
	if id != f.resource.ID {
		return entity.ComputeResource{}, errors.Errorf("compute resource %s not found", id)
	}
	return f.resource, nil
}

func (f fakeCatalog) GetJobSubmissionInterface(_ context.Context, id string, protocol entity.Protocol) (entity.JobSubmissionInterface, error) {
	if id != f.resource.ID {
		return entity.JobSubmissionInterface{}, errors.Errorf("compute resource %s not found", id)
	}
	iface, ok := f.resource.Interface(protocol)
	if !ok {
		return entity.JobSubmissionInterface{}, errors.Errorf("no %s interface", protocol)
	}
	return iface, nil
}

type fakeCredentials map[string]entity.Credential

func (f fakeCredentials) Resolve(_ context.Context, token, _ string) (entity.Credential, error) {
	c, ok := f[token]
	if !ok {
		return entity.Credential{}, errors.Errorf("credential %s not found", token)
	}
	return c, nil
}

type fakeConnector struct {
	adaptor agent.Adaptor
}

func (f fakeConnector) Connect(entity.JobSubmissionInterface, entity.Credential) (agent.Adaptor, error) {
	return f.adaptor, nil
}

type scopedError struct {
	scope   entity.ErrorScope
	scopeID string
	model   entity.ErrorModel
}

// fakeRegistry refuses writes on a done context, like the SQL stores do.
type fakeRegistry struct {
	mu       sync.Mutex
	records  []entity.JobModel
	statuses []entity.JobStatus
	errs     []scopedError
}

func (f *fakeRegistry) AppendJobRecord(ctx context.Context, job entity.JobModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, job)
	f.statuses = append(f.statuses, job.Statuses...)
	return nil
}

func (f *fakeRegistry) AppendJobStatus(ctx context.Context, _, _ string, status entity.JobStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRegistry) AppendError(ctx context.Context, scope entity.ErrorScope, scopeID string, e entity.ErrorModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, scopedError{scope: scope, scopeID: scopeID, model: e})
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []entity.JobStatusChangeEvent
}

func (f *fakeEvents) Publish(_ context.Context, e entity.JobStatusChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type harness struct {
	adaptor  *scriptedAdaptor
	registry *fakeRegistry
	events   *fakeEvents
	slept    []time.Duration
	orch     *Orchestrator
	resource entity.ComputeResource
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		adaptor:  newScriptedAdaptor(),
		registry: &fakeRegistry{},
		events:   &fakeEvents{},
		resource: entity.ComputeResource{
			ID:       "hpc-1",
			HostName: "login.hpc.edu",
			Interfaces: []entity.JobSubmissionInterface{
				{Protocol: entity.ProtocolSSH, SchedulerKind: entity.SchedulerPBS},
			},
		},
	}
	tick := epoch
	base := []Option{
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		}),
		WithNow(func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		}),
	}
	h.orch = NewOrchestrator(Dependencies{
		Credentials: fakeCredentials{"tok": {LoginUser: "alice"}},
		Catalog:     catalogFor(h),
		Managers:    jobmanager.NewDefaultRegistry(),
		Registry:    h.registry,
		Events:      h.events,
		Connector:   fakeConnector{adaptor: h.adaptor},
	}, zaptest.NewLogger(t), append(base, opts...)...)
	return h
}

// catalogFor reads the harness resource at call time so tests can change it
// after building the orchestrator.
func catalogFor(h *harness) ComputeResourceCatalog {
	return lazyCatalog{h: h}
}

type lazyCatalog struct{ h *harness }

func (l lazyCatalog) GetComputeResource(ctx context.Context, id string) (entity.ComputeResource, error) {
	return fakeCatalog{resource: l.h.resource}.GetComputeResource(ctx, id)
}

func (l lazyCatalog) GetJobSubmissionInterface(ctx context.Context, id string, p entity.Protocol) (entity.JobSubmissionInterface, error) {
	return fakeCatalog{resource: l.h.resource}.GetJobSubmissionInterface(ctx, id, p)
}

func (h *harness) states() []entity.JobState {
	var out []entity.JobState
	for _, s := range h.registry.statuses {
		out = append(out, s.State)
	}
	return out
}

func (h *harness) eventStates() []entity.JobState {
	var out []entity.JobState
	for _, e := range h.events.events {
		out = append(out, e.State)
	}
	return out
}

func testRequest() Request {
	return Request{
		Target: Target{
			GatewayID:         "seagrid",
			ComputeResourceID: "hpc-1",
			Protocol:          entity.ProtocolSSH,
			Token:             "tok",
		},
		ExperimentID: "exp-1",
		ProcessID:    "proc-1",
		TaskID:       "task-1",
		JobName:      "A1029384",
		WorkingDir:   "/scratch/alice/exp-1",
		JobFile:      "job.pbs",
	}
}
