package submission

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
	"github.com/sciencegateway/jobgate/pkg/reconciler"
)

const (
	defaultVerifyAttempts     = 3
	defaultVerifyInterval     = 10 * time.Second
	defaultCancelPollAttempts = 5
	defaultCancelPollInterval = time.Second

	// bookkeepingTimeout bounds persisting and publishing once the caller's
	// context is gone.
	bookkeepingTimeout = 30 * time.Second
)

// Dependencies are the collaborators an Orchestrator talks to.
type Dependencies struct {
	Credentials CredentialResolver
	Catalog     ComputeResourceCatalog
	Managers    JobManagerResolver
	Registry    ExperimentRegistry
	Events      EventPublisher
	Connector   Connector
}

type Orchestrator struct {
	deps     Dependencies
	log      *zap.Logger
	reporter errors.ErrorReporter
	metrics  Metrics

	verifyAttempts     int
	verifyInterval     time.Duration
	cancelPollAttempts int
	cancelPollInterval time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string
}

type Option func(*Orchestrator)

// WithVerifyBackoff sets how many times an ambiguous submission is looked up
// by name and the base wait. The wait after attempt n is n*interval.
func WithVerifyBackoff(attempts int, interval time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.verifyAttempts = attempts
		}
		if interval >= 0 {
			o.verifyInterval = interval
		}
	}
}

// WithCancelPolling sets how long Cancel waits for the scheduler to list the
// job before cancelling it.
func WithCancelPolling(attempts int, interval time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.cancelPollAttempts = attempts
		}
		if interval >= 0 {
			o.cancelPollInterval = interval
		}
	}
}

func WithErrorReporter(r errors.ErrorReporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func WithNow(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

func NewOrchestrator(deps Dependencies, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		deps:               deps,
		log:                log.Named("submission"),
		reporter:           errors.NoopErrorReporter{},
		metrics:            noopMetrics{},
		verifyAttempts:     defaultVerifyAttempts,
		verifyInterval:     defaultVerifyInterval,
		cancelPollAttempts: defaultCancelPollAttempts,
		cancelPollInterval: defaultCancelPollInterval,
		sleep:              defaultSleep,
		now:                time.Now,
		newID:              uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// run is everything one submission needs once its target is resolved.
type run struct {
	job      *entity.JobModel
	resource entity.ComputeResource
	cred     entity.Credential
	cfg      jobmanager.Configuration
	adaptor  agent.Adaptor
	rec      *reconciler.Reconciler
	userName string
	log      *zap.Logger
}

// Submit runs one job through submission and verification. The returned
// model always ends in QUEUED, SUBMITTED or FAILED and has a job ID that is
// either the scheduler's or entity.DefaultJobID. A non-nil error explains a
// FAILED model; it has already been recorded in the registry.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (entity.JobModel, error) {
	o.metrics.AddInFlight(ctx, 1)
	defer o.metrics.AddInFlight(ctx, -1)

	job := &entity.JobModel{
		JobID:             entity.DefaultJobID,
		JobName:           req.JobName,
		TaskID:            req.TaskID,
		ProcessID:         req.ProcessID,
		ExperimentID:      req.ExperimentID,
		GatewayID:         req.GatewayID,
		ComputeResourceID: req.ComputeResourceID,
		WorkingDir:        req.WorkingDir,
		CreationTime:      o.now(),
	}
	if job.JobName == "" {
		job.JobName = generateJobName(o.newID())
	}
	log := o.log.With(
		zap.String("task_id", req.TaskID),
		zap.String("resource", req.ComputeResourceID),
		zap.String("job_name", job.JobName))

	r, err := o.prepare(ctx, req, job, log)
	if err != nil {
		return o.fail(ctx, job, err, log)
	}

	cmd := r.cfg.BuildSubmitCommand(req.WorkingDir, req.JobFile)
	log.Info("submitting job", zap.String("command", cmd.String()))
	out, err := r.adaptor.ExecuteCommand(ctx, cmd.String(), req.WorkingDir)
	if err != nil {
		return o.fail(ctx, job, err, log)
	}

	outcome, result := Classify(r.cfg, cmd, out)
	job.StdOut = result.StdOut
	job.StdErr = result.StdErr
	job.ExitCode = result.ExitCode

	switch v := outcome.(type) {
	case Failed:
		return o.fail(ctx, job, v.Err, log)
	case Success:
		job.JobID = v.JobID
		return o.submittedWithID(ctx, r)
	case Ambiguous:
		return o.submittedWithoutID(ctx, r)
	}
	return o.fail(ctx, job, errors.Errorf("unhandled submit outcome %T", outcome), log)
}

func (o *Orchestrator) prepare(ctx context.Context, req Request, job *entity.JobModel, log *zap.Logger) (*run, error) {
	r, err := o.connect(ctx, req.Target, log)
	if err != nil {
		return nil, err
	}
	r.job = job

	if len(req.Script) > 0 {
		if err := r.adaptor.CreateDirectory(ctx, req.WorkingDir, true); err != nil {
			return nil, err
		}
		if err := r.adaptor.UploadStream(ctx, bytes.NewReader(req.Script), jobmanager.JobFilePath(req.WorkingDir, req.JobFile)); err != nil {
			return nil, err
		}
		job.JobDescription = string(req.Script)
	}
	return r, nil
}

// connect resolves the target's resource, job manager and credential and
// returns an adaptor for it.
func (o *Orchestrator) connect(ctx context.Context, t Target, log *zap.Logger) (*run, error) {
	resource, err := o.deps.Catalog.GetComputeResource(ctx, t.ComputeResourceID)
	if err != nil {
		return nil, errors.WrapAndTrace(err, "loading compute resource", t.ComputeResourceID)
	}
	iface, err := o.deps.Catalog.GetJobSubmissionInterface(ctx, t.ComputeResourceID, t.Protocol)
	if err != nil {
		return nil, errors.WrapAndTrace(err, "loading job submission interface")
	}
	cfg, err := o.deps.Managers.Resolve(iface)
	if err != nil {
		return nil, err
	}
	cred, err := o.deps.Credentials.Resolve(ctx, t.Token, t.GatewayID)
	if err != nil {
		return nil, errors.WrapAndTrace(err, "resolving credential")
	}
	adaptor, err := o.deps.Connector.Connect(iface, cred)
	if err != nil {
		return nil, err
	}

	userName := t.UserName
	if userName == "" {
		userName = cred.LoginUser
	}
	return &run{
		resource: resource,
		cred:     cred,
		cfg:      cfg,
		adaptor:  adaptor,
		rec:      reconciler.New(adaptor, cfg, log, reconciler.WithNow(o.now)),
		userName: userName,
		log:      log,
	}, nil
}

// submittedWithID records SUBMITTED before anything else so the job ID is
// durable, then checks once that the scheduler lists the job.
func (o *Orchestrator) submittedWithID(ctx context.Context, r *run) (entity.JobModel, error) {
	log := r.log.With(zap.String("job_id", r.job.JobID))
	o.transition(ctx, r.job, entity.JobStatus{State: entity.JobStateSubmitted, Reason: "submitted to " + r.cfg.ResourceID}, log)

	status, err := r.rec.VerifyByJobID(ctx, r.job.JobID)
	o.metrics.RecordVerifyAttempt(ctx, r.cfg.ResourceID, err == nil)
	if err != nil {
		log.Warn("job submitted but not verified", zap.Error(err))
		o.metrics.RecordSubmission(ctx, r.cfg.ResourceID, entity.JobStateSubmitted)
		return *r.job, nil
	}

	o.transition(ctx, r.job, entity.JobStatus{State: entity.JobStateQueued, Reason: "verified: " + status.Reason}, log)
	o.reportUsage(ctx, r)
	o.metrics.RecordSubmission(ctx, r.cfg.ResourceID, entity.JobStateQueued)
	return *r.job, nil
}

// submittedWithoutID looks the job up by name with a growing wait between
// attempts.
func (o *Orchestrator) submittedWithoutID(ctx context.Context, r *run) (entity.JobModel, error) {
	r.log.Warn("submit output has no job ID, verifying by name", zap.String("stdout", strings.TrimSpace(r.job.StdOut)))

	for attempt := 1; attempt <= o.verifyAttempts; attempt++ {
		id, err := r.rec.VerifyByName(ctx, r.job.JobName, r.cred.LoginUser)
		found := err == nil && id.IsPresent()
		o.metrics.RecordVerifyAttempt(ctx, r.cfg.ResourceID, found)
		if found {
			r.job.JobID = id.MustGet()
			log := r.log.With(zap.String("job_id", r.job.JobID))
			o.transition(ctx, r.job, entity.JobStatus{State: entity.JobStateQueued, Reason: "job ID recovered by name"}, log)
			o.reportUsage(ctx, r)
			o.metrics.RecordSubmission(ctx, r.cfg.ResourceID, entity.JobStateQueued)
			return *r.job, nil
		}
		if errors.IsParse(err) {
			return o.fail(ctx, r.job, err, r.log)
		}
		if err != nil {
			r.log.Warn("verify by name failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		wait := time.Duration(attempt) * o.verifyInterval
		if err := o.sleep(ctx, wait); err != nil {
			return o.fail(ctx, r.job, errors.WrapAndTrace(err, "waiting to verify job", r.job.JobName), r.log)
		}
	}

	return o.fail(ctx, r.job, &errors.AmbiguousOutcome{
		ResourceID: r.cfg.ResourceID,
		JobName:    r.job.JobName,
		Attempts:   o.verifyAttempts,
		StdOut:     r.job.StdOut,
	}, r.log)
}

// fail records cause as a FAILED status and as errors at every scope.
func (o *Orchestrator) fail(ctx context.Context, job *entity.JobModel, cause error, log *zap.Logger) (entity.JobModel, error) {
	if job.JobID == "" {
		job.JobID = entity.DefaultJobID
	}
	log.Error("job submission failed", zap.Error(cause))
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	o.transition(ctx, job, entity.JobStatus{State: entity.JobStateFailed, Reason: cause.Error()}, log)

	model := o.errorModel(cause)
	ids := map[entity.ErrorScope]string{
		entity.ErrorScopeExperiment: job.ExperimentID,
		entity.ErrorScopeProcess:    job.ProcessID,
		entity.ErrorScopeTask:       job.TaskID,
	}
	for _, scope := range entity.ErrorScopes {
		if err := o.deps.Registry.AppendError(ctx, scope, ids[scope], model); err != nil {
			log.Error("could not record error", zap.String("scope", string(scope)), zap.Error(err))
		}
	}
	o.reporter.ReportError(cause)
	o.metrics.RecordSubmission(ctx, job.ComputeResourceID, entity.JobStateFailed)
	return *job, cause
}

func (o *Orchestrator) errorModel(cause error) entity.ErrorModel {
	m := entity.ErrorModel{
		ErrorID:            o.newID(),
		CreationTime:       o.now(),
		ActualErrorMessage: cause.Error(),
		Transient:          errors.IsTransport(cause),
	}
	m.Directive, _ = errors.DirectiveOf(cause)

	var rejection *errors.SchedulerRejection
	var ambiguous *errors.AmbiguousOutcome
	switch {
	case errors.As(cause, &rejection):
		m.UserFriendlyMessage = "The scheduler rejected the job."
	case errors.As(cause, &ambiguous):
		m.UserFriendlyMessage = "Could not confirm that the scheduler accepted the job."
	case m.Transient:
		m.UserFriendlyMessage = "Could not reach the compute resource."
	case errors.IsParse(cause):
		m.UserFriendlyMessage = "The scheduler answered in a format that is not understood."
	default:
		m.UserFriendlyMessage = "Job submission failed."
	}
	return m
}

// transition appends status, persists it and publishes the change. The first
// status of a job stores the whole record.
func (o *Orchestrator) transition(ctx context.Context, job *entity.JobModel, status entity.JobStatus, log *zap.Logger) {
	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	status.TimeOfStateChange = o.now()
	status = job.AppendStatus(status)

	var err error
	if len(job.Statuses) == 1 {
		err = o.deps.Registry.AppendJobRecord(ctx, *job)
	} else {
		err = o.deps.Registry.AppendJobStatus(ctx, job.TaskID, job.JobID, status)
	}
	if err != nil {
		log.Error("could not persist job status", zap.String("state", string(status.State)), zap.Error(err))
	}

	if err := o.deps.Events.Publish(ctx, entity.NewJobStatusChangeEvent(o.newID(), *job, status)); err != nil {
		log.Warn("could not publish job status", zap.String("state", string(status.State)), zap.Error(err))
	}
	log.Info("job state changed", zap.String("state", string(status.State)), zap.String("reason", status.Reason))
}

// bookkeepingContext keeps ctx's values but not its cancellation, so a
// status reached while the caller gives up is still recorded.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// generateJobName keeps names short enough that schedulers which truncate
// the name column still print all of it.
func generateJobName(id string) string {
	name := strings.ReplaceAll(id, "-", "")
	if len(name) > 9 {
		name = name[:9]
	}
	return "A" + name
}
