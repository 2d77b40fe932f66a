// Package cmdcontext builds the collaborators shared by every command from
// the loaded configuration.
package cmdcontext

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/config"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/events"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
	"github.com/sciencegateway/jobgate/pkg/observability"
	"github.com/sciencegateway/jobgate/pkg/store"
	"github.com/sciencegateway/jobgate/pkg/submission"
)

const eventSource = "jobgate"

// Registry is the experiment registry plus the lookups commands need.
type Registry interface {
	submission.ExperimentRegistry
	GetJob(ctx context.Context, taskID string) (entity.JobModel, error)
}

// JobLister is implemented by registries that can enumerate jobs.
type JobLister interface {
	ListJobs(ctx context.Context) ([]entity.JobModel, error)
}

type Env struct {
	Config       config.Config
	Log          *zap.Logger
	Registry     Registry
	Orchestrator *submission.Orchestrator
	Pool         *agent.Pool
	Events       *events.Fanout
	Reporter     errors.ErrorReporter

	closers []func() error
}

type options struct {
	fs      afero.Fs
	metrics *observability.Metrics
	release string
}

type Option func(*options)

func WithFileSystem(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithMetrics instruments the orchestrator and the SSH pool.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithRelease(release string) Option {
	return func(o *options) {
		o.release = release
	}
}

// Open wires the orchestrator to the configured collaborators. A registry
// URL selects the HTTP store for catalog, credentials and records;
// otherwise the YAML catalog, credential files and a SQLite registry are
// used.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*Env, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}
	env := &Env{Config: cfg, Log: log}

	resolver, err := agent.NewHostResolver(o.fs, cfg.SSHConfigPath)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	poolOpts := []agent.Option{
		agent.WithMaxSessionsPerConnection(cfg.MaxSessionsPerConnection),
		agent.WithDialTimeout(cfg.DialTimeout),
		agent.WithHostKeyPolicy(agent.HostKeyPolicy{KnownHostsPath: cfg.KnownHostsPath, Insecure: cfg.InsecureHostKey}),
		agent.WithHostResolver(resolver),
	}
	if o.metrics != nil {
		poolOpts = append(poolOpts, o.metrics.PoolOptions()...)
	}
	env.Pool = agent.NewPool(log, poolOpts...)
	env.closers = append(env.closers, env.Pool.Close)

	var catalog submission.ComputeResourceCatalog
	var credentials submission.CredentialResolver
	if cfg.RegistryURL != "" {
		hs := store.NewBasicStore().WithHTTPClient(store.NewHTTPClient(cfg.RegistryURL, cfg.RegistryToken))
		catalog, credentials, env.Registry = hs, hs, hs
	} else {
		fs := store.NewBasicStore().WithFileSystem(o.fs).WithCatalogFile(cfg.CatalogFile).WithCredentialDir(cfg.CredentialDir)
		catalog, credentials = fs, fs
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			_ = env.Close()
			return nil, errors.WrapAndTrace(err)
		}
		env.Registry = db
		env.closers = append(env.closers, db.Close)
	}

	env.Events = events.NewFanout()
	publishers := events.Multi{events.NewLogPublisher(log), env.Events}
	if cfg.EventsURL != "" {
		publishers = append(publishers, events.NewHTTPPublisher(cfg.EventsURL, eventSource, log, events.WithSigningKey(cfg.EventsSigningKey)))
	}

	env.Reporter = errors.GetErrorReporter(cfg.SentryDSN, o.release)
	env.Reporter.Setup()
	env.closers = append(env.closers, func() error {
		env.Reporter.Flush()
		return nil
	})

	orchOpts := []submission.Option{
		submission.WithVerifyBackoff(cfg.VerifyAttempts, cfg.VerifyInterval),
		submission.WithCancelPolling(cfg.CancelPollAttempts, cfg.CancelPollInterval),
		submission.WithErrorReporter(env.Reporter),
	}
	if o.metrics != nil {
		orchOpts = append(orchOpts, submission.WithMetrics(o.metrics))
	}
	env.Orchestrator = submission.NewOrchestrator(submission.Dependencies{
		Credentials: credentials,
		Catalog:     catalog,
		Managers:    jobmanager.NewDefaultRegistry(),
		Registry:    env.Registry,
		Events:      publishers,
		Connector:   agent.NewConnector(env.Pool, agent.NewLocalAdaptor(log)),
	}, log, orchOpts...)

	return env, nil
}

// Close releases everything Open acquired, newest first.
func (e *Env) Close() error {
	var result error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.closers = nil
	return result
}
