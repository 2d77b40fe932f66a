// Package worker runs submissions on a fixed set of goroutines fed by a
// bounded queue.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/submission"
)

var (
	ErrQueueFull = errors.New("submission queue is full")
	ErrClosed    = errors.New("worker pool is closed")
)

const (
	defaultWorkers   = 16
	defaultQueueSize = 256
)

// Submitter is the orchestration step run for each queued request.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (entity.JobModel, error)
}

// Result is the outcome of one queued submission.
type Result struct {
	SubmissionID string
	Request      submission.Request
	Job          entity.JobModel
	Err          error
}

type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

type Option func(*Pool)

// WithResultHook is called from the worker goroutine after every submission.
func WithResultHook(fn func(Result)) Option {
	return func(p *Pool) {
		p.onResult = fn
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Pool) {
		p.newID = fn
	}
}

type item struct {
	id  string
	req submission.Request
}

type Stats struct {
	QueueDepth int   `json:"queueDepth"`
	Queued     int64 `json:"queued"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	Panicked   int64 `json:"panicked"`
}

// Pool accepts submissions until Close. Each worker runs one orchestration
// at a time; a panic inside one is recovered and reported as a failed
// Result.
type Pool struct {
	cfg       Config
	submitter Submitter
	log       *zap.Logger
	onResult  func(Result)
	newID     func() string

	mu     sync.RWMutex
	queue  chan item
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc

	queued    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

func New(cfg Config, submitter Submitter, log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		submitter: submitter,
		log:       log.Named("worker"),
		onResult:  func(Result) {},
		newID:     uuid.NewString,
		queue:     make(chan item, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Jobs run under a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.group.Go(func() error {
			for it := range p.queue {
				p.run(ctx, it)
			}
			return nil
		})
	}
	p.log.Info("worker pool started", zap.Int("workers", p.cfg.Workers), zap.Int("queue_size", p.cfg.QueueSize))
}

// Enqueue queues req and returns its submission ID. It never blocks: a full
// queue yields ErrQueueFull.
func (p *Pool) Enqueue(req submission.Request) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return "", ErrClosed
	}
	id := p.newID()
	select {
	case p.queue <- item{id: id, req: req}:
		p.queued.Add(1)
		return id, nil
	default:
		p.rejected.Add(1)
		p.log.Warn("submission rejected, queue full", zap.String("task_id", req.TaskID))
		return "", ErrQueueFull
	}
}

func (p *Pool) run(ctx context.Context, it item) {
	log := p.log.With(zap.String("submission_id", it.id), zap.String("task_id", it.req.TaskID))
	res := Result{SubmissionID: it.id, Request: it.req}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				log.Error("submission panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				res.Err = errors.Errorf("submission %s panicked: %v", it.id, r)
			}
		}()
		res.Job, res.Err = p.submitter.Submit(ctx, it.req)
	}()

	if res.Err != nil {
		p.failed.Add(1)
		log.Warn("submission failed", zap.Error(res.Err))
	} else {
		p.completed.Add(1)
		log.Info("submission finished", zap.String("job_id", res.Job.JobID), zap.String("state", string(res.Job.State())))
	}
	p.onResult(res)
}

// Close stops accepting work and waits for queued submissions to finish.
// If ctx ends first, in-flight submissions are canceled and ctx's error is
// returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}
	p.log.Info("worker pool draining", zap.Int("queued", len(p.queue)))

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		p.cancel()
		return errors.WrapAndTrace(err)
	case <-ctx.Done():
		p.cancel()
		<-done
		return errors.WrapAndTrace(ctx.Err(), "draining worker pool")
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth: len(p.queue),
		Queued:     p.queued.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Panicked:   p.panicked.Load(),
	}
}
