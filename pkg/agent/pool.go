package agent

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const (
	defaultMaxSessions = 1
	defaultDialTimeout = 30 * time.Second
)

type options struct {
	maxSessions  int64
	dialTimeout  time.Duration
	hostKeys     HostKeyPolicy
	resolver     *HostResolver
	onEviction   func(key entity.EndpointKey, cause error)
	onConnection func(key entity.EndpointKey)
	onCommand    func(key entity.EndpointKey, elapsed time.Duration, err error)
}

type Option func(*options)

// WithMaxSessionsPerConnection caps concurrent channels on one connection.
func WithMaxSessionsPerConnection(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSessions = int64(n)
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

func WithHostKeyPolicy(p HostKeyPolicy) Option {
	return func(o *options) {
		o.hostKeys = p
	}
}

func WithHostResolver(r *HostResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithEvictionHook is called whenever a connection is dropped after a
// transport failure.
func WithEvictionHook(fn func(key entity.EndpointKey, cause error)) Option {
	return func(o *options) {
		o.onEviction = fn
	}
}

// WithConnectionHook is called after every successful dial.
func WithConnectionHook(fn func(key entity.EndpointKey)) Option {
	return func(o *options) {
		o.onConnection = fn
	}
}

// WithCommandHook is called after every ExecuteCommand with its wall time.
func WithCommandHook(fn func(key entity.EndpointKey, elapsed time.Duration, err error)) Option {
	return func(o *options) {
		o.onCommand = fn
	}
}

// Pool owns SSH connections keyed by (user, host, port). Connections are
// created on demand, dropped after a transport failure, and closed by Close.
type Pool struct {
	log      *zap.Logger
	opts     options
	hostKeys *hostKeyChecker

	mu     sync.Mutex
	conns  map[entity.EndpointKey]*pooledConn
	closed bool
}

type pooledConn struct {
	key     entity.EndpointKey
	client  *ssh.Client
	sem     *semaphore.Weighted
	errored atomic.Bool
	refs    int
}

func NewPool(log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	o := options{
		maxSessions: defaultMaxSessions,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.Named("sshpool")
	return &Pool{
		log:      log,
		opts:     o,
		hostKeys: newHostKeyChecker(o.hostKeys, log),
		conns:    map[entity.EndpointKey]*pooledConn{},
	}
}

// Adaptor returns an Adaptor for endpoint backed by this pool.
func (p *Pool) Adaptor(endpoint entity.RemoteEndpoint) *SSHAdaptor {
	return &SSHAdaptor{pool: p, endpoint: p.resolve(endpoint), log: p.log.With(zap.Stringer("endpoint", endpoint.Key()))}
}

func (p *Pool) resolve(endpoint entity.RemoteEndpoint) entity.RemoteEndpoint {
	return p.opts.resolver.Resolve(endpoint).WithDefaults()
}

// Size returns the number of live pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// lease is one acquired channel slot on a pooled connection.
type lease struct {
	pool *Pool
	conn *pooledConn
	once sync.Once
}

// acquire waits for a channel slot. A connection evicted while the caller
// was queued is dropped and a fresh one is dialed.
func (p *Pool) acquire(ctx context.Context, endpoint entity.RemoteEndpoint) (*lease, error) {
	for {
		c, err := p.connection(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			p.unref(c)
			return nil, errors.WrapAndTrace(err)
		}
		if !c.errored.Load() {
			return &lease{pool: p, conn: c}, nil
		}
		c.sem.Release(1)
		p.unref(c)
	}
}

// connection returns a referenced live connection, dialing when none exists.
func (p *Pool) connection(ctx context.Context, endpoint entity.RemoteEndpoint) (*pooledConn, error) {
	key := endpoint.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("ssh pool is closed")
	}
	if c, ok := p.conns[key]; ok && !c.errored.Load() {
		c.refs++
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	client, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return nil, errors.New("ssh pool is closed")
	}
	if c, ok := p.conns[key]; ok && !c.errored.Load() {
		// Lost a dial race; keep the connection already pooled.
		_ = client.Close()
		c.refs++
		return c, nil
	}
	c := &pooledConn{key: key, client: client, sem: semaphore.NewWeighted(p.opts.maxSessions), refs: 1}
	p.conns[key] = c
	if p.opts.onConnection != nil {
		p.opts.onConnection(key)
	}
	return c, nil
}

func (p *Pool) dial(ctx context.Context, endpoint entity.RemoteEndpoint) (*ssh.Client, error) {
	addr := endpoint.Address()
	cfg, err := clientConfig(endpoint, p.opts.dialTimeout)
	if err != nil {
		return nil, errors.NewTransportError(endpoint.String(), "auth setup", err)
	}
	if err := p.hostKeys.configure(cfg, addr); err != nil {
		return nil, errors.NewTransportError(endpoint.String(), "host key setup", err)
	}

	dialer := net.Dialer{Timeout: p.opts.dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewTransportError(endpoint.String(), "dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, errors.NewTransportError(endpoint.String(), "handshake", err)
	}
	_ = netConn.SetDeadline(time.Time{})

	p.log.Debug("opened ssh connection", zap.Stringer("endpoint", endpoint.Key()))
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// markErrored drops c from the pool so no later acquire reuses it. The
// connection is closed once its last lease is released.
func (p *Pool) markErrored(c *pooledConn, cause error) {
	if c.errored.Swap(true) {
		return
	}
	p.mu.Lock()
	if p.conns[c.key] == c {
		delete(p.conns, c.key)
	}
	p.mu.Unlock()

	p.log.Warn("evicting ssh connection", zap.Stringer("endpoint", c.key), zap.Error(cause))
	if p.opts.onEviction != nil {
		p.opts.onEviction(c.key, cause)
	}
}

func (p *Pool) unref(c *pooledConn) {
	p.mu.Lock()
	c.refs--
	closeNow := c.refs == 0 && (c.errored.Load() || p.conns[c.key] != c)
	p.mu.Unlock()
	if closeNow {
		_ = c.client.Close()
	}
}

// Evict closes the pooled connection for endpoint once it is idle.
func (p *Pool) Evict(endpoint entity.RemoteEndpoint) {
	key := p.resolve(endpoint).Key()
	p.mu.Lock()
	c, ok := p.conns[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, key)
	idle := c.refs == 0
	p.mu.Unlock()
	if idle {
		_ = c.client.Close()
	}
}

// Close closes every pooled connection. Later acquires fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = map[entity.EndpointKey]*pooledConn{}
	p.mu.Unlock()

	var result error
	for _, c := range conns {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, c.key.String()))
		}
	}
	return result
}

func (l *lease) client() *ssh.Client {
	return l.conn.client
}

func (l *lease) markErrored(cause error) {
	l.pool.markErrored(l.conn, cause)
}

func (l *lease) release() {
	l.once.Do(func() {
		l.conn.sem.Release(1)
		l.pool.unref(l.conn)
	})
}
