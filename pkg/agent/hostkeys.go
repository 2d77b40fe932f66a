package agent

import (
	"net"
	"sync"

	"github.com/skeema/knownhosts"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/sciencegateway/jobgate/pkg/errors"
)

// HostKeyPolicy decides how server host keys are checked. The zero value with
// a KnownHostsPath is strict.
type HostKeyPolicy struct {
	KnownHostsPath string
	// Insecure accepts any host key. Every connection made this way is
	// logged.
	Insecure bool
}

type hostKeyChecker struct {
	policy HostKeyPolicy
	log    *zap.Logger

	once sync.Once
	db   knownhosts.HostKeyCallback
	err  error
}

func newHostKeyChecker(policy HostKeyPolicy, log *zap.Logger) *hostKeyChecker {
	return &hostKeyChecker{policy: policy, log: log}
}

func (h *hostKeyChecker) load() error {
	h.once.Do(func() {
		if h.policy.Insecure {
			return
		}
		if h.policy.KnownHostsPath == "" {
			h.err = errors.New("strict host key checking needs a known_hosts file")
			return
		}
		db, err := knownhosts.New(h.policy.KnownHostsPath)
		if err != nil {
			h.err = errors.WrapAndTrace(err, "loading", h.policy.KnownHostsPath)
			return
		}
		h.db = db
	})
	return h.err
}

// configure installs the host key callback and preferred algorithms for addr.
func (h *hostKeyChecker) configure(cfg *ssh.ClientConfig, addr string) error {
	if err := h.load(); err != nil {
		return err
	}
	if h.policy.Insecure {
		h.log.Warn("accepting any host key", zap.String("addr", addr))
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit opt-in
		return nil
	}
	cfg.HostKeyCallback = h.verify
	cfg.HostKeyAlgorithms = h.db.HostKeyAlgorithms(addr)
	return nil
}

func (h *hostKeyChecker) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := h.db(hostname, remote, key)
	switch {
	case err == nil:
		return nil
	case knownhosts.IsHostKeyChanged(err):
		return errors.Errorf("host key for %s does not match %s: %w", hostname, h.policy.KnownHostsPath, err)
	case knownhosts.IsHostUnknown(err):
		return errors.Errorf("host %s is not in %s: %w", hostname, h.policy.KnownHostsPath, err)
	}
	return errors.WrapAndTrace(err)
}
