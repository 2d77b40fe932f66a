package agent

import (
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/afero"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// HostResolver applies ssh_config HostName, Port and User settings to
// endpoints whose host is an alias.
type HostResolver struct {
	cfg *ssh_config.Config
}

// NewHostResolver reads an ssh_config file. A missing file yields a resolver
// that changes nothing.
func NewHostResolver(fs afero.Fs, path string) (*HostResolver, error) {
	if path == "" {
		return &HostResolver{}, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		exists, statErr := afero.Exists(fs, path)
		if statErr == nil && !exists {
			return &HostResolver{}, nil
		}
		return nil, errors.WrapAndTrace(err)
	}
	defer f.Close() //nolint:errcheck // read-only

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, errors.WrapAndTrace(err, "parsing", path)
	}
	return &HostResolver{cfg: cfg}, nil
}

// Resolve fills in settings the endpoint leaves unset and swaps an alias for
// its HostName.
func (r *HostResolver) Resolve(e entity.RemoteEndpoint) entity.RemoteEndpoint {
	if r == nil || r.cfg == nil {
		return e
	}
	alias := e.Host
	if hostname := r.get(alias, "HostName"); hostname != "" {
		e.Host = hostname
	}
	if e.Port == 0 {
		if port, err := strconv.Atoi(r.get(alias, "Port")); err == nil && port > 0 {
			e.Port = port
		}
	}
	if e.Username == "" {
		e.Username = r.get(alias, "User")
	}
	return e
}

func (r *HostResolver) get(alias, key string) string {
	v, err := r.cfg.Get(alias, key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}
