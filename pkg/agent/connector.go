package agent

import (
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// Connector hands out adaptors for job submission interfaces. SSH interfaces
// share the pool, LOCAL ones share a single LocalAdaptor.
type Connector struct {
	pool  *Pool
	local *LocalAdaptor
}

func NewConnector(pool *Pool, local *LocalAdaptor) *Connector {
	return &Connector{pool: pool, local: local}
}

func (c *Connector) Connect(iface entity.JobSubmissionInterface, cred entity.Credential) (Adaptor, error) {
	switch iface.Protocol {
	case entity.ProtocolSSH:
		if c.pool == nil {
			return nil, errors.New("ssh is not configured")
		}
		return c.pool.Adaptor(entity.RemoteEndpoint{
			Host:     iface.Host,
			Port:     iface.Port,
			Username: cred.LoginUser,
			Auth:     cred.AuthMaterial,
		}), nil
	case entity.ProtocolLocal:
		if c.local == nil {
			return nil, errors.New("local execution is not configured")
		}
		return c.local, nil
	}
	return nil, errors.NewValidationError("unsupported protocol " + string(iface.Protocol))
}
