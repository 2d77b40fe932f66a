// Package store holds the collaborators the orchestrator reads from and
// writes to: compute resource catalogs, credential stores and job
// registries, backed by files, SQLite, memory or a remote HTTP API.
package store

import (
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// ErrNotFound is wrapped by every lookup that finds nothing.
var ErrNotFound = errors.New("not found")

type BasicStore struct{}

func NewBasicStore() *BasicStore {
	return &BasicStore{}
}

func notFound(kind, id string) error {
	return errors.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
