package store

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

type scopeKey struct {
	scope   entity.ErrorScope
	scopeID string
}

// MemoryRegistry is an in-process registry. Every model it returns is a deep
// copy.
type MemoryRegistry struct {
	mu     sync.RWMutex
	jobs   map[string]*entity.JobModel
	order  []string
	errors map[scopeKey][]entity.ErrorModel
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs:   map[string]*entity.JobModel{},
		errors: map[scopeKey][]entity.ErrorModel{},
	}
}

// time.Time has no exported fields, so copier is told to copy it by value.
var copyOptions = copier.Option{
	DeepCopy: true,
	Converters: []copier.TypeConverter{{
		SrcType: time.Time{},
		DstType: time.Time{},
		Fn:      func(src interface{}) (interface{}, error) { return src, nil },
	}},
}

func deepCopy[T any](src T) (T, error) {
	var dst T
	if err := copier.CopyWithOption(&dst, &src, copyOptions); err != nil {
		return dst, errors.WrapAndTrace(err)
	}
	return dst, nil
}

func (m *MemoryRegistry) AppendJobRecord(_ context.Context, job entity.JobModel) error {
	cp, err := deepCopy(job)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.TaskID]; !ok {
		m.order = append(m.order, job.TaskID)
	}
	m.jobs[job.TaskID] = &cp
	return nil
}

func (m *MemoryRegistry) AppendJobStatus(_ context.Context, taskID, jobID string, status entity.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return notFound("job for task", taskID)
	}
	job.JobID = jobID
	job.AppendStatus(status)
	return nil
}

func (m *MemoryRegistry) AppendError(_ context.Context, scope entity.ErrorScope, scopeID string, e entity.ErrorModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scopeKey{scope: scope, scopeID: scopeID}
	m.errors[k] = append(m.errors[k], e)
	return nil
}

func (m *MemoryRegistry) GetJob(_ context.Context, taskID string) (entity.JobModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[taskID]
	if !ok {
		return entity.JobModel{}, notFound("job for task", taskID)
	}
	return deepCopy(*job)
}

// ListJobs returns every job, oldest record first.
func (m *MemoryRegistry) ListJobs(ctx context.Context) ([]entity.JobModel, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	out := make([]entity.JobModel, 0, len(ids))
	for _, id := range ids {
		job, err := m.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *MemoryRegistry) ListErrors(_ context.Context, scope entity.ErrorScope, scopeID string) ([]entity.ErrorModel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]entity.ErrorModel(nil), m.errors[scopeKey{scope: scope, scopeID: scopeID}]...), nil
}
