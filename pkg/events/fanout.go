package events

import (
	"context"
	"sync"

	"github.com/sciencegateway/jobgate/pkg/entity"
)

// Fanout hands every event to in-process subscribers. A subscriber whose
// buffer is full misses the event; Publish never blocks.
type Fanout struct {
	mu     sync.Mutex
	subs   map[int]chan entity.JobStatusChangeEvent
	nextID int
}

var _ Publisher = &Fanout{}

func NewFanout() *Fanout {
	return &Fanout{subs: map[int]chan entity.JobStatusChangeEvent{}}
}

// Subscribe returns a channel of events and a function that closes it.
func (f *Fanout) Subscribe(buffer int) (<-chan entity.JobStatusChangeEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan entity.JobStatusChangeEvent, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

func (f *Fanout) Publish(_ context.Context, e entity.JobStatusChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}
