// Package events delivers job status changes to whoever is listening: the
// log, an HTTP webhook speaking CloudEvents, or in-process subscribers.
package events

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/entity"
)

const (
	SpecVersion         = "1.0"
	JobStatusChangeType = "org.sciencegateway.job.status.changed"
)

type Publisher interface {
	Publish(ctx context.Context, event entity.JobStatusChangeEvent) error
}

// CloudEvent is the structured-mode JSON envelope.
type CloudEvent struct {
	SpecVersion     string                      `json:"specversion"`
	Type            string                      `json:"type"`
	Source          string                      `json:"source"`
	Subject         string                      `json:"subject,omitempty"`
	ID              string                      `json:"id"`
	Time            time.Time                   `json:"time"`
	DataContentType string                      `json:"datacontenttype"`
	Data            entity.JobStatusChangeEvent `json:"data"`
}

// NewCloudEvent wraps a status change. The subject is the task ID so
// consumers can route on it without decoding data.
func NewCloudEvent(source string, e entity.JobStatusChangeEvent) CloudEvent {
	return CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            JobStatusChangeType,
		Source:          source,
		Subject:         e.TaskID,
		ID:              e.EventID,
		Time:            e.Timestamp,
		DataContentType: "application/json",
		Data:            e,
	}
}

type LogPublisher struct {
	log *zap.Logger
}

var _ Publisher = LogPublisher{}

func NewLogPublisher(log *zap.Logger) LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return LogPublisher{log: log.Named("events")}
}

func (p LogPublisher) Publish(_ context.Context, e entity.JobStatusChangeEvent) error {
	p.log.Info("job status changed",
		zap.String("event_id", e.EventID),
		zap.String("task_id", e.TaskID),
		zap.String("job_id", e.JobID),
		zap.String("state", string(e.State)),
		zap.String("reason", e.Reason),
		zap.Time("timestamp", e.Timestamp),
	)
	return nil
}

// Multi publishes to every publisher and reports all failures together.
type Multi []Publisher

var _ Publisher = Multi{}

func (m Multi) Publish(ctx context.Context, e entity.JobStatusChangeEvent) error {
	var result error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
