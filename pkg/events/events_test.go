package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const hookURL = "https://hooks.example.edu/jobs"

func testEvent() entity.JobStatusChangeEvent {
	return entity.JobStatusChangeEvent{
		EventID:   "evt-1",
		JobID:     "4807.pbs01",
		TaskID:    "task-1",
		GatewayID: "seagrid",
		State:     entity.JobStateQueued,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func MakeMockHTTPPublisher(t *testing.T, opts ...HTTPOption) *HTTPPublisher {
	t.Helper()
	opts = append([]HTTPOption{WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	})}, opts...)
	p := NewHTTPPublisher(hookURL, "jobgate/test", zaptest.NewLogger(t), opts...)
	httpmock.ActivateNonDefault(p.client.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return p
}

func TestHTTPPublisherSendsCloudEvent(t *testing.T) {
	p := MakeMockHTTPPublisher(t, WithSigningKey("s3cret"))

	var got CloudEvent
	var headers http.Header
	httpmock.RegisterResponder("POST", hookURL, func(req *http.Request) (*http.Response, error) {
		headers = req.Header.Clone()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if req.Header.Get(signatureHeader) != Sign(body, "s3cret") {
			return httpmock.NewStringResponse(401, "bad signature"), nil
		}
		if err := json.Unmarshal(body, &got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(202, ""), nil
	})

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.Equal(t, SpecVersion, got.SpecVersion)
	assert.Equal(t, JobStatusChangeType, got.Type)
	assert.Equal(t, "task-1", got.Subject)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, entity.JobStateQueued, got.Data.State)
	assert.Equal(t, "application/cloudevents+json", headers.Get("Content-Type"))
	assert.Equal(t, "evt-1", headers.Get("Ce-Id"))
	assert.Equal(t, "2024-03-01T12:00:00Z", headers.Get("Ce-Time"))
}

func TestHTTPPublisherRetriesServerErrors(t *testing.T) {
	p := MakeMockHTTPPublisher(t)
	calls := 0
	httpmock.RegisterResponder("POST", hookURL, func(*http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return httpmock.NewStringResponse(503, ""), nil
		}
		return httpmock.NewStringResponse(200, ""), nil
	})

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.Equal(t, 3, calls)
}

func TestHTTPPublisherGivesUp(t *testing.T) {
	p := MakeMockHTTPPublisher(t)
	httpmock.RegisterResponder("POST", hookURL, httpmock.NewStringResponder(500, ""))

	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 500, he.StatusCode)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestHTTPPublisherDoesNotRetryClientErrors(t *testing.T) {
	p := MakeMockHTTPPublisher(t)
	httpmock.RegisterResponder("POST", hookURL, httpmock.NewStringResponder(400, ""))

	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.True(t, IsClientError(err))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, entity.JobStatusChangeEvent) error { return f.err }

func TestMultiCollectsErrors(t *testing.T) {
	fan := NewFanout()
	ch, cancel := fan.Subscribe(1)
	defer cancel()

	m := Multi{
		NewLogPublisher(zaptest.NewLogger(t)),
		failingPublisher{err: errors.New("sink one down")},
		fan,
		failingPublisher{err: errors.New("sink two down")},
	}
	err := m.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink one down")
	assert.Contains(t, err.Error(), "sink two down")

	got := <-ch
	assert.Equal(t, "evt-1", got.EventID)

	assert.NoError(t, Multi{NewLogPublisher(nil)}.Publish(context.Background(), testEvent()))
}

func TestFanoutDropsForSlowSubscribers(t *testing.T) {
	fan := NewFanout()
	slow, cancelSlow := fan.Subscribe(1)
	fast, cancelFast := fan.Subscribe(4)

	for i := 0; i < 3; i++ {
		require.NoError(t, fan.Publish(context.Background(), testEvent()))
	}
	cancelSlow()
	cancelSlow()

	n := 0
	for range slow {
		n++
	}
	assert.Equal(t, 1, n)
	assert.Len(t, fast, 3)

	cancelFast()
	require.NoError(t, fan.Publish(context.Background(), testEvent()))
}
