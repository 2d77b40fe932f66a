package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	resty "github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const (
	defaultMaxRetries = 5
	defaultTimeout    = 10 * time.Second
	signatureHeader   = "X-Signature-256"
)

// HTTPError is a non-2xx answer from the webhook.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("POST %s: HTTP %d", e.URL, e.StatusCode)
}

// IsClientError reports 4xx answers, which are not retried.
func IsClientError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}

type HTTPOption func(*HTTPPublisher)

func WithSigningKey(key string) HTTPOption {
	return func(p *HTTPPublisher) {
		p.signingKey = key
	}
}

// WithBackOff replaces the retry schedule. The function is called once per
// Publish.
func WithBackOff(fn func() backoff.BackOff) HTTPOption {
	return func(p *HTTPPublisher) {
		p.newBackOff = fn
	}
}

// HTTPPublisher POSTs structured CloudEvents to a webhook. Delivery is
// at-least-once: transport errors and 5xx answers are retried with
// exponential backoff, 4xx answers are not.
type HTTPPublisher struct {
	client     *resty.Client
	url        string
	source     string
	signingKey string
	newBackOff func() backoff.BackOff
	log        *zap.Logger
}

var _ Publisher = &HTTPPublisher{}

func NewHTTPPublisher(url, source string, log *zap.Logger, opts ...HTTPOption) *HTTPPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	p := &HTTPPublisher{
		client: client,
		url:    url,
		source: source,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries)
		},
		log: log.Named("events.http"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPublisher) Publish(ctx context.Context, e entity.JobStatusChangeEvent) error {
	body, err := json.Marshal(NewCloudEvent(p.source, e))
	if err != nil {
		return errors.WrapAndTrace(err)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := p.send(ctx, e, body)
		if err != nil && IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.log.Warn("event delivery failed, retrying",
			zap.String("event_id", e.EventID), zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify); err != nil {
		return errors.WrapAndTrace(err, "delivering event", e.EventID)
	}
	return nil
}

func (p *HTTPPublisher) send(ctx context.Context, e entity.JobStatusChangeEvent, body []byte) error {
	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/cloudevents+json").
		SetHeader("Ce-Specversion", SpecVersion).
		SetHeader("Ce-Type", JobStatusChangeType).
		SetHeader("Ce-Source", p.source).
		SetHeader("Ce-Subject", e.TaskID).
		SetHeader("Ce-Id", e.EventID).
		SetHeader("Ce-Time", e.Timestamp.Format(time.RFC3339)).
		SetBody(body)
	if p.signingKey != "" {
		req.SetHeader(signatureHeader, Sign(body, p.signingKey))
	}

	res, err := req.Post(p.url)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if res.StatusCode() < http.StatusOK || res.StatusCode() >= http.StatusMultipleChoices {
		return &HTTPError{StatusCode: res.StatusCode(), URL: p.url}
	}
	return nil
}

// Sign returns the HMAC-SHA256 of payload in the "sha256=<hex>" form.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
