package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/aegis/internal/circuitbreaker"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/retry"
)

// URLValidator vets an endpoint URL before each delivery.
type URLValidator func(ctx context.Context, rawURL string) error

// Dispatcher delivers events to tenant endpoints.
type Dispatcher struct {
	store    Store
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	validate URLValidator
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithURLValidator sets the per-delivery URL check. Nil allows any URL.
func WithURLValidator(v URLValidator) DispatcherOption {
	return func(d *Dispatcher) { d.validate = v }
}

// WithRetry sets attempts per delivery and the initial backoff.
func WithRetry(attempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.backoff = backoff
	}
}

// WithTimeout bounds one delivery including retries.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

func NewDispatcher(store Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New("webhooks", 5, time.Minute),
		attempts: 4,
		backoff:  2 * time.Second,
		timeout:  time.Minute,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Publish dispatches ev in the background. Deliveries outlive the caller's
// context but keep its values.
func (d *Dispatcher) Publish(ctx context.Context, ev *Event) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(ctx, ev); err != nil {
			d.logger.Warn("webhook dispatch failed", "event", ev.Type, "tenant_id", ev.TenantID, "error", err)
		}
	}()
}

// Dispatch looks up the tenant's endpoints and starts one delivery per
// endpoint that wants ev.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	eps, err := d.store.ListByTenant(ctx, ev.TenantID)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, ep := range eps {
		if !ep.Active || !ep.Wants(ev.Type) {
			continue
		}
		d.wg.Add(1)
		go func(ep *Endpoint) {
			defer d.wg.Done()
			_ = d.Deliver(ctx, ep, ev, payload)
		}(ep)
	}
	return nil
}

// Deliver sends payload to ep with retries and records the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, ep *Endpoint, ev *Event, payload []byte) error {
	if !ep.Active {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := retry.Do(ctx, d.attempts, d.backoff, func() error {
		if d.validate != nil {
			if err := d.validate(ctx, ep.URL); err != nil {
				return retry.Permanent(err)
			}
		}
		err := d.breaker.Do(ep.ID, transient, func() error { return d.post(ctx, ep, ev, payload) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	d.record(ctx, ep, err)
	result := "delivered"
	if err != nil {
		result = "failed"
		d.logger.Warn("webhook delivery failed",
			"endpoint_id", ep.ID,
			"tenant_id", ep.TenantID,
			"event", ev.Type,
			"error", err,
		)
	}
	metrics.NotificationDeliveriesTotal.WithLabelValues(string(ev.Type), result).Inc()
	return err
}

func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, ev *Event, payload []byte) error {
	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) record(ctx context.Context, ep *Endpoint, err error) {
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if rerr := d.store.RecordSuccess(ctx, ep.ID, d.now().UTC()); rerr != nil {
			d.logger.Error("webhook delivery bookkeeping failed", "endpoint_id", ep.ID, "error", rerr)
		}
		return
	}
	failures, active, rerr := d.store.RecordFailure(ctx, ep.ID, err.Error(), MaxConsecutiveFailures)
	if rerr != nil {
		d.logger.Error("webhook delivery bookkeeping failed", "endpoint_id", ep.ID, "error", rerr)
		return
	}
	if !active && failures == MaxConsecutiveFailures {
		d.logger.Warn("webhook endpoint disabled", "endpoint_id", ep.ID, "tenant_id", ep.TenantID)
	}
}

func transient(err error) bool { return !retry.IsPermanent(err) }

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
