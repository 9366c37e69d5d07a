package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/plans"
	"github.com/mbd888/aegis/internal/subscription"
)

type received struct {
	header http.Header
	body   []byte
}

// sink is a receiver that answers with the queued status codes, then 200.
type sink struct {
	mu       sync.Mutex
	statuses []int
	got      []received
	calls    atomic.Int32
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.calls.Add(1)
	s.mu.Lock()
	s.got = append(s.got, received{header: r.Header.Clone(), body: body})
	status := http.StatusOK
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		s.statuses = s.statuses[1:]
	}
	s.mu.Unlock()
	w.WriteHeader(status)
}

func (s *sink) last(t *testing.T) received {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.got)
	return s.got[len(s.got)-1]
}

func newDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, logging.Discard(),
		WithRetry(3, time.Millisecond),
		WithTimeout(5*time.Second),
	)
}

func addEndpoint(t *testing.T, store Store, tenantID, url string, events ...EventType) *Endpoint {
	t.Helper()
	ep := &Endpoint{
		ID:        idgen.WithPrefix("whe_"),
		TenantID:  tenantID,
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), ep))
	return ep
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sig := Sign("key", 1700000000, payload)

	assert.True(t, Verify("key", 1700000000, payload, sig))
	assert.False(t, Verify("key", 1700000001, payload, sig), "timestamp is covered")
	assert.False(t, Verify("other", 1700000000, payload, sig))
	assert.False(t, Verify("key", 1700000000, []byte(`{"id":"evt_2"}`), sig))
}

func TestEndpointWants(t *testing.T) {
	all := &Endpoint{}
	assert.True(t, all.Wants(EventSubscriptionCanceled))

	only := &Endpoint{Events: []EventType{EventSubscriptionCanceled}}
	assert.True(t, only.Wants(EventSubscriptionCanceled))
	assert.False(t, only.Wants(EventSubscriptionUpdated))
	assert.True(t, only.Wants(EventPing))
}

func TestParseEvents(t *testing.T) {
	evs, err := ParseEvents([]string{"subscription.updated"})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventSubscriptionUpdated}, evs)

	_, err = ParseEvents([]string{"payment.received"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
	_, err = ParseEvents([]string{string(EventPing)})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDeliver_SignsAndRecordsSuccess(t *testing.T) {
	rx := &sink{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", srv.URL)
	d := newDispatcher(store)

	ev := &Event{ID: "evt_1", Type: EventSubscriptionUpdated, TenantID: "ten_1", Timestamp: time.Now().UTC()}
	payload, _ := json.Marshal(ev)
	require.NoError(t, d.Deliver(context.Background(), ep, ev, payload))

	got := rx.last(t)
	assert.Equal(t, string(EventSubscriptionUpdated), got.header.Get(HeaderEvent))
	assert.Equal(t, "evt_1", got.header.Get(HeaderDelivery))
	ts, err := strconv.ParseInt(got.header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.True(t, Verify("s3cret", ts, got.body, got.header.Get(HeaderSignature)))

	stored, err := store.Get(context.Background(), "ten_1", ep.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSuccess)
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	rx := &sink{statuses: []int{http.StatusBadGateway, http.StatusTooManyRequests}}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", srv.URL)
	d := newDispatcher(store)

	ev := &Event{ID: "evt_1", Type: EventSubscriptionUpdated, TenantID: "ten_1"}
	require.NoError(t, d.Deliver(context.Background(), ep, ev, []byte(`{}`)))
	assert.Equal(t, int32(3), rx.calls.Load())
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	rx := &sink{statuses: []int{http.StatusGone}}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", srv.URL)
	d := newDispatcher(store)

	err := d.Deliver(context.Background(), ep, &Event{ID: "evt_1", Type: EventSubscriptionUpdated}, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, int32(1), rx.calls.Load())

	stored, _ := store.Get(context.Background(), "ten_1", ep.ID)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
	assert.Contains(t, stored.LastError, "410")
	assert.True(t, stored.Active)
}

func TestDeliver_DisablesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", "http://127.0.0.1:1/unreachable")
	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		_, active, err := store.RecordFailure(context.Background(), ep.ID, "status 500", MaxConsecutiveFailures)
		require.NoError(t, err)
		require.True(t, active)
	}

	d := NewDispatcher(store, logging.Discard(), WithRetry(1, time.Millisecond))
	require.Error(t, d.Deliver(context.Background(), ep, &Event{ID: "evt_1"}, []byte(`{}`)))

	stored, _ := store.Get(context.Background(), "ten_1", ep.ID)
	assert.False(t, stored.Active)
	assert.ErrorIs(t, d.Deliver(context.Background(), stored, &Event{ID: "evt_2"}, []byte(`{}`)), ErrDisabled)
}

func TestDeliver_ConcurrentFailuresAllCount(t *testing.T) {
	rx := &sink{}
	for i := 0; i < MaxConsecutiveFailures; i++ {
		rx.statuses = append(rx.statuses, http.StatusGone)
	}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", srv.URL)
	d := newDispatcher(store)

	var wg sync.WaitGroup
	for i := 0; i < MaxConsecutiveFailures; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = d.Deliver(context.Background(), ep, &Event{ID: fmt.Sprintf("evt_%d", i)}, []byte(`{}`))
		}(i)
	}
	wg.Wait()

	stored, _ := store.Get(context.Background(), "ten_1", ep.ID)
	assert.Equal(t, MaxConsecutiveFailures, stored.ConsecutiveFailures)
	assert.False(t, stored.Active)
}

func TestDeliver_SuccessResetsStreak(t *testing.T) {
	rx := &sink{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", srv.URL)
	_, _, err := store.RecordFailure(context.Background(), ep.ID, "status 502", MaxConsecutiveFailures)
	require.NoError(t, err)

	d := newDispatcher(store)
	require.NoError(t, d.Deliver(context.Background(), ep, &Event{ID: "evt_1"}, []byte(`{}`)))

	stored, _ := store.Get(context.Background(), "ten_1", ep.ID)
	assert.Zero(t, stored.ConsecutiveFailures)
	assert.Empty(t, stored.LastError)
	assert.NotNil(t, stored.LastSuccess)
}

func TestDeliver_ValidatorBlocks(t *testing.T) {
	rx := &sink{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	ep := addEndpoint(t, store, "ten_1", srv.URL)
	d := NewDispatcher(store, logging.Discard(),
		WithRetry(3, time.Millisecond),
		WithURLValidator(func(context.Context, string) error { return assert.AnError }),
	)

	err := d.Deliver(context.Background(), ep, &Event{ID: "evt_1"}, []byte(`{}`))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, rx.calls.Load())
}

func TestDispatch_FiltersByTenantAndEvent(t *testing.T) {
	wanted, other, filtered := &sink{}, &sink{}, &sink{}
	s1, s2, s3 := httptest.NewServer(wanted), httptest.NewServer(other), httptest.NewServer(filtered)
	defer s1.Close()
	defer s2.Close()
	defer s3.Close()

	store := NewMemoryStore()
	addEndpoint(t, store, "ten_1", s1.URL)
	addEndpoint(t, store, "ten_2", s2.URL)
	addEndpoint(t, store, "ten_1", s3.URL, EventSubscriptionCanceled)

	d := newDispatcher(store)
	d.Publish(context.Background(), &Event{ID: "evt_1", Type: EventSubscriptionUpdated, TenantID: "ten_1"})
	d.Wait()

	assert.Equal(t, int32(1), wanted.calls.Load())
	assert.Zero(t, other.calls.Load())
	assert.Zero(t, filtered.calls.Load())
}

func TestEmitter_LedgerTransitionsReachTenant(t *testing.T) {
	rx := &sink{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	store := NewMemoryStore()
	addEndpoint(t, store, "ten_1", srv.URL)
	d := newDispatcher(store)

	ledger := subscription.NewLedger(subscription.NewMemoryStore(), plans.Default(30*24*time.Hour, nil),
		logging.Discard(), subscription.WithObserver(NewEmitter(d)))
	ctx := context.Background()

	_, err := ledger.ActivateFromCheckout(ctx, subscription.CheckoutActivation{
		TenantID: "ten_1", PlanID: plans.Starter, ExternalRef: "sub_1", Version: 1,
	})
	require.NoError(t, err)
	d.Wait()
	_, err = ledger.MarkDeleted(ctx, "sub_1", 2)
	require.NoError(t, err)
	d.Wait()

	require.Equal(t, int32(2), rx.calls.Load())

	var ev Event
	require.NoError(t, json.Unmarshal(rx.last(t).body, &ev))
	assert.Equal(t, EventSubscriptionCanceled, ev.Type)
	assert.Equal(t, "ten_1", ev.TenantID)
	assert.Equal(t, "canceled", ev.Data["status"])
	assert.Equal(t, "active", ev.Data["previousStatus"])
	assert.Equal(t, "starter", ev.Data["planId"])
}
