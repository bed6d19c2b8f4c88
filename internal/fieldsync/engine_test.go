package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportCall struct {
	Method   string
	Endpoint string
	Key      string
	Body     string
}

// fakeTransport records calls and answers with fail(endpoint) or success.
type fakeTransport struct {
	mu    sync.Mutex
	calls []transportCall
	fail  func(endpoint string) error
}

func (f *fakeTransport) Do(_ context.Context, method, endpoint string, body []byte, key string) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, transportCall{Method: method, Endpoint: endpoint, Key: key, Body: string(body)})
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		if err := fail(endpoint); err != nil {
			return Response{Status: http.StatusInternalServerError}, err
		}
	}
	return Response{Status: http.StatusOK}, nil
}

func (f *fakeTransport) Calls() []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transportCall(nil), f.calls...)
}

func (f *fakeTransport) setFail(fn func(endpoint string) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

type engineFixture struct {
	records   *RecordStore
	queue     *SyncQueue
	monitor   *Monitor
	transport *fakeTransport
	engine    *Engine
	clock     *fakeClock
}

func newEngineFixture(t *testing.T, online bool, policy RetryPolicy) *engineFixture {
	t.Helper()
	store := newMemStore(t)
	clock := newFakeClock()

	f := &engineFixture{
		records:   NewRecordStore(store, 0),
		queue:     NewSyncQueue(store, 0),
		monitor:   NewMonitor(online),
		transport: &fakeTransport{},
		clock:     clock,
	}
	f.records.nowFn = clock.Now
	f.queue.nowFn = clock.Now
	f.engine = NewEngine(f.records, f.queue, f.monitor, f.transport, policy)
	f.engine.nowFn = clock.Now
	f.engine.Register(KindOrders, EndpointReplay(f.transport, http.MethodPost, "/api/orders"))
	f.engine.Register(KindVisits, EndpointReplay(f.transport, http.MethodPost, "/api/visits"))
	return f
}

func (f *engineFixture) saveOrder(t *testing.T, id string, total float64) OfflineRecord {
	t.Helper()
	rec, err := NewOrderRecord(Order{
		CustomerID: "c-1",
		Items:      []OrderItem{{ProductID: "p-1", Quantity: 1, UnitPrice: total}},
		Total:      total,
	})
	require.NoError(t, err)
	rec.ID = id
	saved, err := f.records.Save(context.Background(), rec)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return saved
}

func TestEngineOrderCapturedOfflineSyncsOnce(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, false, RetryPolicy{})

	saved := f.saveOrder(t, "o1", 500)

	assert.Equal(t, DrainResult{}, f.engine.Drain(ctx))
	assert.Empty(t, f.transport.Calls(), "no network while offline")

	f.monitor.Set(true)
	res := f.engine.Drain(ctx)
	assert.Equal(t, DrainResult{Success: 1}, res)

	calls := f.transport.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/api/orders", calls[0].Endpoint)
	assert.Equal(t, saved.IdempotencyKey, calls[0].Key)
	var sent Order
	require.NoError(t, json.Unmarshal([]byte(calls[0].Body), &sent))
	assert.Equal(t, 500.0, sent.Total)

	left, err := f.records.GetAll(ctx, KindOrders)
	require.NoError(t, err)
	assert.Empty(t, left)

	assert.Equal(t, DrainResult{}, f.engine.Drain(ctx), "second drain has nothing to do")
	assert.Len(t, f.transport.Calls(), 1)
}

func TestEngineReplaysQueueInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})

	f.saveOrder(t, "o1", 10)
	for _, q := range []struct {
		ep string
		ts int64
	}{{"/api/c", 3000}, {"/api/a", 1000}, {"/api/b", 2000}} {
		_, err := f.queue.Enqueue(ctx, QueuedRequest{Method: http.MethodPost, Endpoint: q.ep, Timestamp: q.ts})
		require.NoError(t, err)
	}

	res := f.engine.Drain(ctx)
	assert.Equal(t, DrainResult{Success: 4}, res)

	var eps []string
	for _, c := range f.transport.Calls() {
		eps = append(eps, c.Endpoint)
	}
	assert.Equal(t, []string{"/api/orders", "/api/a", "/api/b", "/api/c"}, eps)
}

func TestEngineTransientRecordFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})
	f.transport.setFail(func(string) error { return errors.New("connection reset") })

	f.saveOrder(t, "o1", 10)
	res := f.engine.Drain(ctx)
	assert.Equal(t, DrainResult{Failed: 1}, res)

	rec, err := f.records.Get(ctx, KindOrders, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingSync, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "connection reset", rec.LastError)

	f.transport.setFail(nil)
	assert.Equal(t, DrainResult{Success: 1}, f.engine.Drain(ctx))
}

func TestEnginePermanentRecordFailureIsFlagged(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})
	f.transport.setFail(func(string) error {
		return &StatusError{Code: http.StatusUnprocessableEntity, Body: "total mismatch"}
	})

	f.saveOrder(t, "o1", 10)
	assert.Equal(t, DrainResult{Failed: 1}, f.engine.Drain(ctx))

	rec, err := f.records.Get(ctx, KindOrders, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "total mismatch")

	assert.Equal(t, DrainResult{Skipped: 1}, f.engine.Drain(ctx))
	assert.Len(t, f.transport.Calls(), 1)

	f.transport.setFail(nil)
	require.NoError(t, f.records.Retry(ctx, KindOrders, "o1"))
	assert.Equal(t, DrainResult{Success: 1}, f.engine.Drain(ctx))
}

func TestEngineSkipsDraftsAndUnknownKinds(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})

	draft, _ := NewOrderRecord(Order{CustomerID: "c-1"})
	draft.Status = StatusDraft
	_, err := f.records.Save(ctx, draft)
	require.NoError(t, err)

	_, err = f.records.Save(ctx, OfflineRecord{Kind: "expenses", Payload: json.RawMessage(`{"amount":12}`)})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Skipped: 2}, f.engine.Drain(ctx))
	assert.Empty(t, f.transport.Calls())
}

func TestEngineRecoversPanickingReplay(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})
	f.engine.Register(KindOrders, func(context.Context, OfflineRecord) error { panic("nil customer") })

	f.saveOrder(t, "o1", 10)
	assert.Equal(t, DrainResult{Failed: 1}, f.engine.Drain(ctx))

	rec, err := f.records.Get(ctx, KindOrders, "o1")
	require.NoError(t, err)
	assert.Contains(t, rec.LastError, "panicked")
}

func TestEngineStopsWhenConnectivityDrops(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})
	f.engine.Register(KindOrders, func(ctx context.Context, rec OfflineRecord) error {
		f.monitor.Set(false)
		return nil
	})

	f.saveOrder(t, "o1", 10)
	f.saveOrder(t, "o2", 20)
	_, err := f.queue.Enqueue(ctx, QueuedRequest{Method: http.MethodPost, Endpoint: "/api/x"})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Success: 1}, f.engine.Drain(ctx))

	left, err := f.records.GetAll(ctx, KindOrders)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "o2", left[0].ID)
	assert.Empty(t, f.transport.Calls())
}

func TestEngineCallerCancelKeepsConfirmedReplay(t *testing.T) {
	f := newEngineFixture(t, true, RetryPolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var replays []string
	f.engine.Register(KindOrders, func(rctx context.Context, rec OfflineRecord) error {
		replays = append(replays, rec.ID)
		cancel()
		return rctx.Err()
	})
	f.saveOrder(t, "o1", 10)
	f.saveOrder(t, "o2", 20)

	assert.Equal(t, DrainResult{Success: 1}, f.engine.Drain(ctx))
	_, err := f.records.Get(context.Background(), KindOrders, "o1")
	assert.ErrorIs(t, err, ErrNotFound, "confirmed record is removed")
	left, err := f.records.GetAll(context.Background(), KindOrders)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "o2", left[0].ID)
	assert.Zero(t, left[0].Attempts, "o2 was never tried")

	assert.Equal(t, DrainResult{Success: 1}, f.engine.Drain(context.Background()))
	assert.Equal(t, DrainResult{}, f.engine.Drain(context.Background()))
	assert.Equal(t, []string{"o1", "o2"}, replays)
}

func TestEngineCallerCancelKeepsRetryBookkeeping(t *testing.T) {
	f := newEngineFixture(t, true, RetryPolicy{Base: time.Second, Max: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.transport.setFail(func(string) error {
		cancel()
		return &StatusError{Code: http.StatusServiceUnavailable}
	})

	_, err := f.queue.Enqueue(context.Background(), QueuedRequest{Method: http.MethodPost, Endpoint: "/api/payments"})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Failed: 1}, f.engine.Drain(ctx))
	pending, err := f.queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)
	assert.Equal(t, f.clock.Now().Add(time.Second).UnixMilli(), pending[0].NextAttemptAt)
}

func TestEngineQueueBackoff(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{Base: 2 * time.Second, Max: time.Minute})
	f.transport.setFail(func(string) error { return &StatusError{Code: http.StatusServiceUnavailable} })

	id, err := f.queue.Enqueue(ctx, QueuedRequest{Method: http.MethodPatch, Endpoint: "/api/customers/c-1"})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Failed: 1}, f.engine.Drain(ctx))
	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, 1, pending[0].Retries)
	assert.Equal(t, f.clock.Now().Add(2*time.Second).UnixMilli(), pending[0].NextAttemptAt)

	assert.Equal(t, DrainResult{Skipped: 1}, f.engine.Drain(ctx), "still backing off")
	assert.Len(t, f.transport.Calls(), 1)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, DrainResult{Failed: 1}, f.engine.Drain(ctx))
	pending, err = f.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending[0].Retries)
	assert.Equal(t, f.clock.Now().Add(4*time.Second).UnixMilli(), pending[0].NextAttemptAt)

	f.transport.setFail(nil)
	f.clock.Advance(4 * time.Second)
	assert.Equal(t, DrainResult{Success: 1}, f.engine.Drain(ctx))
	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngineDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{MaxRetries: 2})
	f.transport.setFail(func(string) error { return errors.New("timeout") })

	_, err := f.queue.Enqueue(ctx, QueuedRequest{Method: http.MethodPost, Endpoint: "/api/payments"})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Failed: 1}, f.engine.Drain(ctx))
	assert.Equal(t, DrainResult{Failed: 1, DeadLettered: 1}, f.engine.Drain(ctx))
	assert.Equal(t, DrainResult{}, f.engine.Drain(ctx))
	assert.Len(t, f.transport.Calls(), 2)

	dead, err := f.queue.ListDeadLetter(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Retries)
	assert.Equal(t, "timeout", dead[0].LastError)
}

func TestEngineDeadLettersPermanentRejection(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{Base: time.Second, DeadLetterPermanent: true})
	f.transport.setFail(func(ep string) error {
		if ep == "/api/bad" {
			return &StatusError{Code: http.StatusBadRequest, Body: "unknown customer"}
		}
		return nil
	})

	_, err := f.queue.Enqueue(ctx, QueuedRequest{Method: http.MethodPost, Endpoint: "/api/bad", Timestamp: 1})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, QueuedRequest{Method: http.MethodPost, Endpoint: "/api/good", Timestamp: 2})
	require.NoError(t, err)

	assert.Equal(t, DrainResult{Success: 1, Failed: 1, DeadLettered: 1}, f.engine.Drain(ctx))
	dead, err := f.queue.ListDeadLetter(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "/api/bad", dead[0].Endpoint)
}

func TestEngineConcurrentDrainsShareOnePass(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var replays atomic.Int32
	f.engine.Register(KindOrders, func(context.Context, OfflineRecord) error {
		if replays.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil
	})
	f.saveOrder(t, "o1", 10)

	results := make(chan DrainResult, 2)
	go func() { results <- f.engine.Drain(ctx) }()
	<-entered
	go func() { results <- f.engine.Drain(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	assert.Equal(t, int32(1), replays.Load())
	assert.Equal(t, 1, max(a.Success, b.Success))
}

func TestEngineOnSyncedHook(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true, RetryPolicy{})

	var got []DrainResult
	f.engine.OnSynced(func(res DrainResult) { got = append(got, res) })

	f.engine.Drain(ctx)
	assert.Empty(t, got, "nothing replayed, no hook")

	f.saveOrder(t, "o1", 10)
	f.engine.Drain(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Success)

	st := f.engine.Stats()
	assert.Equal(t, uint64(2), st.Drains)
	assert.Equal(t, uint64(1), st.Success)
	assert.Equal(t, f.clock.Now().UnixMilli(), st.LastDrainAt)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Base: 2 * time.Second, Max: 10 * time.Second}
	cases := map[int]time.Duration{
		0:  0,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  10 * time.Second,
		40: 10 * time.Second,
	}
	for retries, want := range cases {
		assert.Equal(t, want, p.backoff(retries), "retries=%d", retries)
	}
	assert.Zero(t, RetryPolicy{}.backoff(3))
}
