package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const queueNS = "queue"

// SyncQueue is the durable FIFO of requests to replay. Mutations hold mu for
// their whole read-modify-write.
type SyncQueue struct {
	store      Store
	maxPayload int64
	nowFn      func() time.Time

	mu sync.Mutex
}

func NewSyncQueue(store Store, maxPayload int64) *SyncQueue {
	return &SyncQueue{store: store, maxPayload: maxPayload, nowFn: time.Now}
}

func queueKey(id string) string { return joinKey(queueNS, id) }

func validMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Enqueue persists req and returns its id. Timestamp, id and idempotency key
// are filled when unset; Retries and dead-letter state always start clean.
func (q *SyncQueue) Enqueue(ctx context.Context, req QueuedRequest) (string, error) {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if !validMethod(req.Method) {
		return "", fmt.Errorf("%w: method %q", ErrInvalidRequest, req.Method)
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		return "", fmt.Errorf("%w: empty endpoint", ErrInvalidRequest)
	}
	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return "", fmt.Errorf("%w: body is not JSON", ErrInvalidRequest)
	}
	if q.maxPayload > 0 && int64(len(req.Body)) > q.maxPayload {
		return "", fmt.Errorf("%w: request body is %s, limit %s",
			ErrPayloadTooLarge, formatBytes(uint64(len(req.Body))), formatBytes(uint64(q.maxPayload)))
	}
	if req.ID == "" {
		req.ID = newID()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = newIdempotencyKey()
	}
	if req.Timestamp == 0 {
		req.Timestamp = unixMillis(q.nowFn())
	}
	req.Retries = 0
	req.NextAttemptAt = 0
	req.DeadLetter = false
	req.LastError = ""

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.put(ctx, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

func (q *SyncQueue) put(ctx context.Context, req QueuedRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode queued request %s: %w", req.ID, err)
	}
	if err := q.store.Set(ctx, queueKey(req.ID), b); err != nil {
		return fmt.Errorf("store queued request %s: %w", req.ID, err)
	}
	return nil
}

func (q *SyncQueue) get(ctx context.Context, id string) (QueuedRequest, error) {
	b, err := q.store.Get(ctx, queueKey(id))
	if err != nil {
		return QueuedRequest{}, err
	}
	var req QueuedRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return QueuedRequest{}, fmt.Errorf("decode queued request %s: %w", id, err)
	}
	return req, nil
}

func (q *SyncQueue) all(ctx context.Context) ([]QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.store.Keys(ctx, queueNS+":")
	if err != nil {
		return nil, err
	}
	out := make([]QueuedRequest, 0, len(keys))
	for _, k := range keys {
		req, err := q.get(ctx, strings.TrimPrefix(k, queueNS+":"))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			log.Printf("queue: skipping %s: %v", k, err)
			continue
		}
		out = append(out, req)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListPending returns every live (not dead-lettered) request, ascending by
// Timestamp. Requests still in backoff are included.
func (q *SyncQueue) ListPending(ctx context.Context) ([]QueuedRequest, error) {
	return q.filter(ctx, false)
}

// ListDeadLetter returns requests the retry policy stopped replaying.
func (q *SyncQueue) ListDeadLetter(ctx context.Context) ([]QueuedRequest, error) {
	return q.filter(ctx, true)
}

func (q *SyncQueue) filter(ctx context.Context, dead bool) ([]QueuedRequest, error) {
	reqs, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	out := reqs[:0]
	for _, r := range reqs {
		if r.DeadLetter == dead {
			out = append(out, r)
		}
	}
	return out, nil
}

// Remove deletes a request. Removing an absent id is not an error.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, queueKey(id))
}

func (q *SyncQueue) update(ctx context.Context, id string, fn func(*QueuedRequest)) (QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, err := q.get(ctx, id)
	if err != nil {
		return QueuedRequest{}, err
	}
	fn(&req)
	if err := q.put(ctx, req); err != nil {
		return QueuedRequest{}, err
	}
	return req, nil
}

// IncrementRetry bumps the retry counter after a failed replay and returns the
// updated request.
func (q *SyncQueue) IncrementRetry(ctx context.Context, id string, cause error) (QueuedRequest, error) {
	return q.update(ctx, id, func(r *QueuedRequest) {
		r.Retries++
		if cause != nil {
			r.LastError = cause.Error()
		}
	})
}

// Defer sets the earliest time the next drain may replay the request.
func (q *SyncQueue) Defer(ctx context.Context, id string, until time.Time) error {
	_, err := q.update(ctx, id, func(r *QueuedRequest) {
		r.NextAttemptAt = unixMillis(until)
	})
	return err
}

func (q *SyncQueue) MarkDeadLetter(ctx context.Context, id, reason string) error {
	_, err := q.update(ctx, id, func(r *QueuedRequest) {
		r.DeadLetter = true
		if reason != "" {
			r.LastError = reason
		}
	})
	return err
}

// Requeue brings a dead-lettered request back with a clean retry budget. Its
// Timestamp, and so its place in the FIFO, is kept.
func (q *SyncQueue) Requeue(ctx context.Context, id string) error {
	_, err := q.update(ctx, id, func(r *QueuedRequest) {
		r.DeadLetter = false
		r.Retries = 0
		r.NextAttemptAt = 0
		r.LastError = ""
	})
	return err
}

func (q *SyncQueue) Count(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, queueNS+":")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Reset drops the whole queue. Used on logout.
func (q *SyncQueue) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return deleteNamespace(ctx, q.store, queueNS+":")
}
