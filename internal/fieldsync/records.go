package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

const recordNS = "offline"

// RecordStore keeps pending domain records, one list per Kind. Every
// read-modify-write is serialized per kind.
type RecordStore struct {
	store      Store
	maxPayload int64
	nowFn      func() time.Time

	mu    sync.Mutex
	locks map[Kind]*sync.Mutex
}

// NewRecordStore builds a RecordStore over store. maxPayload <= 0 disables the
// payload size check.
func NewRecordStore(store Store, maxPayload int64) *RecordStore {
	return &RecordStore{
		store:      store,
		maxPayload: maxPayload,
		nowFn:      time.Now,
		locks:      map[Kind]*sync.Mutex{},
	}
}

// NewRecord wraps payload into a pending record of the given kind.
func NewRecord(kind Kind, payload any) (OfflineRecord, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return OfflineRecord{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return OfflineRecord{Kind: kind, Payload: b, Status: StatusPendingSync}, nil
}

func NewVisitRecord(v Visit) (OfflineRecord, error) { return NewRecord(KindVisits, v) }

func NewOrderRecord(o Order) (OfflineRecord, error) { return NewRecord(KindOrders, o) }

// DecodePayload unmarshals the record payload into T.
func DecodePayload[T any](rec OfflineRecord) (T, error) {
	var out T
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s payload: %w", rec.Kind, rec.ID, err)
	}
	return out, nil
}

func recordKey(kind Kind, id string) string {
	return joinKey(recordNS, string(kind), id)
}

func (r *RecordStore) lock(kind Kind) func() {
	r.mu.Lock()
	l, ok := r.locks[kind]
	if !ok {
		l = &sync.Mutex{}
		r.locks[kind] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validKind(kind Kind) bool {
	return kind != "" && !strings.Contains(string(kind), ":")
}

// Save persists rec, filling ID, idempotency key, creation time and status
// when unset. A record with an existing id replaces the stored one.
func (r *RecordStore) Save(ctx context.Context, rec OfflineRecord) (OfflineRecord, error) {
	if !validKind(rec.Kind) {
		return OfflineRecord{}, fmt.Errorf("%w: kind %q", ErrInvalidRequest, rec.Kind)
	}
	if r.maxPayload > 0 && int64(len(rec.Payload)) > r.maxPayload {
		return OfflineRecord{}, fmt.Errorf("%w: %s record is %s, limit %s",
			ErrPayloadTooLarge, rec.Kind, formatBytes(uint64(len(rec.Payload))), formatBytes(uint64(r.maxPayload)))
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = newIdempotencyKey()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = unixMillis(r.nowFn())
	}
	if rec.Status == "" {
		rec.Status = StatusPendingSync
	}

	defer r.lock(rec.Kind)()
	if err := r.put(ctx, rec); err != nil {
		return OfflineRecord{}, err
	}
	return rec, nil
}

func (r *RecordStore) put(ctx context.Context, rec OfflineRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", rec.Kind, rec.ID, err)
	}
	if err := r.store.Set(ctx, recordKey(rec.Kind, rec.ID), b); err != nil {
		return fmt.Errorf("store record %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// GetAll lists the records of kind in creation order.
func (r *RecordStore) GetAll(ctx context.Context, kind Kind) ([]OfflineRecord, error) {
	defer r.lock(kind)()

	keys, err := r.store.Keys(ctx, recordKey(kind, ""))
	if err != nil {
		return nil, err
	}
	out := make([]OfflineRecord, 0, len(keys))
	for _, k := range keys {
		b, err := r.store.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec OfflineRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			log.Printf("records: skipping undecodable %s: %v", k, err)
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *RecordStore) Get(ctx context.Context, kind Kind, id string) (OfflineRecord, error) {
	defer r.lock(kind)()
	return r.get(ctx, kind, id)
}

func (r *RecordStore) get(ctx context.Context, kind Kind, id string) (OfflineRecord, error) {
	b, err := r.store.Get(ctx, recordKey(kind, id))
	if err != nil {
		return OfflineRecord{}, err
	}
	var rec OfflineRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return OfflineRecord{}, fmt.Errorf("decode record %s/%s: %w", kind, id, err)
	}
	return rec, nil
}

// Remove deletes the record. Removing an absent id is not an error.
func (r *RecordStore) Remove(ctx context.Context, kind Kind, id string) error {
	defer r.lock(kind)()
	return r.store.Delete(ctx, recordKey(kind, id))
}

func (r *RecordStore) update(ctx context.Context, kind Kind, id string, fn func(*OfflineRecord)) error {
	defer r.lock(kind)()
	rec, err := r.get(ctx, kind, id)
	if err != nil {
		return err
	}
	fn(&rec)
	return r.put(ctx, rec)
}

// RecordAttempt notes a failed replay on the record.
func (r *RecordStore) RecordAttempt(ctx context.Context, kind Kind, id string, cause error) error {
	return r.update(ctx, kind, id, func(rec *OfflineRecord) {
		rec.Attempts++
		if cause != nil {
			rec.LastError = cause.Error()
		}
	})
}

// MarkFailed flags a record the server rejected permanently. Drains skip it
// until Retry is called.
func (r *RecordStore) MarkFailed(ctx context.Context, kind Kind, id, reason string) error {
	return r.update(ctx, kind, id, func(rec *OfflineRecord) {
		rec.Status = StatusFailed
		rec.LastError = reason
	})
}

// Retry moves a flagged or draft record back to pending.
func (r *RecordStore) Retry(ctx context.Context, kind Kind, id string) error {
	return r.update(ctx, kind, id, func(rec *OfflineRecord) {
		rec.Status = StatusPendingSync
		rec.LastError = ""
	})
}

// Kinds lists every kind that currently has stored records.
func (r *RecordStore) Kinds(ctx context.Context) ([]Kind, error) {
	keys, err := r.store.Keys(ctx, recordNS+":")
	if err != nil {
		return nil, err
	}
	seen := map[Kind]struct{}{}
	var out []Kind
	for _, k := range keys {
		parts := strings.SplitN(k, ":", 3)
		if len(parts) != 3 {
			continue
		}
		kind := Kind(parts[1])
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out, nil
}

// Count returns how many records of kind are stored, whatever their status.
func (r *RecordStore) Count(ctx context.Context, kind Kind) (int, error) {
	keys, err := r.store.Keys(ctx, recordKey(kind, ""))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Reset drops every stored record. Used on logout.
func (r *RecordStore) Reset(ctx context.Context) error {
	return deleteNamespace(ctx, r.store, recordNS+":")
}

type prefixDeleter interface {
	DeletePrefix(ctx context.Context, namespace string) (int, error)
}

func deleteNamespace(ctx context.Context, s Store, ns string) error {
	if pd, ok := s.(prefixDeleter); ok {
		_, err := pd.DeletePrefix(ctx, ns)
		return err
	}
	keys, err := s.Keys(ctx, ns)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
