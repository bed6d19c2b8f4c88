package fieldsync

import (
	"encoding/json"
	"time"
)

// Kind discriminates offline records. It doubles as the storage namespace for
// the records of that kind.
type Kind string

const (
	KindVisits Kind = "visits"
	KindOrders Kind = "orders"
)

type RecordStatus string

const (
	StatusDraft       RecordStatus = "DRAFT"
	StatusPendingSync RecordStatus = "PENDING_SYNC"

	// StatusFailed marks a record the server rejected permanently. It is kept
	// until the user fixes it and calls Retry, or removes it.
	StatusFailed RecordStatus = "FAILED"
)

// OfflineRecord is a domain write captured while the device had no network.
type OfflineRecord struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         RecordStatus    `json:"status"`
	CreatedAt      int64           `json:"createdAt"` // unix millis
	IdempotencyKey string          `json:"idempotencyKey"`

	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Visit is the payload of a field check-in.
type Visit struct {
	CustomerID string    `json:"customerId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Notes      string    `json:"notes,omitempty"`
	CheckInAt  time.Time `json:"checkInAt"`
}

type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// Order is the payload of an order drafted in the field.
type Order struct {
	CustomerID string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
	Total      float64     `json:"total"`
	Notes      string      `json:"notes,omitempty"`
}

// QueuedRequest is a mutating API call waiting to be replayed.
type QueuedRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Endpoint       string          `json:"endpoint"`
	Body           json.RawMessage `json:"body,omitempty"`
	Timestamp      int64           `json:"timestamp"` // unix millis, FIFO order
	Retries        int             `json:"retries"`
	IdempotencyKey string          `json:"idempotencyKey"`

	// NextAttemptAt is the earliest unix millis at which a drain replays the
	// request again. Zero means due now.
	NextAttemptAt int64  `json:"nextAttemptAt,omitempty"`
	DeadLetter    bool   `json:"deadLetter,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

// CacheEntry is one fetch result held by the response cache.
type CacheEntry struct {
	Data      any
	Timestamp time.Time
	ExpiresAt time.Time // Timestamp + StaleTime

	usableUntil time.Time // Timestamp + TTL
}

// CacheConfig controls freshness of a cached key. StaleTime must be below TTL:
// an entry is fresh until Timestamp+StaleTime and usable until Timestamp+TTL.
type CacheConfig struct {
	TTL          time.Duration
	StaleTime    time.Duration
	FetchTimeout time.Duration
}

// DrainResult aggregates one drain pass.
type DrainResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`

	// Skipped counts drafts, flagged records and requests still in backoff.
	Skipped      int `json:"skipped"`
	DeadLettered int `json:"deadLettered"`
}

func unixMillis(t time.Time) int64 { return t.UnixMilli() }
