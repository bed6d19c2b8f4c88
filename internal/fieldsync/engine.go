package fieldsync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ReplayFunc sends one offline record to the server. Wrap the error with
// Permanent when the server rejected the record for good.
type ReplayFunc func(ctx context.Context, rec OfflineRecord) error

// Connectivity is the part of Monitor the engine needs.
type Connectivity interface {
	IsOnline() bool
}

// RetryPolicy governs failed queued requests. Offline records are never
// dead-lettered; they stay pending until replayed or flagged permanent.
type RetryPolicy struct {
	// Base is the delay after the first failure, doubled per further
	// failure up to Max. Zero disables backoff.
	Base time.Duration
	Max  time.Duration

	// MaxRetries dead-letters a request once it has failed this many times.
	// Zero means retry forever.
	MaxRetries int

	// DeadLetterPermanent dead-letters a request on its first permanent
	// rejection (4xx other than 401, 403, 408, 429).
	DeadLetterPermanent bool
}

func (p RetryPolicy) backoff(retries int) time.Duration {
	if p.Base <= 0 || retries <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < retries; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Engine replays offline records and queued requests once connectivity is
// available.
type Engine struct {
	records   *RecordStore
	queue     *SyncQueue
	online    Connectivity
	transport Transport
	policy    RetryPolicy
	nowFn     func() time.Time

	mu       sync.Mutex
	replay   map[Kind]ReplayFunc
	onSynced []func(DrainResult)

	sf      singleflight.Group
	failLog *rateLimitedLogger
	stats   syncCounters
}

func NewEngine(records *RecordStore, queue *SyncQueue, online Connectivity, transport Transport, policy RetryPolicy) *Engine {
	return &Engine{
		records:   records,
		queue:     queue,
		online:    online,
		transport: transport,
		policy:    policy,
		nowFn:     time.Now,
		replay:    map[Kind]ReplayFunc{},
		failLog:   newRateLimitedLogger(time.Minute),
	}
}

// Register sets the replay function for kind, replacing any previous one.
func (e *Engine) Register(kind Kind, fn ReplayFunc) {
	e.mu.Lock()
	e.replay[kind] = fn
	e.mu.Unlock()
}

// OnSynced adds a hook called after every drain that replayed something.
func (e *Engine) OnSynced(fn func(DrainResult)) {
	e.mu.Lock()
	e.onSynced = append(e.onSynced, fn)
	e.mu.Unlock()
}

func (e *Engine) Stats() SyncStats {
	return e.stats.snapshot()
}

// Drain replays everything pending and reports what happened. It never
// fails: per-item errors only show up in the counts. While offline it
// returns a zero result without touching the network. A call made while a
// drain is running waits for that drain and gets its result.
//
// Canceling ctx stops the pass between items. A replay already sent, and
// the bookkeeping that follows it, always runs to completion.
func (e *Engine) Drain(ctx context.Context) DrainResult {
	if !e.online.IsOnline() {
		return DrainResult{}
	}
	v, _, _ := e.sf.Do("drain", func() (any, error) {
		return e.drain(ctx, context.WithoutCancel(ctx)), nil
	})
	return v.(DrainResult)
}

// drain checks stop between items and does all work on ctx.
func (e *Engine) drain(stop, ctx context.Context) DrainResult {
	var res DrainResult
	e.drainRecords(stop, ctx, &res)
	e.drainQueue(stop, ctx, &res)

	e.stats.observe(res, unixMillis(e.nowFn()))
	if res != (DrainResult{}) {
		log.Printf("sync: drain success=%d failed=%d skipped=%d deadLettered=%d",
			res.Success, res.Failed, res.Skipped, res.DeadLettered)
	}
	if res.Success > 0 {
		e.mu.Lock()
		hooks := append([]func(DrainResult){}, e.onSynced...)
		e.mu.Unlock()
		for _, h := range hooks {
			h(res)
		}
	}
	return res
}

// halted is true once the drain must stop issuing calls.
func (e *Engine) halted(stop context.Context) bool {
	return stop.Err() != nil || !e.online.IsOnline()
}

func (e *Engine) kinds(ctx context.Context) []Kind {
	e.mu.Lock()
	set := make(map[Kind]struct{}, len(e.replay))
	for k := range e.replay {
		set[k] = struct{}{}
	}
	e.mu.Unlock()

	stored, err := e.records.Kinds(ctx)
	if err != nil {
		log.Printf("sync: list record kinds: %v", err)
	}
	for _, k := range stored {
		set[k] = struct{}{}
	}
	out := make([]Kind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) replayFor(kind Kind) ReplayFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replay[kind]
}

func (e *Engine) drainRecords(stop, ctx context.Context, res *DrainResult) {
	for _, kind := range e.kinds(ctx) {
		recs, err := e.records.GetAll(ctx, kind)
		if err != nil {
			log.Printf("sync: list %s: %v", kind, err)
			continue
		}
		fn := e.replayFor(kind)
		for _, rec := range recs {
			if e.halted(stop) {
				return
			}
			if rec.Status != StatusPendingSync {
				res.Skipped++
				continue
			}
			if fn == nil {
				e.failLog.Printf("kind:"+string(kind), "sync: no replay function for %s, leaving %d record(s)", kind, len(recs))
				res.Skipped++
				continue
			}

			err := callReplay(ctx, fn, rec)
			if err == nil {
				if err := e.records.Remove(ctx, kind, rec.ID); err != nil {
					log.Printf("sync: remove replayed %s/%s: %v", kind, rec.ID, err)
				}
				res.Success++
				continue
			}

			res.Failed++
			if IsPermanent(err) {
				log.Printf("sync: %s/%s rejected, flagged: %v", kind, rec.ID, err)
				if merr := e.records.MarkFailed(ctx, kind, rec.ID, err.Error()); merr != nil {
					log.Printf("sync: flag %s/%s: %v", kind, rec.ID, merr)
				}
				continue
			}
			e.failLog.Printf(string(kind)+"/"+rec.ID, "sync: replay %s/%s: %v", kind, rec.ID, err)
			if aerr := e.records.RecordAttempt(ctx, kind, rec.ID, err); aerr != nil {
				log.Printf("sync: note attempt %s/%s: %v", kind, rec.ID, aerr)
			}
		}
	}
}

func callReplay(ctx context.Context, fn ReplayFunc, rec OfflineRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replay %s/%s panicked: %v", rec.Kind, rec.ID, r)
		}
	}()
	return fn(ctx, rec)
}

func (e *Engine) drainQueue(stop, ctx context.Context, res *DrainResult) {
	if e.transport == nil {
		return
	}
	reqs, err := e.queue.ListPending(ctx)
	if err != nil {
		log.Printf("sync: list queue: %v", err)
		return
	}
	now := e.nowFn()
	for _, req := range reqs {
		if e.halted(stop) {
			return
		}
		if req.NextAttemptAt > unixMillis(now) {
			res.Skipped++
			continue
		}

		_, err := e.transport.Do(ctx, req.Method, req.Endpoint, req.Body, req.IdempotencyKey)
		if err == nil {
			if err := e.queue.Remove(ctx, req.ID); err != nil {
				log.Printf("sync: remove replayed request %s: %v", req.ID, err)
			}
			res.Success++
			continue
		}

		res.Failed++
		updated, uerr := e.queue.IncrementRetry(ctx, req.ID, err)
		if uerr != nil {
			log.Printf("sync: bump retries of %s: %v", req.ID, uerr)
			continue
		}
		permanent := IsPermanent(err)
		if (e.policy.DeadLetterPermanent && permanent) ||
			(e.policy.MaxRetries > 0 && updated.Retries >= e.policy.MaxRetries) {
			log.Printf("sync: dead-lettering %s %s (%s) after %d attempt(s): %v",
				req.Method, req.Endpoint, req.ID, updated.Retries, err)
			if derr := e.queue.MarkDeadLetter(ctx, req.ID, err.Error()); derr != nil {
				log.Printf("sync: dead-letter %s: %v", req.ID, derr)
				continue
			}
			res.DeadLettered++
			continue
		}
		e.failLog.Printf("req/"+req.ID, "sync: replay %s %s (%s): %v", req.Method, req.Endpoint, req.ID, err)
		if d := e.policy.backoff(updated.Retries); d > 0 {
			if derr := e.queue.Defer(ctx, req.ID, now.Add(d)); derr != nil {
				log.Printf("sync: defer %s: %v", req.ID, derr)
			}
		}
	}
}
