package fieldsync

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Service wires the stores, the monitor, the engine and the cache together
// and runs their background loops.
type Service struct {
	cfg Config

	store     *LevelStore
	transport *HTTPTransport

	records *RecordStore
	queue   *SyncQueue
	monitor *Monitor
	engine  *Engine
	cache   *ResponseCache

	// endpoint -> cache key, from prefetch.keys
	keyAliases map[string]string

	drainSem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	unsubscribe func()
	closeOnce   sync.Once
}

// NewService opens the store at cfg.Storage.Path and starts the background
// loops configured in cfg.
func NewService(cfg Config) (*Service, error) {
	store, err := OpenLevelStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	// stay offline until the first probe says otherwise
	startOnline := cfg.Connectivity.probeEveryDur <= 0
	s := newService(cfg, store, startOnline)
	s.start()
	return s, nil
}

func newService(cfg Config, store *LevelStore, startOnline bool) *Service {
	transport := NewHTTPTransport(cfg.Server.Origin, cfg.Transport.timeoutDur, cfg.Transport.Headers)
	transport.LimitBody(cfg.Storage.maxPayloadBytes)
	records := NewRecordStore(store, cfg.Storage.maxPayloadBytes)
	queue := NewSyncQueue(store, cfg.Storage.maxPayloadBytes)
	monitor := NewMonitor(startOnline)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		store:      store,
		transport:  transport,
		records:    records,
		queue:      queue,
		monitor:    monitor,
		engine:     NewEngine(records, queue, monitor, transport, cfg.Sync.policy),
		cache:      NewResponseCache(cfg.Cache.defaults, cfg.Cache.Rules, cfg.Cache.MaxBackground),
		keyAliases: map[string]string{},
		drainSem:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}

	for kind, ep := range cfg.Sync.endpointByKind {
		s.engine.Register(kind, EndpointReplay(transport, ep.Method, ep.Path))
	}
	for _, pk := range cfg.Prefetch.Keys {
		s.keyAliases[pk.Endpoint] = pk.Key
	}

	if re := cfg.Sync.invalidateRe; re != nil {
		s.engine.OnSynced(func(res DrainResult) {
			if n := s.cache.InvalidatePattern(re); n > 0 {
				log.Printf("cache: invalidated %d key(s) matching %s after sync", n, re)
			}
		})
	}

	s.unsubscribe = monitor.OnTransition(func() {
		s.drainAsync("online")
	}, nil)
	return s
}

func (s *Service) start() {
	if every := s.cfg.Connectivity.probeEveryDur; every > 0 {
		timeout := s.cfg.Transport.timeoutDur
		if timeout <= 0 || timeout > every {
			timeout = every
		}
		probeURL := s.cfg.Connectivity.ProbeURL
		log.Printf("netmon: probing %s every %s", probeURL, every)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitor.Run(s.ctx, func(ctx context.Context) bool {
				return s.transport.Ping(ctx, probeURL)
			}, every, timeout)
		}()
	}

	if every := s.cfg.Sync.everyDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncLoop(every)
		}()
	}

	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	s.startPrefetch()
}

// Close stops the background loops and closes the store. Calls after the
// first do nothing.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cancel()
		close(s.stopCh)
		s.wg.Wait()
		s.cache.Close()
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	})
}

func (s *Service) Records() *RecordStore { return s.records }
func (s *Service) Queue() *SyncQueue { return s.queue }
func (s *Service) Monitor() *Monitor { return s.monitor }
func (s *Service) Engine() *Engine { return s.engine }
func (s *Service) Cache() *ResponseCache { return s.cache }
func (s *Service) Handler() http.Handler { return s.routes() }
func (s *Service) Transport() Transport { return s.transport }

// SyncNow drains synchronously. It is the manual "sync now".
func (s *Service) SyncNow(ctx context.Context) DrainResult {
	return s.engine.Drain(ctx)
}

// drainAsync starts a drain in the background unless one is already running
// or queued.
func (s *Service) drainAsync(reason string) {
	select {
	case s.drainSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.drainSem }()
		res := s.engine.Drain(s.ctx)
		if res.Success+res.Failed > 0 {
			log.Printf("sync: %s drain done success=%d failed=%d", reason, res.Success, res.Failed)
		}
	}()
}

func (s *Service) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.monitor.IsOnline() {
				s.drainAsync("tick")
			}
		}
	}
}

// Logout drops cached reads and every pending offline write.
func (s *Service) Logout(ctx context.Context) error {
	s.cache.Clear()
	if err := s.records.Reset(ctx); err != nil {
		return err
	}
	return s.queue.Reset(ctx)
}

// Status is a snapshot of what is pending and how the subsystem is doing.
type Status struct {
	Online     bool         `json:"online"`
	Records    map[Kind]int `json:"records"`
	Queue      int          `json:"queue"`
	DeadLetter int          `json:"deadLetter"`
	StoreBytes int64        `json:"storeBytes"`
	RSSBytes   uint64       `json:"rssBytes,omitempty"`
	Cache      CacheStats   `json:"cache"`
	Sync       SyncStats    `json:"sync"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{
		Online:     s.monitor.IsOnline(),
		Records:    map[Kind]int{},
		StoreBytes: s.store.TotalSize(),
		Cache:      s.cache.Stats(),
		Sync:       s.engine.Stats(),
	}
	if rss, ok := residentBytes(); ok {
		st.RSSBytes = rss
	}
	kinds, err := s.records.Kinds(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, k := range kinds {
		n, err := s.records.Count(ctx, k)
		if err != nil {
			return Status{}, err
		}
		st.Records[k] = n
	}
	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := s.queue.ListDeadLetter(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Queue = len(pending)
	st.DeadLetter = len(dead)
	return st, nil
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			st, err := s.Status(s.ctx)
			if err != nil {
				log.Printf("stats: %v", err)
				continue
			}
			pendingRecords := 0
			for _, n := range st.Records {
				pendingRecords += n
			}
			rss := "n/a"
			if st.RSSBytes > 0 {
				rss = formatBytes(st.RSSBytes)
			}
			log.Printf(
				"Online: %v, Pending: records=%d queue=%d dead=%d, Store: %s, RSS: %s, Cache: keys=%d hit/stale/miss %d/%d/%d refreshFail=%d",
				st.Online,
				pendingRecords,
				st.Queue,
				st.DeadLetter,
				formatBytes(uint64(st.StoreBytes)),
				rss,
				st.Cache.Keys,
				st.Cache.Hits,
				st.Cache.StaleHits,
				st.Cache.Misses,
				st.Cache.RefreshFailures,
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
