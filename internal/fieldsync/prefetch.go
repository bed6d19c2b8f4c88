package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func (s *Service) startPrefetch() {
	if len(s.cfg.Prefetch.Keys) == 0 {
		return
	}

	initDelay := s.cfg.Prefetch.initialDelayDur
	period := s.cfg.Prefetch.everyDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
			defer cancel()
			warmed, skipped := s.prefetchOnce(ctx)
			if warmed > 0 {
				log.Printf("prefetch: warmed=%d skipped=%d", warmed, skipped)
			}
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// prefetchOnce warms every configured key. Nothing is fetched while offline.
func (s *Service) prefetchOnce(ctx context.Context) (warmed int, skipped int) {
	for _, pk := range s.cfg.Prefetch.Keys {
		select {
		case <-ctx.Done():
			return warmed, skipped
		case <-s.stopCh:
			return warmed, skipped
		default:
		}
		if !s.monitor.IsOnline() {
			skipped++
			continue
		}
		s.cache.Prefetch(ctx, pk.Key, s.endpointFetcher(pk.Endpoint), nil)
		warmed++
	}
	return warmed, skipped
}

// endpointFetcher GETs endpoint through the transport and keeps the JSON body.
func (s *Service) endpointFetcher(endpoint string) Fetcher {
	return func(ctx context.Context) (any, error) {
		resp, err := s.transport.Do(ctx, http.MethodGet, endpoint, nil, "")
		if err != nil {
			return nil, err
		}
		if !json.Valid(resp.Body) {
			return nil, fmt.Errorf("GET %s: response is not JSON", endpoint)
		}
		return json.RawMessage(resp.Body), nil
	}
}
