package fieldsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
)

const maxAdminBody = 4 << 20

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/logout", s.handleLogout)

		r.Get("/records/{kind}", s.handleListRecords)
		r.Post("/records/{kind}", s.handleSaveRecord)
		r.Delete("/records/{kind}/{id}", s.handleRemoveRecord)
		r.Post("/records/{kind}/{id}/retry", s.handleRetryRecord)

		r.Get("/queue", s.handleListQueue)
		r.Post("/queue", s.handleEnqueue)
		r.Delete("/queue/{id}", s.handleRemoveQueued)
		r.Get("/deadletter", s.handleListDeadLetter)
		r.Post("/deadletter/{id}/requeue", s.handleRequeue)

		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/read/*", s.handleCachedRead)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	online := s.monitor.IsOnline()
	res := s.SyncNow(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Online bool        `json:"online"`
		Result DrainResult `json:"result"`
	}{online, res})
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records.GetAll(r.Context(), Kind(chi.URLParam(r, "kind")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleSaveRecord stores the request body as the payload of a new record.
// ?status=DRAFT keeps it out of drains; ?id= sets a client id.
func (s *Service) handleSaveRecord(w http.ResponseWriter, r *http.Request) {
	kind := Kind(chi.URLParam(r, "kind"))
	if _, ok := s.cfg.Sync.endpointByKind[kind]; !ok {
		writeError(w, ErrUnknownKind)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !json.Valid(body) {
		writeError(w, ErrInvalidRequest)
		return
	}
	rec := OfflineRecord{
		ID:      r.URL.Query().Get("id"),
		Kind:    kind,
		Payload: body,
		Status:  StatusPendingSync,
	}
	if strings.EqualFold(r.URL.Query().Get("status"), string(StatusDraft)) {
		rec.Status = StatusDraft
	}
	rec, err = s.records.Save(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Status == StatusPendingSync && s.monitor.IsOnline() {
		s.drainAsync("save")
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Service) handleRemoveRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Remove(r.Context(), Kind(chi.URLParam(r, "kind")), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRetryRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Retry(r.Context(), Kind(chi.URLParam(r, "kind")), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	if s.monitor.IsOnline() {
		s.drainAsync("retry")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListQueue(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.queue.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in struct {
		Method   string          `json:"method"`
		Endpoint string          `json:"endpoint"`
		Body     json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, ErrInvalidRequest)
		return
	}
	id, err := s.queue.Enqueue(r.Context(), QueuedRequest{Method: in.Method, Endpoint: in.Endpoint, Body: in.Body})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.monitor.IsOnline() {
		s.drainAsync("enqueue")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Service) handleRemoveQueued(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.queue.ListDeadLetter(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Service) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Requeue(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInvalidate drops keys matching ?pattern=, ?key= exactly, or the whole
// cache when neither is given.
func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("pattern") != "":
		re, err := regexp.Compile(q.Get("pattern"))
		if err != nil {
			writeError(w, ErrInvalidRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": s.cache.InvalidatePattern(re)})
	case q.Get("key") != "":
		s.cache.Invalidate(q.Get("key"))
		w.WriteHeader(http.StatusNoContent)
	default:
		s.cache.Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleCachedRead serves GET /v1/read/<endpoint> through the response cache.
// The cache key is the prefetch alias of the endpoint when one is configured,
// the endpoint itself otherwise.
func (s *Service) handleCachedRead(w http.ResponseWriter, r *http.Request) {
	endpoint := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}
	key := s.cacheKeyFor(endpoint)

	v, err := s.cache.Get(r.Context(), key, s.endpointFetcher(endpoint), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			writeJSON(w, se.Code, map[string]string{"error": se.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad gateway"})
		return
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		if raw, err = json.Marshal(v); err != nil {
			writeError(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Fieldsync-Key", key)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Service) cacheKeyFor(endpoint string) string {
	if k, ok := s.keyAliases[endpoint]; ok {
		return k
	}
	return endpoint
}
