package offline0

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const headerSource = "X-Offline0"

// Handler routes the admin endpoints and sends everything else through the
// fetch interceptor.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/__offline0/status", s.handleStatus)
	r.Post("/__offline0/sync", s.handleSync)
	r.Post("/__offline0/queue", s.handleEnqueue)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/*", s.handleIntercept)
	return r
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.worker.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	rep, err := s.worker.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, ErrUnknownSyncTag):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	// room for the envelope around the payload
	body := s.limitBody(w, r, 64<<10)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		if tooLarge(err) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": ErrPayloadTooLarge.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	key, err := s.worker.Enqueue(r.Context(), req)
	if err != nil {
		writeJSON(w, enqueueStatus(err), map[string]string{"error": err.Error()})
		return
	}
	setSourceHeader(w.Header(), "queued")
	writeJSON(w, http.StatusAccepted, map[string]string{"queued": key})
}

// limitBody caps the request body at sync.maxPayload plus slack bytes.
func (s *Service) limitBody(w http.ResponseWriter, r *http.Request, slack int64) io.Reader {
	limit := s.cfg.Sync.maxPayloadN
	if limit <= 0 {
		return r.Body
	}
	return http.MaxBytesReader(w, r.Body, limit+slack)
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) handleIntercept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.handleWrite(w, r)
		return
	}
	resp, src, err := s.worker.Fetch(r.Context(), r)
	if err != nil {
		s.log.Debug("fetch failed", "path", r.URL.Path, "err", err)
		setSourceHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeResponse(w, r, resp, string(src))
}

// handleWrite forwards a non-GET request. If the network fails and a queue
// rule matches, the JSON body is queued for background sync instead.
// Bodies larger than sync.maxPayload are refused with 413.
func (s *Service) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(s.limitBody(w, r, 0))
	if err != nil {
		if tooLarge(err) {
			http.Error(w, ErrPayloadTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp, err := s.worker.forward(r.Context(), r.Method, r.URL.RequestURI(), r.Header, bytes.NewReader(body))
	if err == nil {
		s.writeResponse(w, r, resp, string(SourceNetwork))
		return
	}

	rule := s.cfg.pickRule(r.URL.Path)
	if rule == nil || !rule.Queue {
		setSourceHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	key, qerr := s.worker.Enqueue(r.Context(), EnqueueRequest{URL: r.URL.RequestURI(), Payload: body})
	if qerr != nil {
		s.log.Warn("write not queued", "path", r.URL.Path, "err", qerr, "networkErr", err)
		setSourceHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	setSourceHeader(w.Header(), "queued")
	writeJSON(w, http.StatusAccepted, map[string]string{"queued": key})
}

func (s *Service) writeResponse(w http.ResponseWriter, r *http.Request, resp Response, source string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeader(w.Header(), source)
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
	s.worker.stats.observeServed(len(resp.Body))
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(headerSource, source)
	}
	// pages read X-Offline0 from JS, which needs it exposed under CORS
	ensureExposedHeader(h, headerSource)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
