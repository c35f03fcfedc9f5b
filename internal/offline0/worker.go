package offline0

import (
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Network performs outbound requests. *http.Client satisfies it.
type Network interface {
	Do(*http.Request) (*http.Response, error)
}

// Worker is the offline cache and sync worker. It owns the static cache
// generation named by cache.version and the sync queue cache, and moves
// through Registering -> Installing -> Installed -> Activating -> Active.
//
// Lifecycle calls (Install, Activate) are serialized by the state machine;
// Fetch, Enqueue and ReplayAll may run concurrently with each other.
type Worker struct {
	cfg     Config
	store   *Storage
	net     Network
	log     *slog.Logger
	metrics *Metrics
	stats   *statsCollector
	now     func() time.Time
	newID   func() string

	replayLog *rateLimitedLogger

	mu             sync.Mutex
	state          State
	lastInstallErr error

	// one replay pass at a time, so a key is never posted twice concurrently
	replayMu sync.Mutex
}

type WorkerOption func(*Worker)

func WithNetwork(n Network) WorkerOption { return func(w *Worker) { w.net = n } }

func WithLogger(l *slog.Logger) WorkerOption { return func(w *Worker) { w.log = l } }

func WithMetrics(m *Metrics) WorkerOption { return func(w *Worker) { w.metrics = m } }

// WithClock replaces time.Now; used for replay backoff decisions.
func WithClock(now func() time.Time) WorkerOption { return func(w *Worker) { w.now = now } }

func NewWorker(cfg Config, st *Storage, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:   cfg,
		store: st,
		stats: newStatsCollector(),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
		state: StateRegistering,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.net == nil {
		w.net = &http.Client{Timeout: 30 * time.Second}
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(prometheus.NewRegistry())
	}
	// configs built without ParseConfig may leave these at zero
	w.cfg.Precache.Concurrency = max(w.cfg.Precache.Concurrency, 1)
	w.cfg.Sync.Concurrency = max(w.cfg.Sync.Concurrency, 1)
	w.replayLog = newRateLimitedLogger(w.log, time.Minute)
	return w
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) transition(from []State, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.log.Debug("worker state", "from", w.state, "to", to)
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.state, to)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.log.Debug("worker state", "from", w.state, "to", s)
	w.state = s
	w.mu.Unlock()
}

// Status is a point-in-time view of the worker for operators.
type Status struct {
	State            string        `json:"state"`
	Version          string        `json:"version"`
	SyncQueue        string        `json:"syncQueue"`
	Caches           []string      `json:"caches"`
	QueueDepth       int           `json:"queueDepth"`
	LastInstallError string        `json:"lastInstallError,omitempty"`
	Stats            StatsSnapshot `json:"stats"`
}

func (w *Worker) Status() (Status, error) {
	w.mu.Lock()
	st := Status{
		State:     w.state.String(),
		Version:   w.cfg.Cache.Version,
		SyncQueue: w.cfg.Cache.SyncQueue,
		Stats:     w.stats.Snapshot(),
	}
	if w.lastInstallErr != nil {
		st.LastInstallError = w.lastInstallErr.Error()
	}
	w.mu.Unlock()

	names, err := w.store.Names()
	if err != nil {
		return Status{}, err
	}
	st.Caches = names
	depth, err := w.queueDepth()
	if err != nil {
		return Status{}, err
	}
	st.QueueDepth = depth
	return st, nil
}

// originURL resolves a path or absolute URL against server.origin.
func (w *Worker) originURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return w.cfg.Server.Origin + u
}

// roundTrip issues one network request and snapshots the response.
func (w *Worker) roundTrip(req *http.Request) (Response, error) {
	w.stats.networkCalls.Add(1)
	resp, err := w.net.Do(req)
	if err != nil {
		w.stats.networkFailures.Add(1)
		return Response{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.stats.networkFailures.Add(1)
		return Response{}, err
	}
	out := Response{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: w.now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func is2xx(status int) bool { return status >= 200 && status < 300 }
