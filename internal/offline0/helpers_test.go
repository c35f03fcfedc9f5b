package offline0

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("network unreachable")

// testNet is an in-process Network that routes requests to a handler and
// records every call.
type testNet struct {
	mu      sync.Mutex
	handler http.Handler
	fail    func(*http.Request) bool
	calls   []string
}

func newTestNet(h http.Handler) *testNet { return &testNet{handler: h} }

func (n *testNet) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.RequestURI())
	fail, h := n.fail, n.handler
	n.mu.Unlock()

	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if fail != nil && fail(req) {
		return nil, errUnreachable
	}
	if req.Body == nil {
		req.Body = http.NoBody
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (n *testNet) setFail(f func(*http.Request) bool) {
	n.mu.Lock()
	n.fail = f
	n.mu.Unlock()
}

func (n *testNet) offline() { n.setFail(func(*http.Request) bool { return true }) }

func (n *testNet) online() { n.setFail(nil) }

func (n *testNet) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *testNet) reset() {
	n.mu.Lock()
	n.calls = nil
	n.mu.Unlock()
}

// site serves fixed bodies by path and 404 for anything else.
func site(pages map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, body)
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test\n" + extra))
	require.NoError(t, err)
	return cfg
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := OpenMemStorage(16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestWorker(t *testing.T, cfg Config, net Network, opts ...WorkerOption) (*Worker, *Storage) {
	t.Helper()
	st := newTestStorage(t)
	opts = append([]WorkerOption{WithNetwork(net), WithLogger(discardLogger())}, opts...)
	return NewWorker(cfg, st, opts...), st
}
