package offline0

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"net/url"
	"strings"
)

// Response is a stored response snapshot.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// QueueItem is a pending outbound write held in the sync queue cache.
type QueueItem struct {
	ID      string
	Method  string
	URL     string
	Payload []byte // raw JSON

	EnqueuedAt int64 // unix nanoseconds

	// Attempts counts failed replays so far.
	Attempts      int
	NextAttemptAt int64 // unix nanoseconds, zero means due now
	LastError     string
}

type State int

const (
	StateRegistering State = iota
	StateInstalling
	StateInstallFailed
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateInstalling:
		return "installing"
	case StateInstallFailed:
		return "install-failed"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Source tells where a fetched response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// RequestKey normalizes a request into the descriptor caches are keyed by:
// upper-cased method, a space, then path and query. Scheme, host and
// fragment are dropped so "/about" and "http://site/about#top" share a key.
func RequestKey(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + normalizeURI(rawURL)
}

func normalizeURI(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexByte(rawURL, '#'); i >= 0 {
			rawURL = rawURL[:i]
		}
		return rawURL
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	} else if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
