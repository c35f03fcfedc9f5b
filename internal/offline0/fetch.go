package offline0

import (
	"context"
	"io"
	"net/http"
)

// Fetch answers a page request. An active worker serves any stored match
// from the static caches without touching the network; everything else costs
// exactly one network call whose response is returned as is and never
// stored. There is no freshness check: a cached copy wins even when the
// origin has changed. When the network fails a *FetchError is returned.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (Response, Source, error) {
	key := RequestKey(r.Method, r.URL.RequestURI())

	if w.State() == StateActive {
		if rule := w.cfg.pickRule(r.URL.Path); rule == nil || !rule.Bypass {
			lookupKey := key
			if r.Method == http.MethodHead {
				// HEAD is answered from the stored GET
				lookupKey = RequestKey(http.MethodGet, r.URL.RequestURI())
			}
			if resp, ok := w.lookup(lookupKey); ok {
				w.stats.cacheHits.Add(1)
				w.metrics.FetchTotal.WithLabelValues(string(SourceCache)).Inc()
				return resp, SourceCache, nil
			}
		}
	}

	resp, err := w.forward(ctx, r.Method, r.URL.RequestURI(), r.Header, r.Body)
	if err != nil {
		w.metrics.FetchTotal.WithLabelValues("error").Inc()
		return Response{}, "", &FetchError{Key: key, Err: err}
	}
	w.metrics.FetchTotal.WithLabelValues(string(SourceNetwork)).Inc()
	return resp, SourceNetwork, nil
}

// lookup searches the static caches for key, current version first. The
// sync queue holds queue records, not responses, and is skipped.
func (w *Worker) lookup(key string) (Response, bool) {
	names, err := w.store.Names()
	if err != nil {
		w.log.Warn("cache lookup failed", "key", key, "err", err)
		return Response{}, false
	}
	order := make([]string, 0, len(names))
	order = append(order, w.cfg.Cache.Version)
	for _, n := range names {
		if n != w.cfg.Cache.Version && n != w.cfg.Cache.SyncQueue {
			order = append(order, n)
		}
	}

	for _, name := range order {
		c := w.store.cache(name)
		raw, ok, err := c.Match(key)
		if err != nil {
			w.log.Warn("cache lookup failed", "cache", name, "key", key, "err", err)
			continue
		}
		if !ok {
			continue
		}
		var resp Response
		if err := decodeGob(raw, &resp); err != nil {
			w.log.Warn("undecodable cache entry", "cache", name, "key", key, "err", err)
			continue
		}
		return resp, true
	}
	return Response{}, false
}

// forward sends one request to the origin.
func (w *Worker) forward(ctx context.Context, method, uri string, header http.Header, body io.Reader) (Response, error) {
	if method == http.MethodGet || method == http.MethodHead {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, method, w.originURL(uri), body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")
	return w.roundTrip(req)
}
