package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// EnqueueRequest is an outbound write to hold until the next sync.
type EnqueueRequest struct {
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}

type ReplayReport struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Dropped   int `json:"dropped"`
	Malformed int `json:"malformed"`
}

type replayResult int

const (
	replayGone replayResult = iota
	replayDelivered
	replayFailed
	replayDeferred
	replayDropped
	replayMalformed
)

func (r replayResult) label() string {
	switch r {
	case replayDelivered:
		return "delivered"
	case replayFailed:
		return "failed"
	case replayDeferred:
		return "deferred"
	case replayDropped:
		return "dropped"
	case replayMalformed:
		return "malformed"
	default:
		return "gone"
	}
}

func (rep *ReplayReport) add(r replayResult) {
	switch r {
	case replayDelivered:
		rep.Delivered++
	case replayFailed:
		rep.Failed++
	case replayDeferred:
		rep.Deferred++
	case replayDropped:
		rep.Dropped++
	case replayMalformed:
		rep.Malformed++
	}
}

// Enqueue stores a pending write in the sync queue and returns its key.
// The payload must be valid JSON no larger than sync.maxPayload. An empty
// URL defaults to sync.endpoint.
func (w *Worker) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if limit := w.cfg.Sync.maxPayloadN; limit > 0 && int64(len(req.Payload)) > limit {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(req.Payload), limit)
	}
	if !json.Valid(req.Payload) {
		return "", ErrInvalidPayload
	}
	u := req.URL
	if u == "" {
		u = w.cfg.Sync.Endpoint
	}

	item := QueueItem{
		ID:         w.newID(),
		Method:     http.MethodPost,
		URL:        normalizeURI(u),
		Payload:    append([]byte(nil), req.Payload...),
		EnqueuedAt: w.now().UnixNano(),
	}
	key := RequestKey(item.Method, item.URL) + "#" + item.ID

	b, err := encodeGob(item)
	if err != nil {
		return "", err
	}
	q, err := w.store.Open(w.cfg.Cache.SyncQueue)
	if err != nil {
		return "", err
	}
	if err := q.Put(key, b); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", key, err)
	}
	w.log.Debug("sync item queued", "key", key, "bytes", len(item.Payload))
	w.refreshQueueDepth()
	return key, nil
}

// PendingItem is a queue entry together with its key.
type PendingItem struct {
	Key  string
	Item QueueItem
}

// Pending lists decodable queue items ordered by enqueue time.
func (w *Worker) Pending() ([]PendingItem, error) {
	q := w.store.cache(w.cfg.Cache.SyncQueue)
	keys, err := q.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]PendingItem, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := q.Match(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var it QueueItem
		if err := decodeGob(raw, &it); err != nil {
			continue
		}
		out = append(out, PendingItem{Key: k, Item: it})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Item.EnqueuedAt < out[j].Item.EnqueuedAt
	})
	return out, nil
}

// Sync handles a sync opportunity. Only the configured tag triggers a replay.
func (w *Worker) Sync(ctx context.Context, tag string) (ReplayReport, error) {
	if tag != w.cfg.Sync.Tag {
		return ReplayReport{}, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	return w.ReplayAll(ctx)
}

// ReplayAll posts every queued item to sync.endpoint. Keys are snapshotted
// up front, so items queued during the pass wait for the next one. Items are
// replayed concurrently and independently; an item is deleted only after a
// 2xx answer, otherwise it stays queued (subject to sync.maxAttempts).
func (w *Worker) ReplayAll(ctx context.Context) (ReplayReport, error) {
	w.replayMu.Lock()
	defer w.replayMu.Unlock()

	start := time.Now()
	q := w.store.cache(w.cfg.Cache.SyncQueue)
	keys, err := q.Keys()
	if err != nil {
		return ReplayReport{}, err
	}

	rep := ReplayReport{Total: len(keys)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.cfg.Sync.Concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			res := w.replayOne(ctx, q, key)
			w.metrics.ReplayTotal.WithLabelValues(res.label()).Inc()
			mu.Lock()
			rep.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	w.metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	w.refreshQueueDepth()
	if rep.Total > 0 {
		w.log.Info("sync replay done",
			"total", rep.Total,
			"delivered", rep.Delivered,
			"failed", rep.Failed,
			"deferred", rep.Deferred,
			"dropped", rep.Dropped,
			"malformed", rep.Malformed,
		)
	}
	return rep, ctx.Err()
}

func (w *Worker) replayOne(ctx context.Context, q *Cache, key string) replayResult {
	raw, ok, err := q.Match(key)
	if err != nil {
		w.replayLog.Warn("sync item read failed", "key", key, "err", err)
		return replayFailed
	}
	if !ok {
		return replayGone
	}

	var item QueueItem
	if err := decodeGob(raw, &item); err != nil {
		return w.malformed(q, key, err)
	}
	if !json.Valid(item.Payload) {
		return w.malformed(q, key, ErrInvalidPayload)
	}
	if item.NextAttemptAt > 0 && w.now().UnixNano() < item.NextAttemptAt {
		return replayDeferred
	}

	err = w.post(ctx, item)
	if err == nil {
		if _, err := q.Delete(key); err != nil {
			// delivered but still queued: the next pass sends it again
			w.log.Error("sync item delete failed", "key", key, "err", err)
			return replayFailed
		}
		w.stats.replayDelivered.Add(1)
		return replayDelivered
	}
	w.stats.replayFailed.Add(1)
	if ctx.Err() != nil {
		return replayFailed
	}

	item.Attempts++
	item.LastError = err.Error()
	if limit := w.cfg.Sync.MaxAttempts; limit > 0 && item.Attempts >= limit {
		if _, derr := q.Delete(key); derr != nil {
			w.log.Error("sync item delete failed", "key", key, "err", derr)
			return replayFailed
		}
		w.stats.replayDropped.Add(1)
		w.log.Error("sync item dropped after max attempts", "key", key, "attempts", item.Attempts, "err", err)
		return replayDropped
	}
	if d := w.retryDelay(item.Attempts); d > 0 {
		item.NextAttemptAt = w.now().Add(d).UnixNano()
	}
	if b, eerr := encodeGob(item); eerr == nil {
		if perr := q.Put(key, b); perr != nil {
			w.log.Error("sync item update failed", "key", key, "err", perr)
		}
	}
	w.replayLog.Warn("sync replay failed", "key", key, "attempts", item.Attempts, "err", err)
	return replayFailed
}

func (w *Worker) malformed(q *Cache, key string, cause error) replayResult {
	if w.cfg.Sync.Malformed == "keep" {
		w.replayLog.Warn("malformed sync item kept", "key", key, "err", cause)
		return replayMalformed
	}
	if _, err := q.Delete(key); err != nil {
		w.log.Error("sync item delete failed", "key", key, "err", err)
		return replayMalformed
	}
	w.stats.replayDropped.Add(1)
	w.log.Error("malformed sync item dropped", "key", key, "err", cause)
	return replayMalformed
}

func (w *Worker) post(ctx context.Context, item QueueItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.originURL(w.cfg.Sync.Endpoint), bytes.NewReader(item.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)

	w.stats.networkCalls.Add(1)
	resp, err := w.net.Do(req)
	if err != nil {
		w.stats.networkFailures.Add(1)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if !is2xx(resp.StatusCode) {
		return &statusError{Status: resp.StatusCode}
	}
	return nil
}

// retryDelay is how long an item waits after its n-th failed attempt:
// backoff.initial doubled per attempt, capped at backoff.max. Zero when
// backoff is disabled.
func (w *Worker) retryDelay(attempts int) time.Duration {
	if w.cfg.Sync.backoffInit <= 0 || attempts <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.Sync.backoffInit,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.cfg.Sync.backoffMaxDur,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts && i < 64; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *Worker) queueDepth() (int, error) {
	return w.store.cache(w.cfg.Cache.SyncQueue).Len()
}

func (w *Worker) refreshQueueDepth() {
	depth, err := w.queueDepth()
	if err != nil {
		if !errors.Is(err, ErrStorageClosed) {
			w.log.Warn("queue depth unavailable", "err", err)
		}
		return
	}
	w.metrics.QueueDepth.Set(float64(depth))
}
