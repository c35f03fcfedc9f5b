package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

type InstallReport struct {
	Version  string
	Assets   int
	Bytes    int64
	Duration time.Duration
}

type ActivateReport struct {
	Version string
	Deleted []string
}

// Install precaches the static asset set into the cache named by
// cache.version. Population is all-or-nothing: every asset must come back
// 2xx before anything is written, and the write itself is one atomic batch
// that replaces the previous content of that cache. On failure the worker
// moves to InstallFailed and returns an *InstallError; calling Install again
// retries from scratch.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	if err := w.transition([]State{StateRegistering, StateInstallFailed, StateInstalled}, StateInstalling); err != nil {
		return InstallReport{}, err
	}

	start := time.Now()
	rep, err := w.precache(ctx)
	rep.Version = w.cfg.Cache.Version
	rep.Duration = time.Since(start)

	w.mu.Lock()
	w.lastInstallErr = err
	if err != nil {
		w.state = StateInstallFailed
	} else {
		w.state = StateInstalled
	}
	w.mu.Unlock()

	if err != nil {
		w.metrics.InstallTotal.WithLabelValues("failed").Inc()
		w.log.Error("install failed", "version", rep.Version, "err", err)
		return rep, err
	}
	w.metrics.InstallTotal.WithLabelValues("ok").Inc()
	w.log.Info("installed", "version", rep.Version, "assets", rep.Assets, "bytes", formatBytes(uint64(rep.Bytes)), "took", rep.Duration)
	return rep, nil
}

func (w *Worker) precache(ctx context.Context) (InstallReport, error) {
	urls, err := w.resolveAssets(ctx)
	if err != nil {
		return InstallReport{}, err
	}

	entries := make([]KV, len(urls))
	failed := make([]error, len(urls))
	var total int64
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(w.cfg.Precache.Concurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			resp, err := w.fetchAsset(ctx, u)
			if err == nil {
				var b []byte
				b, err = encodeGob(resp)
				entries[i] = KV{Key: RequestKey(http.MethodGet, u), Value: b}
				mu.Lock()
				total += int64(len(resp.Body))
				mu.Unlock()
			}
			failed[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var ie *InstallError
	for i, err := range failed {
		if err == nil {
			continue
		}
		if ie == nil {
			ie = &InstallError{Version: w.cfg.Cache.Version}
		}
		ie.Failures = append(ie.Failures, AssetFailure{URL: urls[i], Err: err})
	}
	if ie != nil {
		return InstallReport{}, ie
	}

	if err := w.store.Replace(w.cfg.Cache.Version, entries); err != nil {
		return InstallReport{}, fmt.Errorf("store %s: %w", w.cfg.Cache.Version, err)
	}
	return InstallReport{Assets: len(entries), Bytes: total}, nil
}

func (w *Worker) fetchAsset(ctx context.Context, u string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.originURL(u), nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := w.roundTrip(req)
	if err != nil {
		return Response{}, err
	}
	if !is2xx(resp.Status) {
		return Response{}, &statusError{Status: resp.Status}
	}
	return resp, nil
}

// Activate deletes every cache that is neither the current version nor the
// sync queue, makes sure the sync queue exists, and moves the worker to
// Active. It is only valid right after a successful Install. If a delete
// fails the worker stays Installed and Activate can be called again.
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	if err := w.transition([]State{StateInstalled}, StateActivating); err != nil {
		return ActivateReport{}, err
	}
	rep := ActivateReport{Version: w.cfg.Cache.Version}

	fail := func(err error) (ActivateReport, error) {
		w.setState(StateInstalled)
		w.log.Error("activate failed", "version", rep.Version, "err", err)
		return rep, err
	}

	names, err := w.store.Names()
	if err != nil {
		return fail(err)
	}
	for _, name := range names {
		if name == w.cfg.Cache.Version || name == w.cfg.Cache.SyncQueue {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		ok, err := w.store.Delete(name)
		if err != nil {
			return fail(fmt.Errorf("delete cache %s: %w", name, err))
		}
		if ok {
			rep.Deleted = append(rep.Deleted, name)
			w.metrics.CachesDeleted.Inc()
		}
	}
	if _, err := w.store.Open(w.cfg.Cache.SyncQueue); err != nil {
		return fail(err)
	}

	w.setState(StateActive)
	w.log.Info("activated", "version", rep.Version, "deleted", rep.Deleted)
	if depth, err := w.queueDepth(); err == nil {
		w.metrics.QueueDepth.Set(float64(depth))
	}
	return rep, nil
}

// Register installs, retrying with exponential backoff until success, ctx
// cancellation or install.retryFor, then activates. Calling it on an active
// worker is a no-op.
func (w *Worker) Register(ctx context.Context) error {
	if w.State() == StateActive {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = w.cfg.Install.retryForDur

	op := func() error {
		_, err := w.Install(ctx)
		if errors.Is(err, ErrInvalidTransition) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		w.log.Warn("install will be retried", "in", next, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	_, err := w.Activate(ctx)
	return err
}
