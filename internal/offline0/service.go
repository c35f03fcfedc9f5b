package offline0

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Service hosts a Worker: it registers it, grants periodic sync
// opportunities, logs stats and exposes the HTTP surface.
type Service struct {
	cfg Config
	log *slog.Logger

	store    *Storage
	worker   *Worker
	registry *prometheus.Registry

	ctx    context.Context
	cancel context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, log *slog.Logger) (*Service, error) {
	st, err := OpenStorage(cfg.Storage.Path, cfg.Storage.Memo.Entries)
	if err != nil {
		return nil, err
	}
	return newService(cfg, log, st, &http.Client{Timeout: 30 * time.Second}), nil
}

func newService(cfg Config, log *slog.Logger, st *Storage, net Network) *Service {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: reg,
		worker: NewWorker(cfg, st,
			WithNetwork(net),
			WithLogger(log),
			WithMetrics(NewMetrics(reg)),
		),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
}

func (s *Service) Worker() *Worker { return s.worker }

// Start registers the worker in the background and starts the sync and
// stats loops. The sync loop only replays once the worker is active.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Register(s.ctx); err != nil {
			if s.ctx.Err() == nil {
				s.log.Error("registration gave up", "err", err)
			}
			return
		}
		// a sync opportunity right after activation flushes what was queued
		// while the previous process was down
		s.syncOnce()
	}()

	if every := s.cfg.Sync.everyDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(every, s.syncOnce)
		}()
	}

	if every := s.cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(every, s.logStats)
		}()
	}
}

// Close stops the loops and closes storage. Later calls do nothing.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.stopCh)
		s.wg.Wait()
		if err := s.store.Close(); err != nil {
			s.log.Warn("close storage", "err", err)
		}
	})
}

func (s *Service) loop(every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Service) syncOnce() {
	if s.worker.State() != StateActive {
		return
	}
	if _, err := s.worker.Sync(s.ctx, s.cfg.Sync.Tag); err != nil && s.ctx.Err() == nil {
		s.log.Warn("sync pass failed", "err", err)
	}
}

func (s *Service) logStats() {
	st, err := s.worker.Status()
	if err != nil {
		s.log.Warn("stats unavailable", "err", err)
		return
	}
	s.log.Info("stats",
		"state", st.State,
		"caches", len(st.Caches),
		"queue", st.QueueDepth,
		"hits", st.Stats.CacheHits,
		"network", st.Stats.NetworkCalls,
		"networkFailures", st.Stats.NetworkFailures,
		"delivered", st.Stats.ReplayDelivered,
		"resp", formatBytes(st.Stats.MinServedBytes)+"/"+formatBytes(st.Stats.AvgServedBytes)+"/"+formatBytes(st.Stats.MaxServedBytes),
	)
}
