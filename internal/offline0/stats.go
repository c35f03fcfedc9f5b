package offline0

import (
	"math"
	"sync/atomic"
)

// statsCollector keeps in-process counters for the status endpoint and the
// periodic stats log line.
type statsCollector struct {
	cacheHits       atomic.Uint64
	networkCalls    atomic.Uint64
	networkFailures atomic.Uint64

	replayDelivered atomic.Uint64
	replayFailed    atomic.Uint64
	replayDropped   atomic.Uint64

	servedResponses atomic.Uint64
	servedBytes     atomic.Uint64
	minServedBytes  atomic.Uint64
	maxServedBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minServedBytes.Store(math.MaxUint64)
	return s
}

// observeServed records the body size of a response handed to a page.
func (s *statsCollector) observeServed(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.servedResponses.Add(1)
	s.servedBytes.Add(v)

	for {
		cur := s.minServedBytes.Load()
		if v >= cur || s.minServedBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxServedBytes.Load()
		if v <= cur || s.maxServedBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type StatsSnapshot struct {
	CacheHits       uint64 `json:"cacheHits"`
	NetworkCalls    uint64 `json:"networkCalls"`
	NetworkFailures uint64 `json:"networkFailures"`
	ReplayDelivered uint64 `json:"replayDelivered"`
	ReplayFailed    uint64 `json:"replayFailed"`
	ReplayDropped   uint64 `json:"replayDropped"`
	ServedResponses uint64 `json:"servedResponses"`
	MinServedBytes  uint64 `json:"minServedBytes"`
	AvgServedBytes  uint64 `json:"avgServedBytes"`
	MaxServedBytes  uint64 `json:"maxServedBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		CacheHits:       s.cacheHits.Load(),
		NetworkCalls:    s.networkCalls.Load(),
		NetworkFailures: s.networkFailures.Load(),
		ReplayDelivered: s.replayDelivered.Load(),
		ReplayFailed:    s.replayFailed.Load(),
		ReplayDropped:   s.replayDropped.Load(),
		ServedResponses: s.servedResponses.Load(),
	}
	if out.ServedResponses == 0 {
		return out
	}
	out.MinServedBytes = s.minServedBytes.Load()
	out.MaxServedBytes = s.maxServedBytes.Load()
	out.AvgServedBytes = s.servedBytes.Load() / out.ServedResponses
	return out
}
