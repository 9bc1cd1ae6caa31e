package intercept

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	bypassed  atomic.Uint64
	captured  atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
	readFails atomic.Uint64

	servedBytes atomic.Uint64
	minServed   atomic.Uint64
	maxServed   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minServed.Store(math.MaxUint64)
	return s
}

// observeHit records one response served from disk.
func (s *statsCollector) observeHit(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.hits.Add(1)
	s.servedBytes.Add(v)
	for {
		cur := s.minServed.Load()
		if v >= cur || s.minServed.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxServed.Load()
		if v <= cur || s.maxServed.CompareAndSwap(cur, v) {
			break
		}
	}
}

// Stats is a snapshot of the interceptor counters since start.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Bypassed   uint64 `json:"bypassed"`
	Captured   uint64 `json:"captured"`
	Rejected   uint64 `json:"rejected"`
	Failed     uint64 `json:"failed"`
	ReadFailed uint64 `json:"read_failed"`

	MinServedBytes uint64 `json:"min_served_bytes"`
	AvgServedBytes uint64 `json:"avg_served_bytes"`
	MaxServedBytes uint64 `json:"max_served_bytes"`
}

func (s *statsCollector) snapshot() Stats {
	out := Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Bypassed:   s.bypassed.Load(),
		Captured:   s.captured.Load(),
		Rejected:   s.rejected.Load(),
		Failed:     s.failed.Load(),
		ReadFailed: s.readFails.Load(),
	}
	if out.Hits == 0 {
		return out
	}
	out.MinServedBytes = s.minServed.Load()
	if out.MinServedBytes == math.MaxUint64 {
		out.MinServedBytes = 0
	}
	out.MaxServedBytes = s.maxServed.Load()
	out.AvgServedBytes = s.servedBytes.Load() / out.Hits
	return out
}
