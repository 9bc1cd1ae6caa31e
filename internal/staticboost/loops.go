package staticboost

import (
	"time"

	"github.com/dustin/go-humanize"

	"staticboost/internal/errors"
)

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	req := s.icpt.Stats()
	ev := s.log.Info().
		Uint64("hits", req.Hits).
		Uint64("misses", req.Misses).
		Uint64("bypassed", req.Bypassed).
		Uint64("captured", req.Captured).
		Str("served_min_avg_max", humanize.IBytes(req.MinServedBytes)+"/"+
			humanize.IBytes(req.AvgServedBytes)+"/"+humanize.IBytes(req.MaxServedBytes))
	if st, err := s.store.Stats(); err == nil {
		ev = ev.Int("pages", st.Files).Str("disk", humanize.IBytes(uint64(st.Bytes)))
	} else {
		ev = ev.AnErr("store_err", err)
	}
	if rss, ok := residentBytes(); ok {
		ev = ev.Str("rss", humanize.IBytes(rss))
	}
	if vals, ok := memoryBreakdown(); ok {
		ev = ev.Str("mem", formatBreakdown(vals))
	}
	ev.Msg("cache stats")
}

// preloadLoop re-captures the root and the newest pages on every tick. A
// tick that finds a run in progress is skipped.
func (s *Service) preloadLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			sum, err := s.regen.Preload(s.ctx, 0)
			switch {
			case errors.Is(err, errors.ErrConflict):
				s.log.Debug().Msg("preload skipped, a run is in progress")
			case err != nil:
				s.log.Warn().Err(err).Msg("scheduled preload failed")
			default:
				s.log.Debug().Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).Msg("scheduled preload done")
			}
		}
	}
}
