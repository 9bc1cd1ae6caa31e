// Package regen warms the artifact store out of band: it enumerates every
// cacheable URL (or the most recent few), fetches each from the origin as an
// anonymous visitor and captures the result.
package regen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"staticboost/internal/errors"
	"staticboost/internal/intercept"
	"staticboost/internal/pathmap"
	"staticboost/internal/policy"
)

type State string

const (
	StateIdle         State = "IDLE"
	StateEnumerating  State = "ENUMERATING"
	StateBatchRunning State = "BATCH_RUNNING"
	StateDone         State = "DONE"
	StateAborted      State = "ABORTED"
)

// Kind names a run so that full runs and preloads keep separate progress.
type Kind string

const (
	KindFull    Kind = "regenerate"
	KindPreload Kind = "preload"
)

type Enumerator interface {
	List(ctx context.Context) ([]string, error)
}

type RecentLister interface {
	Recent(ctx context.Context, limit int) ([]string, error)
}

type Capturer interface {
	Capture(ctx context.Context, pageURL string, out intercept.Rendered) error
}

type Filter interface {
	EvaluateURL(rawURL string) policy.Decision
}

// Root is the artifact root as the regenerator needs it.
type Root interface {
	CheckWritable() error
	ClearAll() error
}

type Failure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

type Summary struct {
	JobID     ulid.ULID `json:"job_id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	// Resumed counts URLs skipped because an interrupted run already
	// captured them.
	Resumed  int       `json:"resumed"`
	Excluded int       `json:"excluded"`
	Failures []Failure `json:"failures,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

type Config struct {
	Enumerator Enumerator
	Recent     RecentLister
	Fetcher    Fetcher
	Capturer   Capturer
	Filter     Filter
	Root       Root
	// Journal is optional; without it every run starts from zero.
	Journal *Journal

	BatchSize    int
	Delay        time.Duration
	BatchDelay   time.Duration
	Workers      int
	PreloadLimit int

	Logger zerolog.Logger
	Now    func() time.Time
}

type Regenerator struct {
	cfg Config
	log zerolog.Logger

	running atomic.Bool

	mu    sync.Mutex
	state State
	last  map[Kind]Summary
}

func New(cfg Config) *Regenerator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PreloadLimit <= 0 {
		cfg.PreloadLimit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Regenerator{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "regen").Logger(),
		state: StateIdle,
		last:  map[Kind]Summary{},
	}
}

// State reports where the current (or last) run is.
func (g *Regenerator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Regenerator) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Last returns the summary of the last finished run of kind.
func (g *Regenerator) Last(kind Kind) (Summary, bool) {
	g.mu.Lock()
	s, ok := g.last[kind]
	g.mu.Unlock()
	if ok || g.cfg.Journal == nil {
		return s, ok
	}
	s, ok, err := g.cfg.Journal.LastSummary(kind)
	if err != nil {
		g.log.Warn().Err(err).Msg("read last summary")
		return Summary{}, false
	}
	return s, ok
}

type runOptions struct {
	resume bool
	clear  bool
	res    *Reservation
}

type RunOption func(*runOptions)

// WithResume skips URLs that an interrupted run of the same kind captured.
// It needs a Journal.
func WithResume() RunOption { return func(o *runOptions) { o.resume = true } }

// WithClear empties the artifact root before enumerating.
func WithClear() RunOption { return func(o *runOptions) { o.clear = true } }

// WithReservation runs in the slot r holds instead of claiming a new one.
func WithReservation(r *Reservation) RunOption { return func(o *runOptions) { o.res = r } }

// Reservation holds the single run slot between Reserve and the run that
// uses it, so a caller can report a conflict before starting the run.
type Reservation struct {
	g     *Regenerator
	state atomic.Int32 // 0 held, 1 handed to a run, 2 released
}

// Reserve claims the run slot. ok is false while another run holds it.
func (g *Regenerator) Reserve() (*Reservation, bool) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return &Reservation{g: g}, true
}

// Release gives the slot back. Only the first call has an effect, so it is
// safe to defer next to a run given WithReservation.
func (r *Reservation) Release() {
	if r == nil || r.g == nil {
		return
	}
	if r.state.Swap(2) != 2 {
		r.g.running.Store(false)
	}
}

// claim hands the slot to a run of g.
func (r *Reservation) claim(g *Regenerator) bool {
	return r != nil && r.g == g && r.state.CompareAndSwap(0, 1)
}

// RegenerateAll captures every cacheable URL.
func (g *Regenerator) RegenerateAll(ctx context.Context, opts ...RunOption) (Summary, error) {
	if g.cfg.Enumerator == nil {
		return Summary{}, errors.NewConfiguration("no URL enumerator configured", nil)
	}
	return g.run(ctx, KindFull, g.cfg.Enumerator.List, opts)
}

// Preload captures the site root and the most recent URLs, up to limit (the
// configured preload limit when limit <= 0).
func (g *Regenerator) Preload(ctx context.Context, limit int, opts ...RunOption) (Summary, error) {
	if g.cfg.Recent == nil {
		return Summary{}, errors.NewConfiguration("no recent URL source configured", nil)
	}
	if limit <= 0 {
		limit = g.cfg.PreloadLimit
	}
	list := func(ctx context.Context) ([]string, error) { return g.cfg.Recent.Recent(ctx, limit) }
	return g.run(ctx, KindPreload, list, opts)
}

func (g *Regenerator) run(ctx context.Context, kind Kind, list func(context.Context) ([]string, error), opts []RunOption) (Summary, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.res.claim(g) {
		defer o.res.Release()
	} else {
		if !g.running.CompareAndSwap(false, true) {
			return Summary{}, errors.NewConflict("a regeneration is already running")
		}
		defer g.running.Store(false)
	}

	sum := Summary{JobID: ulid.Make(), Kind: kind, Started: g.cfg.Now()}
	log := g.log.With().Str("job", sum.JobID.String()).Str("kind", string(kind)).Logger()
	abort := func(err error) (Summary, error) {
		g.setState(StateAborted)
		sum.State = StateAborted
		sum.Finished = g.cfg.Now()
		log.Error().Err(err).Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).Msg("regeneration aborted")
		return sum, err
	}

	g.setState(StateEnumerating)
	if g.cfg.Root != nil {
		if err := g.cfg.Root.CheckWritable(); err != nil {
			if !errors.Is(err, errors.ErrConfiguration) {
				err = errors.NewConfiguration("artifact root is not writable", err)
			}
			return abort(err)
		}
		if o.clear {
			if err := g.cfg.Root.ClearAll(); err != nil {
				return abort(fmt.Errorf("clear artifact root: %w", err))
			}
		}
	}

	raw, err := list(ctx)
	if err != nil {
		return abort(fmt.Errorf("enumerate urls: %w", err))
	}
	urls, excluded := g.prepare(raw)
	sum.Excluded = excluded

	if j := g.cfg.Journal; j != nil {
		if o.resume {
			done, err := j.Completed(kind)
			if err != nil {
				return abort(fmt.Errorf("read journal: %w", err))
			}
			kept := urls[:0]
			for _, u := range urls {
				if _, ok := done[u]; ok {
					sum.Resumed++
					continue
				}
				kept = append(kept, u)
			}
			urls = kept
		} else if err := j.Reset(kind); err != nil {
			return abort(fmt.Errorf("reset journal: %w", err))
		}
	}
	sum.Total = len(urls)
	log.Info().Int("total", sum.Total).Int("excluded", sum.Excluded).Int("resumed", sum.Resumed).Msg("regeneration started")

	g.setState(StateBatchRunning)
	limit := rate.Inf
	if g.cfg.Delay > 0 {
		limit = rate.Every(g.cfg.Delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		succeeded, failed atomic.Int64
		fmu               sync.Mutex
		failures          = map[int]Failure{}
	)
	fail := func(pos int, u, reason string) {
		failed.Add(1)
		fmu.Lock()
		failures[pos] = Failure{URL: u, Reason: reason}
		fmu.Unlock()
		log.Warn().Str("url", u).Str("reason", reason).Msg("regenerate failed")
	}
	collect := func() {
		sum.Succeeded = int(succeeded.Load())
		sum.Failed = int(failed.Load())
		pos := make([]int, 0, len(failures))
		for p := range failures {
			pos = append(pos, p)
		}
		sort.Ints(pos)
		sum.Failures = sum.Failures[:0]
		for _, p := range pos {
			sum.Failures = append(sum.Failures, failures[p])
		}
	}

	for start := 0; start < len(urls); start += g.cfg.BatchSize {
		if start > 0 && g.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(g.cfg.BatchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			collect()
			return abort(err)
		}
		end := min(start+g.cfg.BatchSize, len(urls))

		var eg errgroup.Group
		eg.SetLimit(g.cfg.Workers)
		for i := start; i < end; i++ {
			pos, u := i, urls[i]
			eg.Go(func() error {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				if reason := g.one(ctx, u); reason != "" {
					fail(pos, u, reason)
					return nil
				}
				succeeded.Add(1)
				if j := g.cfg.Journal; j != nil {
					if err := j.MarkDone(kind, u); err != nil {
						log.Warn().Err(err).Str("url", u).Msg("journal write failed")
					}
				}
				return nil
			})
		}
		_ = eg.Wait()
		log.Debug().Int("batch_start", start).Int("batch_end", end).Int64("succeeded", succeeded.Load()).Int64("failed", failed.Load()).Msg("batch finished")
	}
	if err := ctx.Err(); err != nil {
		collect()
		return abort(err)
	}

	collect()
	sum.State = StateDone
	sum.Finished = g.cfg.Now()
	g.setState(StateDone)
	g.mu.Lock()
	g.last[kind] = sum
	g.mu.Unlock()
	if j := g.cfg.Journal; j != nil {
		if err := j.Finish(sum); err != nil {
			log.Warn().Err(err).Msg("journal finish failed")
		}
	}
	log.Info().
		Int("total", sum.Total).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Dur("took", sum.Finished.Sub(sum.Started)).
		Msg("regeneration done")
	return sum, nil
}

// prepare drops URLs the exclusion policy rejects, then URLs that map to an
// artifact already listed, keeping first-seen order. Filtering comes first so
// an excluded variant such as "/shop/?orderby=price" cannot shadow "/shop/".
func (g *Regenerator) prepare(raw []string) ([]string, int) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	excluded := 0
	for _, u := range raw {
		if u == "" {
			continue
		}
		if g.cfg.Filter != nil {
			if d := g.cfg.Filter.EvaluateURL(u); d.Excluded {
				excluded++
				continue
			}
		}
		rel := pathmap.Map(u)
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, u)
	}
	return out, excluded
}

// one fetches and captures u. It returns the failure reason, or "".
func (g *Regenerator) one(ctx context.Context, u string) string {
	out, err := g.cfg.Fetcher.Fetch(ctx, u)
	if err != nil {
		return err.Error()
	}
	if out.Status != 200 {
		return fmt.Sprintf("status %d", out.Status)
	}
	if len(out.Body) == 0 {
		if out.Truncated {
			return "body exceeds capture limit"
		}
		return "empty body"
	}
	if err := g.cfg.Capturer.Capture(ctx, u, out); err != nil {
		return err.Error()
	}
	return ""
}
