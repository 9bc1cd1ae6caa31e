// Package staticboost wires the cache layer into a running front for a CMS
// origin: the interceptor around an origin proxy, invalidation, regeneration
// and the admin API, plus the background stats and preload loops.
package staticboost

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"staticboost/internal/admin"
	"staticboost/internal/content"
	"staticboost/internal/errors"
	"staticboost/internal/intercept"
	"staticboost/internal/invalidate"
	"staticboost/internal/policy"
	"staticboost/internal/regen"
	"staticboost/internal/rewrite"
	"staticboost/internal/settings"
	"staticboost/internal/store"
)

type Service struct {
	cfg settings.Config
	log zerolog.Logger

	settings settings.Provider
	watcher  *settings.Viper

	store   *store.Store
	policy  *policy.Policy
	icpt    *intercept.Interceptor
	router  *invalidate.Router
	regen   *regen.Regenerator
	admin   *admin.Server
	index   *content.Index
	journal *regen.Journal
	proxy   http.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewService builds every component from cfg. Background loops do not run
// until Start, so one-shot commands can use the same wiring.
func NewService(cfg settings.Config, log zerolog.Logger) (*Service, error) {
	s := &Service{cfg: cfg, log: log}

	if cfg.SettingsFile != "" {
		v, err := settings.NewViper(cfg.SettingsFile, cfg.Cache, log)
		if err != nil {
			return nil, errors.NewConfiguration("read settings file "+cfg.SettingsFile, err)
		}
		s.watcher = v
		s.settings = v
	} else {
		s.settings = settings.NewStatic(cfg.Cache)
	}

	st, err := store.New(cfg.Storage.Root,
		store.WithTTL(settings.TTLFunc(s.settings)),
		store.WithGzip(cfg.GzipEnabled()),
		store.WithPreserve(cfg.Storage.Preserve...),
		store.WithLogger(log.With().Str("component", "store").Logger()),
	)
	if err != nil {
		return nil, err
	}
	s.store = st

	s.policy = policy.New(s.settings,
		policy.CookiePrefixes{Label: "commerce", Prefixes: cfg.Request.CommerceCookies},
		policy.QueryParams{Label: "edit_mode", Params: cfg.Request.EditParams},
	)

	pipeline := rewrite.DefaultPipeline(s.settings, log, rewrite.Options{
		SiteURL:  cfg.Server.SiteURL,
		AssetDir: cfg.Assets.Dir,
		AssetURL: cfg.Assets.URL,
	})

	s.icpt = intercept.New(intercept.Config{
		Settings:    s.settings,
		Policy:      s.policy,
		Store:       st,
		Rewriter:    pipeline,
		AuthCookies: cfg.Request.AuthCookies,
		SiteURL:     cfg.Server.SiteURL,
		MaxBody:     cfg.Storage.MaxBodyBytes,
		Logger:      log,
	})
	s.proxy = newOriginProxy(cfg.Server.Origin, cfg.Regen.TimeoutDur)

	if err := s.openContent(); err != nil {
		s.Close()
		return nil, err
	}
	lister := s.lister()

	icfg := invalidate.Config{Store: st, SiteURL: cfg.Server.SiteURL, Logger: log}
	if s.index != nil {
		icfg.Resolver = s.index
		icfg.Sources = []invalidate.Source{s.index}
	}
	s.router = invalidate.New(icfg)

	s.regen = regen.New(regen.Config{
		Enumerator: lister,
		Recent:     lister,
		Fetcher: &regen.HTTPFetcher{
			Origin:    cfg.Server.Origin,
			UserAgent: cfg.Regen.UserAgent,
			Timeout:   cfg.Regen.TimeoutDur,
			MaxBody:   cfg.Storage.MaxBodyBytes,
		},
		Capturer:     s.icpt,
		Filter:       s.policy,
		Root:         st,
		Journal:      s.journal,
		BatchSize:    cfg.Regen.BatchSize,
		Delay:        cfg.Regen.DelayDur,
		BatchDelay:   cfg.Regen.BatchDelayDur,
		Workers:      cfg.Regen.Workers,
		PreloadLimit: cfg.Regen.PreloadLimit,
		Logger:       log,
	})

	s.ctx, s.cancel = context.WithCancel(context.Background())
	acfg := admin.Config{
		Token:       cfg.Server.AdminToken,
		Interceptor: s.icpt,
		Store:       st,
		Invalidator: s.router,
		Regenerator: s.regen,
		Background:  s.ctx,
		Logger:      log,
	}
	if s.index != nil {
		acfg.Content = s.index
	}
	s.admin = admin.New(acfg)
	return s, nil
}

func (s *Service) openContent() error {
	if p := s.cfg.Content.DB; p != "" {
		idx, err := content.Open(p, s.cfg.Server.SiteURL)
		if err != nil {
			return errors.NewConfiguration("open content index", err)
		}
		s.index = idx
	}
	if p := s.cfg.Journal.Path; p != "" {
		j, err := regen.OpenJournal(p)
		if err != nil {
			return errors.NewConfiguration("open regeneration journal", err)
		}
		s.journal = j
	}
	return nil
}

// lister picks the URL source for regeneration: the content index and
// sitemaps when configured, the pages already stored otherwise.
func (s *Service) lister() content.Lister {
	var u content.Union
	if s.index != nil {
		u = append(u, s.index)
	}
	if len(s.cfg.Content.Sitemaps) > 0 {
		u = append(u, &content.Sitemap{
			Origin:   s.cfg.Server.Origin,
			SiteURL:  s.cfg.Server.SiteURL,
			Sitemaps: s.cfg.Content.Sitemaps,
			Client:   &http.Client{Timeout: 30 * time.Second},
			Logger:   s.log.With().Str("component", "sitemap").Logger(),
		})
	}
	if len(u) == 0 {
		return knownPages{store: s.store, siteURL: s.cfg.Server.SiteURL}
	}
	return u
}

// Handler serves visitors: stored pages when fresh, the origin otherwise.
func (s *Service) Handler() http.Handler {
	h := s.icpt.Middleware(s.proxy)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("took", d).
			Msg("request")
	})(h)
	return hlog.NewHandler(s.log)(h)
}

func (s *Service) AdminHandler() http.Handler { return s.admin.Handler() }

// Start launches the stats and scheduled preload loops when configured.
func (s *Service) Start() {
	if s.watcher != nil {
		s.watcher.Watch()
	}
	if every := s.cfg.Logging.StatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	if every := s.cfg.Regen.PreloadEveryDur; every > 0 {
		s.log.Info().Dur("every", every).Int("limit", s.cfg.Regen.PreloadLimit).Msg("scheduled preload enabled")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.preloadLoop(every)
		}()
	}
}

// Close stops the loops, waits for background runs and captures and
// releases the index and journal. It is safe to call more than once.
func (s *Service) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.admin != nil {
			s.admin.Wait()
		}
		if s.icpt != nil {
			s.icpt.Wait()
		}
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close journal")
			}
		}
		if s.index != nil {
			if err := s.index.Close(); err != nil {
				s.log.Warn().Err(err).Msg("close content index")
			}
		}
	})
}

func (s *Service) RegenerateAll(ctx context.Context, opts ...regen.RunOption) (regen.Summary, error) {
	return s.regen.RegenerateAll(ctx, opts...)
}

func (s *Service) Preload(ctx context.Context, limit int) (regen.Summary, error) {
	return s.regen.Preload(ctx, limit)
}

func (s *Service) Invalidate(ctx context.Context, urls []string) invalidate.Result {
	return s.router.Invalidate(ctx, urls)
}

func (s *Service) ClearAll() error { return s.store.ClearAll() }

// Report is what the stats command prints.
type Report struct {
	Artifacts store.Stats
	Requests  intercept.Stats
	LastRun   *regen.Summary
}

func (s *Service) Report() (Report, error) {
	st, err := s.store.Stats()
	if err != nil {
		return Report{}, fmt.Errorf("artifact stats: %w", err)
	}
	r := Report{Artifacts: st, Requests: s.icpt.Stats()}
	if sum, ok := s.regen.Last(regen.KindFull); ok {
		r.LastRun = &sum
	}
	return r, nil
}
