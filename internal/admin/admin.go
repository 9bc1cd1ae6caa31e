// Package admin is the operator control surface: stats, invalidation,
// clearing and regeneration over a small JSON API.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"staticboost/internal/content"
	"staticboost/internal/errors"
	"staticboost/internal/intercept"
	"staticboost/internal/invalidate"
	"staticboost/internal/regen"
	"staticboost/internal/store"
)

type Interceptor interface {
	Stats() intercept.Stats
}

type Store interface {
	Stats() (store.Stats, error)
	ClearAll() error
}

type Invalidator interface {
	Invalidate(ctx context.Context, urls []string) invalidate.Result
	OnContentChange(ctx context.Context, urls []string) invalidate.Result
	OnItemChanged(ctx context.Context, ev invalidate.Event) invalidate.Result
}

type Regenerator interface {
	RegenerateAll(ctx context.Context, opts ...regen.RunOption) (regen.Summary, error)
	Preload(ctx context.Context, limit int, opts ...regen.RunOption) (regen.Summary, error)
	Last(kind regen.Kind) (regen.Summary, bool)
	State() regen.State
	Reserve() (*regen.Reservation, bool)
}

// ContentIndex receives item and term upserts from the CMS.
type ContentIndex interface {
	PutItem(ctx context.Context, it content.Item) error
	PutTerm(ctx context.Context, t content.Term) error
	Link(ctx context.Context, itemID, termID string) error
}

type Config struct {
	// Token is the bearer token every request must carry. Empty disables
	// the check; bind the admin port to localhost in that case.
	Token string

	Interceptor Interceptor
	Store       Store
	Invalidator Invalidator
	Regenerator Regenerator
	// Content is optional; without it PUT /content/items is not routed.
	Content ContentIndex

	// Background is the parent of runs started without ?wait=1. Cancelling
	// it aborts them between batches.
	Background context.Context
	Logger     zerolog.Logger
}

type Server struct {
	cfg Config
	log zerolog.Logger
	wg  sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Background == nil {
		cfg.Background = context.Background()
	}
	return &Server{cfg: cfg, log: cfg.Logger.With().Str("component", "admin").Logger()}
}

// Wait blocks until background runs have returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Dur("took", d).
			Msg("admin request")
	}))
	r.Use(s.auth)

	r.Get("/stats", s.stats)
	r.Post("/invalidate", s.invalidate)
	r.Post("/content-change", s.contentChange)
	r.Post("/clear", s.clear)
	r.Post("/regenerate", s.regenerate)
	r.Post("/preload", s.preload)
	r.Get("/regenerate/last", s.last)
	if s.cfg.Content != nil {
		r.Put("/content/items", s.putItem)
	}
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type artifactStats struct {
	Files         int       `json:"files"`
	Bytes         int64     `json:"bytes"`
	Size          string    `json:"size"`
	LastGenerated time.Time `json:"last_generated,omitzero"`
	Age           string    `json:"age,omitempty"`
}

type statsResponse struct {
	Requests  intercept.Stats `json:"requests"`
	Artifacts artifactStats   `json:"artifacts"`
	Regen     regen.State     `json:"regen_state"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.Stats()
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := statsResponse{
		Requests: s.cfg.Interceptor.Stats(),
		Artifacts: artifactStats{
			Files: st.Files,
			Bytes: st.Bytes,
			Size:  humanize.IBytes(uint64(st.Bytes)),
		},
		Regen: s.cfg.Regenerator.State(),
	}
	if !st.LastGenerated.IsZero() {
		resp.Artifacts.LastGenerated = st.LastGenerated.UTC()
		resp.Artifacts.Age = humanize.Time(st.LastGenerated)
	}
	writeJSON(w, http.StatusOK, resp)
}

type changeRequest struct {
	URLs   []string        `json:"urls"`
	ItemID string          `json:"item_id"`
	Kind   invalidate.Kind `json:"kind"`
}

type changeResponse struct {
	Paths []string `json:"paths"`
	Error string   `json:"error,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewInvalidRequest("bad request body: " + err.Error())
	}
	return nil
}

func writeResult(w http.ResponseWriter, res invalidate.Result) {
	resp := changeResponse{Paths: res.Paths}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		status = http.StatusMultiStatus
	}
	if resp.Paths == nil {
		resp.Paths = []string{}
	}
	writeJSON(w, status, resp)
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, r, errors.NewInvalidRequest("urls is required"))
		return
	}
	writeResult(w, s.cfg.Invalidator.Invalidate(r.Context(), req.URLs))
}

func (s *Server) contentChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ItemID != "" {
		if req.Kind == "" {
			req.Kind = invalidate.KindSaved
		}
		if !req.Kind.Valid() {
			writeError(w, r, errors.NewInvalidRequest("unknown kind "+strconv.Quote(string(req.Kind))))
			return
		}
		writeResult(w, s.cfg.Invalidator.OnItemChanged(r.Context(), invalidate.Event{ItemID: req.ItemID, Kind: req.Kind}))
		return
	}
	writeResult(w, s.cfg.Invalidator.OnContentChange(r.Context(), req.URLs))
}

type termBody struct {
	ID       string           `json:"id"`
	URL      string           `json:"url"`
	Taxonomy content.Taxonomy `json:"taxonomy"`
}

type itemBody struct {
	ID          string           `json:"id"`
	URL         string           `json:"url"`
	Kind        content.ItemKind `json:"kind"`
	Published   bool             `json:"published"`
	PublishedAt time.Time        `json:"published_at"`
	Terms       []termBody       `json:"terms"`
}

// putItem upserts an item and the terms it is listed under. It does not
// invalidate anything; the CMS follows up with /content-change.
func (s *Server) putItem(w http.ResponseWriter, r *http.Request) {
	var req itemBody
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = content.KindPost
	}
	ctx := r.Context()
	it := content.Item{ID: req.ID, URL: req.URL, Kind: req.Kind, Published: req.Published, PublishedAt: req.PublishedAt}
	if err := s.cfg.Content.PutItem(ctx, it); err != nil {
		writeError(w, r, err)
		return
	}
	for _, t := range req.Terms {
		if err := s.cfg.Content.PutTerm(ctx, content.Term{ID: t.ID, URL: t.URL, Taxonomy: t.Taxonomy}); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.cfg.Content.Link(ctx, req.ID, t.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "terms": len(req.Terms)})
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.ClearAll(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

func flag(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// start runs fn inline for ?wait=1 and in the background otherwise. A
// background run holds its slot before the 202 goes out.
func (s *Server) start(w http.ResponseWriter, r *http.Request, fn func(context.Context, ...regen.RunOption) (regen.Summary, error)) {
	if flag(r, "wait") {
		sum, err := fn(r.Context())
		if err != nil {
			writeErrorWith(w, r, err, sum)
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}
	res, ok := s.cfg.Regenerator.Reserve()
	if !ok {
		writeError(w, r, errors.NewConflict("a regeneration is already running"))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer res.Release()
		if _, err := fn(s.cfg.Background, regen.WithReservation(res)); err != nil {
			s.log.Warn().Err(err).Msg("background regeneration ended with error")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) regenerate(w http.ResponseWriter, r *http.Request) {
	var opts []regen.RunOption
	if flag(r, "resume") {
		opts = append(opts, regen.WithResume())
	}
	if flag(r, "clear") {
		opts = append(opts, regen.WithClear())
	}
	s.start(w, r, func(ctx context.Context, extra ...regen.RunOption) (regen.Summary, error) {
		return s.cfg.Regenerator.RegenerateAll(ctx, append(opts, extra...)...)
	})
}

func (s *Server) preload(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, errors.NewInvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	s.start(w, r, func(ctx context.Context, opts ...regen.RunOption) (regen.Summary, error) {
		return s.cfg.Regenerator.Preload(ctx, limit, opts...)
	})
}

func (s *Server) last(w http.ResponseWriter, r *http.Request) {
	kind := regen.KindFull
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = regen.Kind(k)
	}
	sum, ok := s.cfg.Regenerator.Last(kind)
	if !ok {
		writeError(w, r, &errors.Error{Code: errors.ErrNotFound, Message: "no finished " + string(kind) + " run"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrInvalidRequest:
		return http.StatusBadRequest
	case errors.ErrConflict:
		return http.StatusConflict
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrConfiguration:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWith(w, r, err, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, err error, detail any) {
	status := statusFor(err)
	if status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Msg("admin request failed")
	}
	body := map[string]any{"error": err.Error()}
	if detail != nil {
		body["summary"] = detail
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
