package api

import (
	"context"
	"net/http"
	"time"

	"kopy/cfg"
	"kopy/svc/db"
	"kopy/svc/lim"
	"kopy/svc/svc"
	"kopy/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is an optional dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      db.Store
	rdb        Pinger
	httpServer *http.Server
}

// NewServer wires the routes. rdb may be nil when Redis is not configured.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, store db.Store, rdb Pinger) *Server {
	s := &Server{cfg: c, store: store, rdb: rdb}
	r := chi.NewRouter()
	mw := NewMw(l, c)
	hdl := &Hdl{paste: p, cfg: c}

	// preflights never match a route, so CORS has to run before routing
	r.Use(mw.CORS)

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
		if c.Environment == "development" {
			r.With(mw.BasicAuthMetrics).Mount("/debug", middleware.Profiler())
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.Observe)

		routes := func(r chi.Router) {
			r.Get("/health", s.Health)
			r.With(mw.RateLimit(lim.EndpointCreate)).Post("/paste", hdl.CreatePaste)
			r.With(mw.RateLimit(lim.EndpointCreate)).Post("/post", hdl.CreatePaste)
			r.Get("/paste", hdl.Usage)
			r.Get("/post", hdl.Usage)
			r.With(mw.RateLimit(lim.EndpointView)).Get("/paste/{id}", hdl.GetPaste)
			r.Get("/config/presets", hdl.GetPresets)
		}
		routes(r)
		r.Route("/api", routes)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
