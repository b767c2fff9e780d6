package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"torrentcast/internal/api/handlers"
	"torrentcast/internal/api/middleware"
	"torrentcast/internal/config"
)

// NewRouter assembles the admin API. It controls the torrent session and
// hands out stream URLs; the media bytes themselves flow through the
// dedicated streaming listener.
func NewRouter(cfg *config.Config, log zerolog.Logger, svc handlers.TorrentService, resolver handlers.StreamResolver) (*chi.Mux, error) {
	r := chi.NewRouter()

	tracer, err := middleware.InitTracer("torrentcast")
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)

	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.RateLimiter(cfg))
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Tracing(tracer))
	r.Use(middleware.CircuitBreaker(cfg, log))
	r.Use(middleware.Compress)

	cache, err := handlers.NewInfoCache(cfg.CacheTTL, cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	r.Route("/api/torrents", func(r chi.Router) {
		r.Post("/", handlers.AddTorrent(svc, cache, log))
		r.Get("/", handlers.ListTorrents(svc))
		r.Get("/{infoHash}", handlers.GetTorrentInfo(svc, cache, log))
		r.Delete("/{infoHash}", handlers.RemoveTorrent(svc, cache, log))
		r.Get("/{infoHash}/files/{fileIndex}/stream-url", handlers.GetStreamURL(svc, resolver, log))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r, nil
}

func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.AdminPort,
		Handler:      handler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
}

// RunServer serves until ctx is cancelled, then drains within
// shutdownTimeout.
func RunServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}
