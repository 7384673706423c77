package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-streamcore/internal/platform/config"
	"hls-streamcore/internal/platform/logger"
	"hls-streamcore/internal/platform/metrics"
	"hls-streamcore/internal/streaming"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	configPath := config.GetEnv("ENGINE_CONFIG_FILE", "")

	log := logger.New(logLevel, logFormat)

	cfg, err := config.LoadEngine(configPath)
	if err != nil {
		log.Error("failed to load engine config", "error", err)
		os.Exit(1)
	}

	met := metrics.New()

	var store streaming.SessionStore
	if cfg.UsePersistence {
		bs, err := streaming.OpenBadgerSessionStore(cfg.DataDir)
		if err != nil {
			log.Error("failed to open session store", "error", err, "data_dir", cfg.DataDir)
			os.Exit(1)
		}
		defer bs.Close()
		store = bs
	} else {
		store = streaming.NewMemorySessionStore()
	}

	factory := func(owner streaming.OwnerID, manifestURL string, headers http.Header) (streaming.RequestProxy, streaming.Sink, streaming.Transmuxer) {
		return streaming.NewDirectHTTPProxy(), newNullSink(), nil
	}

	tun := streaming.Tunables{
		LiveRefreshInterval: cfg.LiveRefresh,
		Fetch: streaming.FetchTunables{
			Attempts:           cfg.FetchAttempts,
			BackoffBase:        cfg.FetchBackoffBase,
			MaxConcurrentFetch: cfg.MaxConcurrentFetch,
		},
		ABRSwitchInterval: cfg.ABRSwitchInterval,
		ABRPanicBuffer:    cfg.ABRPanicBuffer,
	}
	registry := streaming.NewSessionRegistry(store, factory, cfg.MaxBufferBytes, met, tun)
	h := newHandler(registry, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(registry.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.openSession)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Delete("/", h.closeSession)
			r.Get("/", h.getStatus)
			r.Get("/playlist.m3u8", h.getPlaylist)
			r.Post("/pause", h.pauseSession)
			r.Post("/resume", h.resumeSession)
			r.Post("/seek", h.seekSession)
			r.Post("/quality", h.setQuality)
		})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("engine starting",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"persistence", cfg.UsePersistence,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("engine stopped")
}

// jsonBody decodes a JSON request body into v, returning an error the
// handler can report as 400.
func jsonBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
