// Package health serves liveness, readiness and statistics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/yomiage/internal/queue"
	"github.com/dgnsrekt/yomiage/internal/relay"
	"github.com/dgnsrekt/yomiage/internal/stats"
)

const (
	probeTimeout    = 3 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Engine is probed for readiness.
type Engine interface {
	Version(ctx context.Context) (string, error)
}

// StatsSource reports service statistics.
type StatsSource interface {
	Stats() relay.Stats
}

type handler struct {
	engine Engine
	source StatsSource
	logger *log.Logger
}

// NewRouter returns the health endpoints. source may be nil, which leaves
// /stats out.
func NewRouter(engine Engine, source StatsSource, logger *log.Logger) *chi.Mux {
	if logger == nil {
		logger = log.Default()
	}
	h := &handler{engine: engine, source: source, logger: logger.WithPrefix("health")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.live)
	r.Get("/readyz", h.ready)
	if source != nil {
		r.Get("/stats", h.statistics)
	}
	return r
}

func (h *handler) live(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	version, err := h.engine.Version(ctx)
	if err != nil {
		h.logger.Warn("Engine not ready", "err", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "engine": version})
}

type cacheStats struct {
	Entries   int     `json:"entries"`
	Bytes     int64   `json:"bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type statsResponse struct {
	Counters stats.Snapshot `json:"counters"`
	Cache    cacheStats     `json:"cache"`
	Queue    queue.Stats    `json:"queue"`
}

func (h *handler) statistics(w http.ResponseWriter, _ *http.Request) {
	st := h.source.Stats()

	respondJSON(w, http.StatusOK, statsResponse{
		Counters: st.Counters,
		Cache: cacheStats{
			Entries:   st.Cache.Entries,
			Bytes:     st.Cache.Bytes,
			Hits:      st.Cache.Hits,
			Misses:    st.Cache.Misses,
			Evictions: st.Cache.Evictions,
			HitRate:   st.Cache.HitRate(),
		},
		Queue: st.Queue,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// requestLogger logs each request at debug level.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"took", time.Since(start),
				"id", middleware.GetReqID(r.Context()))
		})
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("health")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Stopped")
	return nil
}
