package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/config"
	"github.com/sells-group/solar-cli/internal/geospatial"
	"github.com/sells-group/solar-cli/internal/imagery"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/pipeline"
	"github.com/sells-group/solar-cli/internal/resilience"
	"github.com/sells-group/solar-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP estimation service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		env, err := initPipeline(ctx, config.ModeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{
			proc:       env.Processor,
			store:      env.Store,
			tiles:      map[string]http.Handler{},
			cacheStats: env.CacheStats,
			breakers:   env.Orchestrator.BreakerStates,
			health:     env.Health,
		}
		for name, src := range env.Sources {
			api.tiles[name] = src
		}

		// Estimates made by this process go into one batch row.
		if env.Store != nil {
			b, err := env.Store.CreateBatch(ctx, "serve", 0)
			if err != nil {
				return eris.Wrap(err, "serve: create batch")
			}
			api.batch = b
			defer api.closeBatch(context.WithoutCancel(ctx))
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(api, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), seconds(cfg.Server.ShutdownSecs, 15*time.Second))
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer holds the handlers' dependencies. store, health and batch may be nil.
type apiServer struct {
	proc       pipeline.LocationProcessor
	store      store.Store
	tiles      map[string]http.Handler
	cacheStats func() []geospatial.CacheStats
	breakers   func() map[string]resilience.BreakerState
	health     func(ctx context.Context) error

	batch     *model.Batch
	succeeded atomic.Int64
	failed    atomic.Int64
}

const maxRequestBody = 1 << 20

func newRouter(api *apiServer, sc config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: sc.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", api.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.With(middleware.Timeout(seconds(sc.RequestTimeoutSecs, 2*time.Minute))).Post("/estimate", api.handleEstimate)
		r.Get("/records", api.handleListRecords)
		r.Get("/records/{sampleID}", api.handleGetRecord)
		r.Get("/tiles/{provider}/{z}/{x}/{y}", api.handleTile)
		r.Get("/cache/stats", api.handleCacheStats)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "detector": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type estimateRequest struct {
	SampleID *int64  `json:"sample_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

func (a *apiServer) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SampleID == nil {
		writeError(w, http.StatusBadRequest, "sample_id is required")
		return
	}
	if err := (geospatial.GeoPoint{Lat: req.Lat, Lon: req.Lon}).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loc := model.Location{SampleID: *req.SampleID, Lat: req.Lat, Lon: req.Lon}
	out, err := a.proc.Process(r.Context(), loc)
	if err != nil {
		a.record(r.Context(), model.Entry{Failure: &model.Failure{SampleID: loc.SampleID, Lat: loc.Lat, Lon: loc.Lon, Error: err.Error()}})
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, imagery.ErrAcquisitionFailed):
			status = http.StatusBadGateway
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		zap.L().Error("estimate failed", zap.Int64("sample_id", loc.SampleID), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	rec := out.Record
	a.record(r.Context(), model.Entry{Record: &rec})
	writeJSON(w, http.StatusOK, rec)
}

// record saves e into the server's batch when a store is configured.
func (a *apiServer) record(ctx context.Context, e model.Entry) {
	if a.batch == nil {
		return
	}
	if e.OK() {
		a.succeeded.Add(1)
	} else {
		a.failed.Add(1)
	}
	if err := a.store.SaveEntry(ctx, a.batch.ID, e); err != nil {
		zap.L().Warn("save estimate failed", zap.Int64("sample_id", e.SampleID()), zap.Error(err))
	}
}

func (a *apiServer) closeBatch(ctx context.Context) {
	if a.batch == nil {
		return
	}
	a.batch.Succeeded = int(a.succeeded.Load())
	a.batch.Failed = int(a.failed.Load())
	a.batch.Total = a.batch.Succeeded + a.batch.Failed
	if err := a.store.CompleteBatch(ctx, a.batch); err != nil {
		zap.L().Warn("complete serve batch failed", zap.Error(err))
	}
}

func (a *apiServer) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no result store configured")
		return
	}
	f, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := a.store.ListRecords(r.Context(), f)
	if err != nil {
		zap.L().Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list records failed")
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func parseRecordFilter(r *http.Request) (store.RecordFilter, error) {
	q := r.URL.Query()
	f := store.RecordFilter{BatchID: q.Get("batch"), QCStatus: q.Get("qc_status")}
	if v := q.Get("has_solar"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, eris.Errorf("invalid has_solar %q", v)
		}
		f.HasSolar = &b
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, eris.Errorf("invalid %s %q", name, v)
			}
			*dst = n
		}
	}
	return f, nil
}

func (a *apiServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no result store configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "sampleID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sample id")
		return
	}
	rec, err := a.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no record for sample %d", id))
		return
	}
	if err != nil {
		zap.L().Error("get record failed", zap.Int64("sample_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get record failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleTile hands /v1/tiles/{provider}/{z}/{x}/{y} to the provider's tile
// proxy as /{z}/{x}/{y}.
func (a *apiServer) handleTile(w http.ResponseWriter, r *http.Request) {
	h, ok := a.tiles[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tile provider")
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + chi.URLParam(r, "z") + "/" + chi.URLParam(r, "x") + "/" + chi.URLParam(r, "y")
	h.ServeHTTP(w, r2)
}

func (a *apiServer) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	caches := []geospatial.CacheStats{}
	if a.cacheStats != nil {
		if s := a.cacheStats(); s != nil {
			caches = s
		}
	}
	breakers := map[string]string{}
	if a.breakers != nil {
		for name, st := range a.breakers() {
			breakers[name] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": caches, "breakers": breakers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
