package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/headcount-cli/internal/batch"
	"github.com/sells-group/headcount-cli/internal/config"
	"github.com/sells-group/headcount-cli/internal/ingest"
	"github.com/sells-group/headcount-cli/internal/monitoring"
	"github.com/sells-group/headcount-cli/internal/sink"
)

var (
	servePort    int
	serveOffline bool
)

// sweepInterval is how often expired cache entries and old batches are purged.
const sweepInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for batch headcount estimation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if !serveOffline {
			if err := cfg.Validate(config.ModeServe); err != nil {
				return err
			}
		}

		env, err := initPipeline(ctx, cfg, serveOffline)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Breakers, time.Duration(cfg.Monitoring.StallMinutes)*time.Minute)
		a := &api{
			svc:         env.Service,
			regions:     cfg.Regions,
			knownRegion: cfg.KnownRegion,
			maxUpload:   int64(cfg.Server.MaxUploadMB) << 20,
			maxEntities: cfg.Batch.MaxEntities,
			collector:   collector,
			lookback:    cfg.Monitoring.LookbackWindowHours,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(a, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go sweepLoop(ctx, env)

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if err := env.Service.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("background batches did not stop in time", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveOffline, "offline", false, "use the offline backend (no API keys needed)")
	rootCmd.AddCommand(serveCmd)
}

func sweepLoop(ctx context.Context, env *pipelineEnv) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge(ctx, env)
		}
	}
}

// purge deletes expired cache rows and batches past retention.
func purge(ctx context.Context, env *pipelineEnv) (estimates, batches int) {
	estimates, err := env.Store.DeleteExpiredEstimates(ctx)
	if err != nil {
		zap.L().Warn("purge expired estimates failed", zap.Error(err))
	}
	batches, err = env.Service.Sweep(ctx)
	if err != nil {
		zap.L().Warn("sweep old batches failed", zap.Error(err))
	}
	zap.L().Info("purge complete", zap.Int("estimates", estimates), zap.Int("batches", batches))
	return estimates, batches
}

// api holds the handler dependencies.
type api struct {
	svc         *batch.Service
	regions     []string
	knownRegion func(string) bool
	maxUpload   int64
	maxEntities int
	collector   *monitoring.Collector
	lookback    int
}

func newRouter(a *api, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/countries", a.countries)
		r.Get("/metrics", a.metrics)
		r.Post("/process", a.process)
		r.Post("/batches", a.submit)
		r.Get("/batches/{id}", a.status)
		r.Delete("/batches/{id}", a.cancel)
		r.Get("/batches/{id}/results", a.results)
	})

	return r
}

func (a *api) countries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.regions)
}

func (a *api) metrics(w http.ResponseWriter, r *http.Request) {
	if a.collector == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	lookback := a.lookback
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := a.collector.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("collect metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// process runs a batch synchronously and returns the table as a download.
func (a *api) process(w http.ResponseWriter, r *http.Request) {
	tbl, region, ok := a.readUpload(w, r)
	if !ok {
		return
	}
	format, err := sink.ParseFormat(formatParam(r, string(sink.FormatAnnotated)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, results, err := a.svc.RunSync(r.Context(), region, tbl.Entities())
	if err != nil {
		zap.L().Error("sync batch failed", zap.String("batch_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "batch failed")
		return
	}

	filename := "updated_companies." + format.Extension()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Batch-ID", id)
	if err := sink.Write(w, format, results, &sink.Source{Header: tbl.Header, Rows: tbl.Rows}); err != nil {
		zap.L().Error("write results failed", zap.String("batch_id", id), zap.Error(err))
	}
}

// submit starts an asynchronous batch.
func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	tbl, region, ok := a.readUpload(w, r)
	if !ok {
		return
	}
	entities := tbl.Entities()

	id, err := a.svc.Submit(r.Context(), region, entities)
	if err != nil {
		zap.L().Error("submit batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start batch")
		return
	}

	w.Header().Set("Location", "/api/batches/"+id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": id,
		"status":   "PROCESSING",
		"total":    len(entities),
	})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.batchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.Cancel(r.Context(), id); err != nil {
		a.batchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id, "status": "CANCELLING"})
}

func (a *api) results(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := a.svc.Results(r.Context(), id)
	if err != nil {
		a.batchError(w, err)
		return
	}

	switch f := formatParam(r, "csv"); f {
	case "json":
		writeJSON(w, http.StatusOK, map[string]any{"batch_id": id, "results": results})
	default:
		format, err := sink.ParseFormat(f)
		if err != nil || format == sink.FormatAnnotated {
			writeError(w, http.StatusBadRequest, "format must be csv, xlsx or json")
			return
		}
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"."+format.Extension()))
		if err := sink.Write(w, format, results, nil); err != nil {
			zap.L().Error("write results failed", zap.String("batch_id", id), zap.Error(err))
		}
	}
}

func (a *api) batchError(w http.ResponseWriter, err error) {
	switch {
	case batch.IsNotFound(err):
		writeError(w, http.StatusNotFound, "batch not found")
	case errors.Is(err, batch.ErrNotComplete), errors.Is(err, batch.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("batch lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// readUpload parses the multipart upload ("file" plus "country") and writes
// a 400 response when it is unusable.
func (a *api) readUpload(w http.ResponseWriter, r *http.Request) (*ingest.Table, string, bool) {
	if a.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return nil, "", false
	}

	region := r.FormValue("country")
	if region == "" {
		region = r.FormValue("region")
	}
	if region == "" {
		writeError(w, http.StatusBadRequest, "country is required")
		return nil, "", false
	}
	if a.knownRegion != nil && !a.knownRegion(region) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown country %q", region))
		return nil, "", false
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return nil, "", false
	}
	defer file.Close() //nolint

	tbl, err := ingest.Parse(hdr.Filename, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, uploadMessage(err))
		return nil, "", false
	}
	if a.maxEntities > 0 && len(tbl.Rows) > a.maxEntities {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many rows: %d (max %d)", len(tbl.Rows), a.maxEntities))
		return nil, "", false
	}
	return tbl, region, true
}

func uploadMessage(err error) string {
	switch {
	case errors.Is(err, ingest.ErrNoEntityColumn):
		return "no company column found (expected one of: company name, company, name, organization, account name)"
	case errors.Is(err, ingest.ErrEmpty):
		return "uploaded file is empty"
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return "file must be .csv or .xlsx"
	default:
		return "could not parse uploaded file"
	}
}

func formatParam(r *http.Request, def string) string {
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	if f := r.FormValue("format"); f != "" {
		return f
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
