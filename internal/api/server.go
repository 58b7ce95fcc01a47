package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/septivank/energy-metering-cache/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRouter creates the read-only router used by publishing collaborators
// and operators.
func NewRouter(h *Handler, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/usage-points", func(r chi.Router) {
		r.Get("/", h.ListUsagePoints)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(h.usagePointCtx)
			r.Get("/", h.GetUsagePoint)

			r.Route("/{direction}", func(r chi.Router) {
				r.Get("/daily", h.ScanDaily)
				r.Get("/detail", h.ScanDetail)
				r.Get("/totals", h.MeasureTypeTotals)

				r.Get("/{resolution}/range", h.CachedRange)
				r.Get("/{resolution}/records", h.ListRecords)
				r.Get("/{resolution}/records/{date}", h.GetRecord)
			})
		})
	})

	return r
}

// requestLogger logs every request with zap and feeds the API metrics
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timer := metrics.NewTimer()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
			timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

			logger.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
			)
		})
	}
}

// NewServer binds the router to the fx lifecycle
func NewServer(lc fx.Lifecycle, router *chi.Mux, port int, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("http server shutting down")
			return srv.Shutdown(ctx)
		},
	})

	return srv
}
