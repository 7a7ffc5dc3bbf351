package app

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/helix-identity/helix/internal/platform/httpx"
	"github.com/helix-identity/helix/internal/stats"
)

// RouterParams groups dependencies for building the operational HTTP router.
// The identity API itself lives in the consuming service; this surface only
// exposes health and activity statistics.
type RouterParams struct {
	Logger   *slog.Logger
	Config   *Config
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Activity *stats.Aggregator
}

// NewRouter assembles the ops router.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: p.Logger, Config: p.Config}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if p.Redis != nil {
			if err := p.Redis.Ping(ctx).Err(); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "redis unavailable")
				return
			}
		}
		if p.Pool != nil {
			if err := p.Pool.Ping(ctx); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Not Ready", "postgres unavailable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/ops/activity/{date}", func(w http.ResponseWriter, req *http.Request) {
		day, err := time.Parse(stats.DayFormat, chi.URLParam(req, "date"))
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
			return
		}
		count, err := p.Activity.CountActive(req.Context(), day)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"date": day.Format(stats.DayFormat), "active": count})
	})

	r.Get("/ops/activity/rolling", func(w http.ResponseWriter, req *http.Request) {
		days := 7
		if raw := req.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "days must be a positive integer")
				return
			}
			days = parsed
		}
		avg, err := p.Activity.RollingAverage(req.Context(), days)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"days": days, "average": avg})
	})

	return r
}
