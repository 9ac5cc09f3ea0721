package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trellis/internal/observability"
)

// RouterConfig wires the optional collaborators of the router.
type RouterConfig struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Limiter throttles start and signal requests. Nil disables throttling.
	Limiter RequestLimiter
	// Ready reports whether the service finished startup. Nil means always ready.
	Ready func() bool
	// Realtime serves /ws when set.
	Realtime http.Handler
}

// NewRouter builds the HTTP front door.
func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/readyz", readyz(cfg.Ready))
	r.Handle("/metrics", observability.Handler(cfg.Metrics))
	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime)
	}

	track := func(name string) func(http.Handler) http.Handler {
		return instrument(cfg.Metrics, name)
	}
	throttled := rateLimit(cfg.Limiter)

	r.Route("/orders/{id}", func(r chi.Router) {
		r.With(track("orders.start"), throttled).Post("/start", handler.StartOrder)
		r.Route("/signals", func(r chi.Router) {
			r.Use(throttled)
			r.With(track("orders.cancel")).Post("/cancel", handler.CancelOrder)
			r.With(track("orders.update_address")).Post("/update-address", handler.UpdateAddress)
			r.With(track("orders.approve")).Post("/approve", handler.Approve)
		})
		r.With(track("orders.status")).Get("/status", handler.Status)
		r.With(track("orders.result")).Get("/result", handler.Result)
		r.With(track("orders.get")).Get("/", handler.GetOrder)
		r.With(track("orders.events")).Get("/events", handler.Events)
	})
	return r
}

func readyz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "")
			return
		}
		writeJSON(w, http.StatusOK, OKResponse{OK: true})
	}
}
