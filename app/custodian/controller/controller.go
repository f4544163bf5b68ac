package controller

import (
	"net/http"

	"github.com/canopy-network/custodyx/app/custodian/types"
	"github.com/canopy-network/custodyx/pkg/metrics"
	"github.com/canopy-network/custodyx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

type Controller struct {
	App     *types.App
	Limiter *RateLimiter
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
	}
	if app.Metrics == nil {
		app.Metrics = metrics.New(app.Registry)
	}
	limiter := NewRateLimiter(
		utils.EnvFloat("RATE_LIMIT_RPS", 5),
		utils.EnvInt("RATE_LIMIT_BURST", 10),
		app.Metrics,
	)
	limiter.SetIdleTimeout(utils.EnvDuration("RATE_LIMIT_IDLE", DefaultLimiterIdle))
	return &Controller{App: app, Limiter: limiter}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-access-token")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(c.WithMetrics)

	r.Handle("/api/health", http.HandlerFunc(c.HandleHealth)).Methods(http.MethodGet)
	r.Handle("/api/fee", http.HandlerFunc(c.HandleFee)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(c.App.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/register", c.HandleRegister).Methods(http.MethodPost)
	r.HandleFunc("/login", c.HandleLogin).Methods(http.MethodPost)

	r.Handle("/transaction", c.RequireAuth(c.Limiter.Handler(http.HandlerFunc(c.HandleTransfer)))).Methods(http.MethodPost)
	r.Handle("/transactions", c.RequireAuth(http.HandlerFunc(c.HandleTransfers))).Methods(http.MethodGet)
	r.Handle("/assets", c.RequireAuth(http.HandlerFunc(c.HandleAssets))).Methods(http.MethodGet)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}
