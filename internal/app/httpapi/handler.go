// Package httpapi exposes the Plaza services as a JSON REST API.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	app "github.com/plaza-social/plaza/internal/app"
	"github.com/plaza-social/plaza/internal/httputil"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	JWTSecret   []byte
	AdminIDs    []string
	CORSOrigins []string
	Version     string
	// AuditFile, when set, receives admin and money-moving actions as JSONL.
	AuditFile string
}

// publicPaths skip authentication. Webhooks carry their own signatures.
var publicPaths = []string{
	"/health",
	"/info",
	"/metrics",
	"/api/webhooks/mux",
	"/api/webhooks/inbound",
	"/api/email/unsubscribe",
	"/api/push/vapid-key",
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	log     *logging.Logger
	audit   *auditLog
	version string
	started time.Time
}

// NewHandler returns a router exposing the REST API.
func NewHandler(application *app.Application, opts Options, log *logging.Logger) (http.Handler, error) {
	if log == nil {
		log = logging.Default()
	}
	sink, err := newFileAuditSink(opts.AuditFile)
	if err != nil {
		return nil, err
	}
	h := &handler{
		app:     application,
		log:     log,
		audit:   newAuditLog(500, sink),
		version: opts.Version,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(middleware.MetricsMiddleware("api", application.Metrics))
	r.Use(middleware.NewAuthMiddleware(opts.JWTSecret, opts.AdminIDs, log, publicPaths).Handler)
	r.Use(application.Limiter.Handler)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/info", h.info).Methods(http.MethodGet)
	r.Handle("/metrics", application.Metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	h.socialRoutes(api)
	h.messagingRoutes(api)
	h.notificationRoutes(api)
	h.walletRoutes(api)
	h.eventRoutes(api)
	h.storageRoutes(api)
	h.webhookRoutes(api)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireAdmin)
	h.adminRoutes(admin)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, r, "Route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Tracing and CORS wrap the router so unmatched routes and preflight
	// requests get them too.
	cors := middleware.NewCORSMiddleware(opts.CORSOrigins)
	return middleware.NewTracingMiddleware(log).Handler(cors.Handler(r)), nil
}

func userID(r *http.Request) string {
	return middleware.GetUserID(r)
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// queryLimit reads ?limit=, returning 0 when absent or invalid so services
// apply their own defaults.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// queryBefore reads ?before= as RFC3339; the zero time means "from newest".
func queryBefore(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("before"))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httputil.DecodeJSON(r, v); err != nil {
		httputil.WriteError(w, r, err)
		return false
	}
	return true
}
