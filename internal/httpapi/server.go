// Package httpapi exposes the treasury services over a JSON HTTP API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
	"github.com/R3E-Network/treasury_layer/internal/middleware"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/services/audit"
	"github.com/R3E-Network/treasury_layer/services/multisig"
	"github.com/R3E-Network/treasury_layer/services/operations"
	"github.com/R3E-Network/treasury_layer/services/payout"
	"github.com/R3E-Network/treasury_layer/services/registry"
)

// ServiceName labels HTTP metrics and logs.
const ServiceName = "treasury"

// Services are the handlers' dependencies.
type Services struct {
	Registry   *registry.Service
	Engine     *multisig.Engine
	Payouts    *payout.Service
	Operations *operations.Service
	Ledger     *audit.Ledger
	Hub        *audit.Hub
	Networks   *network.Registry
	Metrics    *metrics.Metrics
}

// Config controls authentication and throttling.
type Config struct {
	// JWTKey is an HMAC secret ([]byte) or an *rsa.PublicKey.
	JWTKey         interface{}
	JWTIssuer      string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Server holds the router and its rate limiter.
type Server struct {
	handler http.Handler
	limiter *middleware.RateLimiter
}

type handler struct {
	svc Services
	log *logging.Logger
}

// New builds the API router.
func New(svc Services, cfg Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	h := &handler{svc: svc, log: log}

	auth := middleware.NewAuthMiddleware(cfg.JWTKey, cfg.JWTIssuer, log, nil)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
	admin := middleware.RequireRole(log, middleware.RoleAdmin)

	r := mux.NewRouter()
	r.Use(middleware.Metrics(ServiceName, svc.Metrics))
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if svc.Metrics != nil {
		r.Handle("/metrics", svc.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth.Handler, limiter.Handler, provenance)

	api.Handle("/wallets", admin(http.HandlerFunc(h.createWallet))).Methods(http.MethodPost)
	api.HandleFunc("/wallets", h.listWallets).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{id}", h.getWallet).Methods(http.MethodGet)
	api.Handle("/wallets/{id}/status", admin(http.HandlerFunc(h.setWalletStatus))).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{id}/refresh", h.refreshWallet).Methods(http.MethodPost)

	api.HandleFunc("/controls", h.getControls).Methods(http.MethodGet)
	api.Handle("/controls/halt", admin(http.HandlerFunc(h.halt))).Methods(http.MethodPost)
	api.Handle("/controls/resume", admin(http.HandlerFunc(h.resume))).Methods(http.MethodPost)

	api.HandleFunc("/transactions", h.createTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions", h.listTransactions).Methods(http.MethodGet)
	api.HandleFunc("/transactions/pending", h.listPending).Methods(http.MethodGet)
	api.HandleFunc("/transactions/execute-batch", h.executeBatch).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}", h.getTransaction).Methods(http.MethodGet)
	api.HandleFunc("/transactions/{id}/signatures", h.signTransaction).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}/execute", h.executeTransaction).Methods(http.MethodPost)
	api.Handle("/transactions/{id}/reject", admin(http.HandlerFunc(h.rejectTransaction))).Methods(http.MethodPost)

	api.HandleFunc("/payouts", h.listPayouts).Methods(http.MethodGet)
	api.HandleFunc("/payouts/estimate", h.estimatePayout).Methods(http.MethodPost)
	api.HandleFunc("/payouts/{id}", h.getPayout).Methods(http.MethodGet)
	api.HandleFunc("/networks", h.listNetworks).Methods(http.MethodGet)
	api.HandleFunc("/networks/{network}/transactions/{hash}", h.chainStatus).Methods(http.MethodGet)

	api.HandleFunc("/operations", h.createOperation).Methods(http.MethodPost)
	api.HandleFunc("/operations", h.listOperations).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", h.getOperation).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}/checks", h.recordCheck).Methods(http.MethodPost)

	api.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", h.verifyAudit).Methods(http.MethodGet)
	if svc.Hub != nil {
		api.Handle("/audit/stream", svc.Hub).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	var root http.Handler = r
	root = middleware.CORS(cfg.CORSOrigins)(root)
	root = middleware.Recovery(log)(root)
	root = middleware.NewTracingMiddleware(log).Handler(root)

	return &Server{handler: root, limiter: limiter}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// StartBackground runs housekeeping until ctx is done.
func (s *Server) StartBackground(ctx context.Context) {
	s.limiter.StartCleanup(ctx, 5*time.Minute)
}

// provenance records the caller's address and user agent for audit entries.
func provenance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithProvenance(r.Context(), treasury.Provenance{
			IPAddress: httputil.ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "service": ServiceName}
	if h.svc.Networks != nil {
		body["networks"] = h.svc.Networks.Names()
	}
	if h.svc.Hub != nil {
		body["audit_subscribers"] = h.svc.Hub.Subscribers()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func actor(r *http.Request) string {
	return logging.GetUserID(r.Context())
}

func vars(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
