package siteagent

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cqp-go/siteagent/internal/auth"
	"github.com/cqp-go/siteagent/internal/keystore"
	"github.com/cqp-go/siteagent/internal/middleware"
	"github.com/cqp-go/siteagent/pkg/logger"
)

// NewRouter builds the HTTP router for the ISiteAgent/ISiteDetails/
// IKeyFactory RPC surface, bearer-auth-gated the same way the reference
// repo's gateway gates its own routes, plus the /auth enrollment endpoints
// that mint the bearer tokens that surface authenticates. blacklist and
// limiter may be nil to disable token revocation checks and rate limiting
// respectively (e.g. in tests that don't stand up Redis).
func NewRouter(log logger.Logger, agent *Agent, keyFactory *keystore.Factory, authSvc *auth.Service, tokens *auth.ServiceTokenService, jwtSecret string, blacklist middleware.TokenBlacklist, limiter *middleware.RateLimiter, idempotency *middleware.IdempotencyMiddleware) *mux.Router {
	h := NewHandlers(agent, keyFactory)
	authHandlers := auth.NewHandlers(authSvc, tokens)
	authMW := middleware.NewAuthMiddleware(jwtSecret, blacklist)
	loggingMW := middleware.NewLoggingMiddleware(log)

	r := mux.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(loggingMW.Log)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "siteagent"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/auth/register", authHandlers.Register).Methods(http.MethodPost)
	r.HandleFunc("/auth/authenticate", authHandlers.Authenticate).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", authHandlers.Logout).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin/tokens").Subrouter()
	admin.Use(authMW.Authenticate)
	admin.HandleFunc("", authHandlers.CreateToken).Methods(http.MethodPost)
	admin.HandleFunc("", authHandlers.ListTokens).Methods(http.MethodGet)
	admin.HandleFunc("/{id}", authHandlers.RevokeToken).Methods(http.MethodDelete)

	rpc := r.PathPrefix("/rpc").Subrouter()
	rpc.Use(authMW.Authenticate)
	if limiter != nil {
		rpc.Use(limiter.Limit)
	}
	if idempotency != nil {
		rpc.Use(idempotency.Require)
	}

	rpc.HandleFunc("/site/start-node", h.StartNode).Methods(http.MethodPost)
	rpc.HandleFunc("/site/end-key-exchange", h.EndKeyExchange).Methods(http.MethodPost)
	rpc.HandleFunc("/site/details", h.GetSiteDetails).Methods(http.MethodGet)
	rpc.HandleFunc("/site/link-status", agent.LinkStatusWebsocket).Methods(http.MethodGet)

	rpc.HandleFunc("/key/mark-in-use", h.MarkKeyInUse).Methods(http.MethodPost)
	rpc.HandleFunc("/key/combined", h.GetCombinedKey).Methods(http.MethodPost)

	return r
}
