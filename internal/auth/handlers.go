package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"

	"github.com/google/uuid"
)

// Handlers exposes site credential registration and authentication as
// HTTP+JSON endpoints, the entry point a site uses once to enroll and on
// every restart to obtain a fresh bearer token for RPC calls.
type Handlers struct {
	svc    *Service
	tokens *ServiceTokenService
}

func NewHandlers(svc *Service, tokens *ServiceTokenService) *Handlers {
	return &Handlers{svc: svc, tokens: tokens}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kyderrors.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, kyderrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kyderrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, kyderrors.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, kyderrors.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tok, err := h.svc.Register(r.Context(), &req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *Handlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tok, err := h.svc.Authenticate(r.Context(), &req)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		respondError(w, http.StatusUnauthorized, "invalid authorization format")
		return
	}
	if err := h.svc.Logout(r.Context(), parts[1]); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type createTokenRequest struct {
	Name   string          `json:"name"`
	Scopes []domain.SiteId `json:"scopes"`
}

type createTokenResponse struct {
	Token domain.ServiceToken `json:"token"`
	Key   string              `json:"key"`
}

// CreateToken provisions a long-lived scoped bearer token for operator
// tooling or the discovery registration call, returning the raw key once.
func (h *Handlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, rawKey, err := h.tokens.CreateToken(r.Context(), req.Name, req.Scopes)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createTokenResponse{Token: *token, Key: rawKey})
}

func (h *Handlers) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.ListTokens(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token id")
		return
	}
	if err := h.tokens.RevokeToken(r.Context(), id); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
