package siteagent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

// Handlers exposes the ISiteAgent/ISiteDetails/IKeyFactory RPC surface as
// HTTP+JSON endpoints, per SPEC_FULL.md §6/§7.
type Handlers struct {
	agent      *Agent
	keyFactory *keystore.Factory
}

func NewHandlers(agent *Agent, keyFactory *keystore.Factory) *Handlers {
	return &Handlers{agent: agent, keyFactory: keyFactory}
}

// statusFor maps the §7 error taxonomy onto an HTTP status code, matching
// the reference repo's respondJSONError convention.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kyderrors.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, kyderrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kyderrors.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, kyderrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, kyderrors.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, kyderrors.ErrIntegrity):
		return http.StatusUnprocessableEntity
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

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type startNodeRequest struct {
	SessionAddress string             `json:"sessionAddress"`
	Path           domain.PhysicalPath `json:"path"`
}

func (h *Handlers) StartNode(w http.ResponseWriter, r *http.Request) {
	var req startNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.agent.StartNode(req.SessionAddress, req.Path); err != nil {
		respondJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type endKeyExchangeRequest struct {
	Path domain.PhysicalPath `json:"path"`
}

func (h *Handlers) EndKeyExchange(w http.ResponseWriter, r *http.Request) {
	var req endKeyExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.agent.EndKeyExchange(req.Path); err != nil {
		respondJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *Handlers) GetSiteDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.GetSiteDetails())
}

type markKeyInUseRequest struct {
	SiteTo domain.SiteId `json:"siteTo"`
	Id     domain.KeyId  `json:"id"`
}

type markKeyInUseResponse struct {
	Id domain.KeyId `json:"id"`
}

func (h *Handlers) MarkKeyInUse(w http.ResponseWriter, r *http.Request) {
	var req markKeyInUseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.keyFactory.MarkKeyInUse(r.Context(), req.SiteTo, req.Id)
	if err != nil {
		respondJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, markKeyInUseResponse{Id: id})
}

type combinedKeyRequest struct {
	LeftSite  domain.SiteId `json:"leftSite"`
	LeftId    domain.KeyId  `json:"leftId"`
	RightSite domain.SiteId `json:"rightSite"`
	RightId   domain.KeyId  `json:"rightId"`
}

type combinedKeyResponse struct {
	XoredKey domain.PSK   `json:"xoredKey"`
	RightId  domain.KeyId `json:"rightId"`
}

func (h *Handlers) GetCombinedKey(w http.ResponseWriter, r *http.Request) {
	var req combinedKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.keyFactory.GetCombinedKey(r.Context(), req.LeftSite, req.LeftId, req.RightSite, req.RightId)
	if err != nil {
		respondJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, combinedKeyResponse{XoredKey: result.Combined, RightId: result.RightId})
}
