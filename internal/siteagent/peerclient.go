package siteagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

// PeerClient is the HTTP+JWT implementation of both PeerSiteAgent (hop
// setup) and keystore.PeerKeyFactory (multi-hop key combination) for one
// remote site. Every call self-signs a short-lived bearer token, the same
// HS256/MapClaims shape cmd/dev/genjwt issues for operator tooling.
type PeerClient struct {
	baseURL    string
	selfSite   domain.SiteId
	jwtSecret  string
	httpClient *http.Client
}

func NewPeerClient(baseURL string, selfSite domain.SiteId, jwtSecret string) *PeerClient {
	return &PeerClient{
		baseURL:   normalizeBaseURL(baseURL),
		selfSite:  selfSite,
		jwtSecret: jwtSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func (c *PeerClient) token() (string, error) {
	claims := jwt.MapClaims{
		"site_id": string(c.selfSite),
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.jwtSecret))
}

func (c *PeerClient) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	token, err := c.token()
	if err != nil {
		return kyderrors.Wrap(err, "peerclient: sign token")
	}

	buf, err := json.Marshal(reqBody)
	if err != nil {
		return kyderrors.Wrap(err, "peerclient: encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return kyderrors.Wrap(err, "peerclient: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), kyderrors.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("%s: %w", errBody.Error, statusToTaxonomy(resp.StatusCode))
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

func statusToTaxonomy(status int) error {
	switch status {
	case http.StatusBadRequest:
		return kyderrors.ErrInvalidParameters
	case http.StatusNotFound:
		return kyderrors.ErrNotFound
	case http.StatusServiceUnavailable:
		return kyderrors.ErrUnavailable
	case http.StatusConflict:
		return kyderrors.ErrConflict
	case http.StatusUnprocessableEntity:
		return kyderrors.ErrIntegrity
	case http.StatusBadGateway:
		return kyderrors.ErrTransport
	default:
		return kyderrors.ErrFatal
	}
}

// StartNode implements PeerSiteAgent.StartNode against the remote site.
func (c *PeerClient) StartNode(sessionAddress string, path domain.PhysicalPath) error {
	req := startNodeRequest{SessionAddress: sessionAddress, Path: path}
	return c.post(context.Background(), "/rpc/site/start-node", req, nil)
}

// EndKeyExchange implements PeerSiteAgent.EndKeyExchange against the remote site.
func (c *PeerClient) EndKeyExchange(path domain.PhysicalPath) error {
	req := endKeyExchangeRequest{Path: path}
	return c.post(context.Background(), "/rpc/site/end-key-exchange", req, nil)
}

// MarkKeyInUse implements keystore.PeerKeyFactory.MarkKeyInUse against the
// remote site. The site parameter (this agent's own identity as seen by
// the peer) is carried implicitly by the signed token's site_id claim.
func (c *PeerClient) MarkKeyInUse(ctx context.Context, site domain.SiteId, peer domain.SiteId, id domain.KeyId) (domain.KeyId, error) {
	req := markKeyInUseRequest{SiteTo: peer, Id: id}
	var resp markKeyInUseResponse
	if err := c.post(ctx, "/rpc/key/mark-in-use", req, &resp); err != nil {
		return 0, err
	}
	return resp.Id, nil
}

// GetCombinedKey implements keystore.PeerKeyFactory.GetCombinedKey against
// the remote site.
func (c *PeerClient) GetCombinedKey(ctx context.Context, site domain.SiteId, leftSite domain.SiteId, leftId domain.KeyId, rightSite domain.SiteId, rightId domain.KeyId) (keystore.CombinedKeyResult, error) {
	req := combinedKeyRequest{LeftSite: leftSite, LeftId: leftId, RightSite: rightSite, RightId: rightId}
	var resp combinedKeyResponse
	if err := c.post(ctx, "/rpc/key/combined", req, &resp); err != nil {
		return keystore.CombinedKeyResult{}, err
	}
	return keystore.CombinedKeyResult{Combined: resp.XoredKey, RightId: resp.RightId}, nil
}

var _ PeerSiteAgent = (*PeerClient)(nil)
var _ keystore.PeerKeyFactory = (*PeerClient)(nil)
