package siteagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cqp-go/siteagent/internal/domain"
)

// discoveryRegistration is what RegisterWithDiscovery posts to netManUri,
// mirroring the fields SiteAgent.cpp's RegisterWithNetMan sends to the
// Network Manager over its RegisterSite RPC (site id, advertised
// connection address, device list).
type discoveryRegistration struct {
	Id      domain.SiteId     `json:"id"`
	Url     string            `json:"url"`
	Devices []domain.DeviceId `json:"devices"`
}

// RegisterWithDiscovery announces this site to the configured Network
// Manager endpoint, retrying until it succeeds (mirrors
// SiteAgent::RegisterWithNetMan's do/while-until-ok loop). Call with a
// context carrying a deadline or cancellation; an empty netManURI is a
// no-op.
func (a *Agent) RegisterWithDiscovery(ctx context.Context, netManURI string) error {
	if netManURI == "" {
		return nil
	}
	body, err := json.Marshal(discoveryRegistration{
		Id:      a.self,
		Url:     a.connAddr,
		Devices: a.deviceIDs(),
	})
	if err != nil {
		return err
	}

	backoff := time.Second
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, netManURI+"/register", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			a.log.Info("registered with discovery", map[string]interface{}{"netManUri": netManURI})
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		a.log.Warn("discovery registration failed, retrying", map[string]interface{}{"netManUri": netManURI})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// UnregisterFromDiscovery tells the Network Manager this site is going
// offline. Best-effort: logs but does not retry on failure, since it runs
// during shutdown.
func (a *Agent) UnregisterFromDiscovery(ctx context.Context, netManURI string) {
	if netManURI == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, netManURI+"/unregister",
		bytes.NewReader([]byte(fmt.Sprintf(`{"id":%q}`, a.self))))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.log.Warn("discovery unregistration failed", map[string]interface{}{"error": err.Error()})
		return
	}
	resp.Body.Close()
}

func (a *Agent) deviceIDs() []domain.DeviceId {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	ids := make([]domain.DeviceId, 0, len(a.allDevices))
	for id := range a.allDevices {
		ids = append(ids, id)
	}
	return ids
}

// ConnectStaticLinks reads staticHops (each a peer connection address) and
// eagerly establishes a link to each one at startup via StartNode, instead
// of waiting for a caller to request a shared key first. Supplements the
// distilled spec with the original's config-driven static topology.
func (a *Agent) ConnectStaticLinks(ctx context.Context, staticHops []domain.SiteId, deviceId domain.DeviceId) {
	for _, hop := range staticHops {
		path := domain.PhysicalPath{{
			First:  domain.HopEndpoint{Site: a.self, DeviceId: deviceId},
			Second: domain.HopEndpoint{Site: hop},
		}}
		if err := a.StartNode("", path); err != nil {
			a.log.Error("static hop setup failed", map[string]interface{}{
				"hop":   string(hop),
				"error": err.Error(),
			})
		}
	}
}
