// Package siteagent implements the Site Agent: orchestrates QKD devices
// and session controllers, drives the hop-setup state machine across a
// PhysicalPath, and exposes the ISiteAgent/ISiteDetails RPC surface.
package siteagent

import (
	"sync"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
	"github.com/cqp-go/siteagent/pkg/logger"
)

// LinkState is the per-peer connection state, per SPEC_FULL.md §4.4.
type LinkState int

const (
	LinkInactive LinkState = iota
	LinkConnecting
	LinkConnectionEstablished
)

func (s LinkState) String() string {
	switch s {
	case LinkInactive:
		return "Inactive"
	case LinkConnecting:
		return "Connecting"
	case LinkConnectionEstablished:
		return "ConnectionEstablished"
	default:
		return "Unknown"
	}
}

// LinkStatus is one event pushed to GetLinkStatus subscribers.
type LinkStatus struct {
	SiteTo    domain.SiteId `json:"siteTo"`
	State     LinkState     `json:"state"`
	ErrorCode int           `json:"errorCode"`
}

// Device is the capability-bag standing in for the original IQKDDevice
// virtual interface (SPEC_FULL.md §9: tagged-variant/capability-bag
// instead of cross-cutting inheritance).
type Device interface {
	ID() domain.DeviceId
	// StartSessionController opens the local session controller endpoint
	// so a peer can connect to it, returning the address to advertise.
	StartSessionController() (string, error)
	// ConnectSessionController dials a peer-supplied session controller
	// address (right-side role).
	ConnectSessionController(address string) error
	// StartSession begins key generation with the given system parameters.
	// onEstablished is invoked once asynchronously when the underlying
	// session controller reports the link up; nil is accepted.
	StartSession(params domain.SystemParameters, onEstablished func()) error
	// Stop tears down the device's active session.
	Stop() error
	// AttachKeyStore wires the device's key publisher to ks.
	AttachKeyStore(ks *keystore.KeyStore)
}

// Agent is the process-wide Site Agent singleton.
type Agent struct {
	log     logger.Logger
	self    domain.SiteId
	connAddr string

	devMu         sync.Mutex
	allDevices    map[domain.DeviceId]Device
	unusedDevices map[domain.DeviceId]bool
	devicesInUse  map[domain.DeviceId]domain.SiteId // device -> destination it's serving

	keyFactory *keystore.Factory

	peerMu sync.Mutex
	peers  map[domain.SiteId]PeerSiteAgent

	linkMu       sync.Mutex
	linkState    map[domain.SiteId]LinkState
	subscribers  map[int]chan LinkStatus
	nextSubID    int
}

// PeerSiteAgent is the remote collaborator side of ISiteAgent: RPC calls
// issued to another site's agent during hop setup.
type PeerSiteAgent interface {
	StartNode(sessionAddress string, path domain.PhysicalPath) error
	EndKeyExchange(path domain.PhysicalPath) error
}

// New constructs an Agent for the given local site identity and connection
// address (the address other sites use to reach this one).
func New(log logger.Logger, self domain.SiteId, connectionAddress string, keyFactory *keystore.Factory, devices []Device) *Agent {
	a := &Agent{
		log:           log,
		self:          self,
		connAddr:      connectionAddress,
		allDevices:    make(map[domain.DeviceId]Device),
		unusedDevices: make(map[domain.DeviceId]bool),
		devicesInUse:  make(map[domain.DeviceId]domain.SiteId),
		keyFactory:    keyFactory,
		peers:         make(map[domain.SiteId]PeerSiteAgent),
		linkState:     make(map[domain.SiteId]LinkState),
		subscribers:   make(map[int]chan LinkStatus),
	}
	for _, d := range devices {
		a.allDevices[d.ID()] = d
		a.unusedDevices[d.ID()] = true
	}
	return a
}

// RegisterPeer attaches the RPC client used to reach site's ISiteAgent
// surface during hop setup.
func (a *Agent) RegisterPeer(site domain.SiteId, client PeerSiteAgent) {
	a.peerMu.Lock()
	a.peers[site] = client
	a.peerMu.Unlock()
}

func (a *Agent) peer(site domain.SiteId) (PeerSiteAgent, bool) {
	a.peerMu.Lock()
	defer a.peerMu.Unlock()
	c, ok := a.peers[site]
	return c, ok
}

// acquireDevice claims deviceId for destination dest, reusing it if this
// agent already holds it for the same destination (idempotent re-entry
// into an in-progress hop setup).
func (a *Agent) acquireDevice(deviceId domain.DeviceId, dest domain.SiteId) (Device, bool, error) {
	a.devMu.Lock()
	defer a.devMu.Unlock()

	dev, ok := a.allDevices[deviceId]
	if !ok {
		return nil, false, errDeviceUnregistered(deviceId)
	}
	if existingDest, inUse := a.devicesInUse[deviceId]; inUse {
		if existingDest == dest {
			return dev, false, nil // reused, not freshly acquired
		}
		return nil, false, errDeviceInUse(deviceId)
	}
	delete(a.unusedDevices, deviceId)
	a.devicesInUse[deviceId] = dest
	return dev, true, nil
}

// deviceFor looks up a registered device by id.
func (a *Agent) deviceFor(deviceId domain.DeviceId) (Device, bool) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	dev, ok := a.allDevices[deviceId]
	return dev, ok
}

// returnDevice releases deviceId back to the unused pool. Called only for
// devices freshly acquired in the failing hop-setup attempt, never ones
// already in use for another hop in the same path.
func (a *Agent) returnDevice(deviceId domain.DeviceId) {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	delete(a.devicesInUse, deviceId)
	a.unusedDevices[deviceId] = true
}

// SiteDetails is GetSiteDetails' response.
type SiteDetails struct {
	Id      domain.SiteId     `json:"id"`
	Url     string            `json:"url"`
	Devices []domain.DeviceId `json:"devices"`
}

// GetSiteDetails returns static metadata about this site.
func (a *Agent) GetSiteDetails() SiteDetails {
	a.devMu.Lock()
	defer a.devMu.Unlock()
	devices := make([]domain.DeviceId, 0, len(a.allDevices))
	for id := range a.allDevices {
		devices = append(devices, id)
	}
	return SiteDetails{Id: a.self, Url: a.connAddr, Devices: devices}
}
