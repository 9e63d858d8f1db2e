package siteagent

import (
	"github.com/cqp-go/siteagent/internal/domain"
)

// StartNode drives the hop-setup state machine for path. Every site agent
// named anywhere in path receives the same call (directly, or relayed by a
// peer's StartLeftSide); each walks every hop looking for the one(s) that
// name it, and only acts on those. sessionAddress is the session
// controller address a left-side caller wants this site to connect to when
// this call lands on the right side of a hop; empty when this call is the
// original, untargeted invocation (e.g. issued by an operator or the
// initiating site itself), in which case a hop where only the "second"
// endpoint matches is treated as having the hop direction reversed and
// this site bootstraps as the left side instead.
//
// Ported from original_source/SiteAgent.cpp's StartNode/StartLeftSide/
// StartRightSide.
func (a *Agent) StartNode(sessionAddress string, path domain.PhysicalPath) error {
	acquired := make([]domain.DeviceId, 0, len(path))
	rollback := func() {
		for _, id := range acquired {
			a.returnDevice(id)
		}
	}

	for _, hop := range path {
		switch {
		case a.AddressIsThisSite(hop.First.Site):
			fresh, err := a.startLeftSide(hop)
			if err != nil {
				rollback()
				return err
			}
			if fresh {
				acquired = append(acquired, hop.First.DeviceId)
			}

		case a.AddressIsThisSite(hop.Second.Site):
			if sessionAddress != "" {
				fresh, err := a.startRightSide(hop, sessionAddress)
				if err != nil {
					rollback()
					return err
				}
				if fresh {
					acquired = append(acquired, hop.Second.DeviceId)
				}
				continue
			}
			// Caller had the hop direction backwards; bootstrap as the
			// initiator of the reversed pair instead.
			reversed := domain.HopPair{First: hop.Second, Second: hop.First, Params: hop.Params}
			fresh, err := a.startLeftSide(reversed)
			if err != nil {
				rollback()
				return err
			}
			if fresh {
				acquired = append(acquired, reversed.First.DeviceId)
			}

		default:
			// Hop belongs to neither endpoint this agent is; it's an
			// intermediate relay leg handled entirely by the two sites
			// named in it.
		}
	}

	dest, intermediates := a.pathOrientation(path)
	if dest != "" {
		a.keyFactory.SetRoute(dest, intermediates)
		a.setLinkState(dest, LinkConnecting)
	}
	return nil
}

// startLeftSide opens a local session controller for hop, starts the
// session, and instructs the peer at hop.Second.Site to connect to it as
// the right side.
func (a *Agent) startLeftSide(hop domain.HopPair) (fresh bool, err error) {
	if a.GetLinkStatus(hop.Second.Site) == LinkConnectionEstablished {
		return false, nil
	}
	dev, fresh, err := a.acquireDevice(hop.First.DeviceId, hop.Second.Site)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil && fresh {
			a.returnDevice(hop.First.DeviceId)
		}
	}()

	addr, err := dev.StartSessionController()
	if err != nil {
		return fresh, err
	}

	dest := hop.Second.Site
	onEstablished := func() { a.setLinkState(dest, LinkConnectionEstablished) }
	if err = dev.StartSession(hop.Params, onEstablished); err != nil {
		return fresh, err
	}
	dev.AttachKeyStore(a.keyFactory.GetKeyStore(dest))

	peer, ok := a.peer(dest)
	if !ok {
		err = errPeerUnregistered(dest)
		return fresh, err
	}
	if err = peer.StartNode(addr, domain.PhysicalPath{hop}); err != nil {
		_ = dev.Stop()
		return fresh, err
	}
	return fresh, nil
}

// startRightSide connects hop's local device to the peer-advertised
// sessionAddress and starts the session from the responding side.
func (a *Agent) startRightSide(hop domain.HopPair, sessionAddress string) (fresh bool, err error) {
	if a.GetLinkStatus(hop.First.Site) == LinkConnectionEstablished {
		return false, nil
	}
	dev, fresh, err := a.acquireDevice(hop.Second.DeviceId, hop.First.Site)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil && fresh {
			a.returnDevice(hop.Second.DeviceId)
		}
	}()

	if err = dev.ConnectSessionController(sessionAddress); err != nil {
		return fresh, err
	}

	dest := hop.First.Site
	onEstablished := func() { a.setLinkState(dest, LinkConnectionEstablished) }
	if err = dev.StartSession(hop.Params, onEstablished); err != nil {
		return fresh, err
	}
	dev.AttachKeyStore(a.keyFactory.GetKeyStore(dest))
	return fresh, nil
}

// pathOrientation determines which end of path this agent sits on and
// returns the overall destination plus the ordered intermediate relay
// sites between here and there, for registration with the key store
// factory's routing table.
func (a *Agent) pathOrientation(path domain.PhysicalPath) (domain.SiteId, []domain.SiteId) {
	sites := path.Sites()
	if len(sites) < 2 {
		return "", nil
	}
	if a.AddressIsThisSite(sites[0]) {
		dest := sites[len(sites)-1]
		intermediates := append([]domain.SiteId(nil), sites[1:len(sites)-1]...)
		return dest, intermediates
	}
	if a.AddressIsThisSite(sites[len(sites)-1]) {
		dest := sites[0]
		intermediates := make([]domain.SiteId, 0, len(sites)-2)
		for i := len(sites) - 2; i >= 1; i-- {
			intermediates = append(intermediates, sites[i])
		}
		return dest, intermediates
	}
	return "", nil
}

// EndKeyExchange tears down every hop in path that names this agent,
// stopping the device's session and returning it to the unused pool.
func (a *Agent) EndKeyExchange(path domain.PhysicalPath) error {
	for _, hop := range path {
		var deviceId domain.DeviceId
		switch {
		case a.AddressIsThisSite(hop.First.Site):
			deviceId = hop.First.DeviceId
		case a.AddressIsThisSite(hop.Second.Site):
			deviceId = hop.Second.DeviceId
		default:
			continue
		}
		if dev, ok := a.deviceFor(deviceId); ok {
			_ = dev.Stop()
		}
		a.returnDevice(deviceId)
	}

	if dest, _ := a.pathOrientation(path); dest != "" {
		a.setLinkState(dest, LinkInactive)
	}
	return nil
}
