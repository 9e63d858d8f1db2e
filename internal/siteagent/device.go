package siteagent

import (
	"fmt"
	"net"
	"sync"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
)

// loopbackDevice is the local-network stand-in for a physical QKD device's
// session controller: it opens a TCP listener to stand in for
// "StartSessionController" and treats any successful dial as session
// establishment. Hardware-specific QKD device drivers are out of scope
// (see Non-goals); this exists only to exercise the device
// factory/session-controller wiring described in SPEC_FULL.md §5.
type loopbackDevice struct {
	id       domain.DeviceId
	mu       sync.Mutex
	listener net.Listener
	ks       *keystore.KeyStore
}

// NewLoopbackDevice constructs a Device identified by id, listening on
// listenAddr when acting as the left side of a hop.
func NewLoopbackDevice(id domain.DeviceId) Device {
	return &loopbackDevice{id: id}
}

func (d *loopbackDevice) ID() domain.DeviceId { return d.id }

func (d *loopbackDevice) StartSessionController() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("device %s: start session controller: %w", d.id, err)
	}
	d.listener = ln
	return ln.Addr().String(), nil
}

func (d *loopbackDevice) ConnectSessionController(address string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("device %s: connect session controller: %w", d.id, err)
	}
	return conn.Close()
}

func (d *loopbackDevice) StartSession(params domain.SystemParameters, onEstablished func()) error {
	if onEstablished != nil {
		onEstablished()
	}
	return nil
}

func (d *loopbackDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		err := d.listener.Close()
		d.listener = nil
		return err
	}
	return nil
}

func (d *loopbackDevice) AttachKeyStore(ks *keystore.KeyStore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ks = ks
}
