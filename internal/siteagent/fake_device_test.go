package siteagent

import (
	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
)

type fakeDevice struct {
	id            domain.DeviceId
	startErr      error
	connectErr    error
	sessionErr    error
	establishedCB func()
	stopped       bool
	attachedStore *keystore.KeyStore
}

func (d *fakeDevice) ID() domain.DeviceId { return d.id }

func (d *fakeDevice) StartSessionController() (string, error) {
	if d.startErr != nil {
		return "", d.startErr
	}
	return "127.0.0.1:0", nil
}

func (d *fakeDevice) ConnectSessionController(address string) error {
	return d.connectErr
}

func (d *fakeDevice) StartSession(params domain.SystemParameters, onEstablished func()) error {
	if d.sessionErr != nil {
		return d.sessionErr
	}
	d.establishedCB = onEstablished
	if onEstablished != nil {
		onEstablished()
	}
	return nil
}

func (d *fakeDevice) Stop() error {
	d.stopped = true
	return nil
}

func (d *fakeDevice) AttachKeyStore(ks *keystore.KeyStore) {
	d.attachedStore = ks
}
