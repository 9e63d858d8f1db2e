package siteagent

import (
	"fmt"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

func errDeviceUnregistered(id domain.DeviceId) error {
	return fmt.Errorf("device %q: %w", id, kyderrors.ErrDeviceNotFound)
}

func errDeviceInUse(id domain.DeviceId) error {
	return fmt.Errorf("device %q: %w", id, kyderrors.ErrDeviceInUse)
}

func errHopNotOurs(site domain.SiteId) error {
	return fmt.Errorf("neither hop endpoint matches this site (%s): %w", site, kyderrors.ErrInvalidParameters)
}

func errNoSessionAddress() error {
	return fmt.Errorf("no session controller address in request context: %w", kyderrors.ErrInvalidParameters)
}

func errPeerUnregistered(site domain.SiteId) error {
	return fmt.Errorf("site %q: %w", site, kyderrors.ErrPeerUnreachable)
}
