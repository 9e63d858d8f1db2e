package siteagent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
	"github.com/cqp-go/siteagent/pkg/logger"
)

func newTestAgent(connAddr string) *Agent {
	return New(logger.NewNop(), domain.SiteId(connAddr), connAddr, keystore.NewFactory(logger.NewNop(), nil, 10), nil)
}

func TestAddressIsThisSite_ExactMatch(t *testing.T) {
	a := newTestAgent("scheme://example.org:9000")
	assert.True(t, a.AddressIsThisSite(domain.SiteId("scheme://example.org:9000")))
}

func TestAddressIsThisSite_LocalhostSamePort(t *testing.T) {
	a := newTestAgent("scheme://example.org:9000")
	assert.True(t, a.AddressIsThisSite(domain.SiteId("scheme://localhost:9000")))
	assert.True(t, a.AddressIsThisSite(domain.SiteId("scheme://127.0.0.1:9000")))
}

func TestAddressIsThisSite_DifferentPort(t *testing.T) {
	a := newTestAgent("scheme://example.org:9000")
	assert.False(t, a.AddressIsThisSite(domain.SiteId("scheme://localhost:9001")))
}

func TestAddressIsThisSite_DifferentHostSamePort(t *testing.T) {
	a := newTestAgent("scheme://example.org:9000")
	assert.False(t, a.AddressIsThisSite(domain.SiteId("scheme://totally-unresolvable-host.invalid:9000")))
}
