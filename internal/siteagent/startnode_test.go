package siteagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/keystore"
	"github.com/cqp-go/siteagent/pkg/logger"
)

// localSitePeer adapts a remote test Agent into a PeerSiteAgent by calling
// straight into it in-process, the same pattern keystore's localPeer uses
// to exercise the telescoping protocol without real network RPC.
type localSitePeer struct {
	agent *Agent
}

func (p *localSitePeer) StartNode(sessionAddress string, path domain.PhysicalPath) error {
	return p.agent.StartNode(sessionAddress, path)
}

func (p *localSitePeer) EndKeyExchange(path domain.PhysicalPath) error {
	return p.agent.EndKeyExchange(path)
}

func newTestFactory() *keystore.Factory {
	return keystore.NewFactory(logger.NewNop(), nil, 10)
}

func twoSiteHop(siteA, siteB domain.SiteId, devA, devB domain.DeviceId) domain.HopPair {
	return domain.HopPair{
		First:  domain.HopEndpoint{Site: siteA, DeviceId: devA},
		Second: domain.HopEndpoint{Site: siteB, DeviceId: devB},
	}
}

func TestStartNode_LeftSideInitiatesAndPeerConnects(t *testing.T) {
	siteA := domain.SiteId("scheme://a:1000")
	siteB := domain.SiteId("scheme://b:2000")
	devA := &fakeDevice{id: "devA"}
	devB := &fakeDevice{id: "devB"}

	agentA := New(logger.NewNop(), siteA, string(siteA), newTestFactory(), []Device{devA})
	agentB := New(logger.NewNop(), siteB, string(siteB), newTestFactory(), []Device{devB})
	agentA.RegisterPeer(siteB, &localSitePeer{agent: agentB})

	hop := twoSiteHop(siteA, siteB, "devA", "devB")
	require.NoError(t, agentA.StartNode("", domain.PhysicalPath{hop}))

	assert.NotNil(t, devA.attachedStore)
	assert.NotNil(t, devB.attachedStore)
	assert.Equal(t, LinkConnecting, agentA.GetLinkStatus(siteB))
}

func TestStartNode_Idempotent_AlreadyEstablishedSkipsReopen(t *testing.T) {
	siteA := domain.SiteId("scheme://a:1000")
	siteB := domain.SiteId("scheme://b:2000")
	devA := &fakeDevice{id: "devA"}
	devB := &fakeDevice{id: "devB"}

	agentA := New(logger.NewNop(), siteA, string(siteA), newTestFactory(), []Device{devA})
	agentB := New(logger.NewNop(), siteB, string(siteB), newTestFactory(), []Device{devB})
	agentA.RegisterPeer(siteB, &localSitePeer{agent: agentB})

	hop := twoSiteHop(siteA, siteB, "devA", "devB")
	require.NoError(t, agentA.StartNode("", domain.PhysicalPath{hop}))

	agentA.setLinkState(siteB, LinkConnectionEstablished)
	devA.stopped = false

	require.NoError(t, agentA.StartNode("", domain.PhysicalPath{hop}))
	assert.False(t, devA.stopped)
}

func TestStartNode_LeftSideFailure_ReturnsDevice(t *testing.T) {
	siteA := domain.SiteId("scheme://a:1000")
	siteB := domain.SiteId("scheme://b:2000")
	devA := &fakeDevice{id: "devA", startErr: assert.AnError}

	agentA := New(logger.NewNop(), siteA, string(siteA), newTestFactory(), []Device{devA})

	hop := twoSiteHop(siteA, siteB, "devA", "devB")
	err := agentA.StartNode("", domain.PhysicalPath{hop})
	require.Error(t, err)

	_, inUse := agentA.devicesInUse["devA"]
	assert.False(t, inUse)
	assert.True(t, agentA.unusedDevices["devA"])
}

func TestEndKeyExchange_StopsAndReturnsDevice(t *testing.T) {
	siteA := domain.SiteId("scheme://a:1000")
	siteB := domain.SiteId("scheme://b:2000")
	devA := &fakeDevice{id: "devA"}
	devB := &fakeDevice{id: "devB"}

	agentA := New(logger.NewNop(), siteA, string(siteA), newTestFactory(), []Device{devA})
	agentB := New(logger.NewNop(), siteB, string(siteB), newTestFactory(), []Device{devB})
	agentA.RegisterPeer(siteB, &localSitePeer{agent: agentB})

	hop := twoSiteHop(siteA, siteB, "devA", "devB")
	require.NoError(t, agentA.StartNode("", domain.PhysicalPath{hop}))

	require.NoError(t, agentA.EndKeyExchange(domain.PhysicalPath{hop}))
	assert.True(t, devA.stopped)
	assert.True(t, agentA.unusedDevices["devA"])
	assert.Equal(t, LinkInactive, agentA.GetLinkStatus(siteB))
}

func TestSubscribeLinkStatus_ReceivesTransitions(t *testing.T) {
	a := New(logger.NewNop(), domain.SiteId("scheme://a:1000"), "scheme://a:1000", newTestFactory(), nil)
	ch, unsubscribe := a.SubscribeLinkStatus()
	defer unsubscribe()

	a.setLinkState(domain.SiteId("scheme://b:2000"), LinkConnecting)
	ev := <-ch
	assert.Equal(t, LinkConnecting, ev.State)
}
