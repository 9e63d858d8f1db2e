package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/pkg/logger"
)

// localPeer adapts a Factory running "on another site" into a PeerKeyFactory,
// calling straight into it in-process instead of over the network — enough
// to exercise the telescoping XOR protocol end to end.
type localPeer struct {
	factory *Factory
}

func (p *localPeer) MarkKeyInUse(ctx context.Context, site domain.SiteId, peer domain.SiteId, id domain.KeyId) (domain.KeyId, error) {
	return p.factory.MarkKeyInUse(ctx, peer, id)
}

func (p *localPeer) GetCombinedKey(ctx context.Context, site domain.SiteId, leftSite domain.SiteId, leftId domain.KeyId, rightSite domain.SiteId, rightId domain.KeyId) (CombinedKeyResult, error) {
	return p.factory.GetCombinedKey(ctx, leftSite, leftId, rightSite, rightId)
}

func psk(b byte) domain.PSK {
	v := make([]byte, 16)
	for i := range v {
		v[i] = b
	}
	return v
}

func TestBuildXorKey_ThreeSiteChain_TelescopesToFinalKey(t *testing.T) {
	ctx := context.Background()
	siteA := domain.SiteId("A")
	siteB := domain.SiteId("B")
	siteC := domain.SiteId("C")

	backingAB := newFakeBacking()
	backingBC := newFakeBacking()

	factoryA := NewFactory(logger.NewNop(), backingAB, 100)
	factoryA.SetSiteAddress(siteA)

	factoryB := NewFactory(logger.NewNop(), backingAB, 100) // shares the (A,B) store with A's backing
	factoryB.SetSiteAddress(siteB)
	// B's store with C uses a separate backing instance, standing in for B's
	// own process; we seed it directly below.
	bcStoreOnB := New(logger.NewNop(), backingBC, siteC, 100)
	factoryB.mu.Lock()
	factoryB.stores[siteC] = bcStoreOnB
	factoryB.mu.Unlock()

	factoryA.RegisterPeer(siteB, &localPeer{factory: factoryB})

	// Seed matched keys on both direct links.
	require.NoError(t, factoryA.GetKeyStore(siteB).StoreKey(ctx, 1, psk(0xAA)))
	require.NoError(t, factoryB.GetKeyStore(siteA).StoreKey(ctx, 1, psk(0xAA)))
	require.NoError(t, bcStoreOnB.StoreKey(ctx, 1, psk(0x55)))

	idFirst, idLast, combined, err := factoryA.BuildXorKey(ctx, []domain.SiteId{siteA, siteB, siteC})
	require.NoError(t, err)
	assert.EqualValues(t, 1, idFirst)
	assert.EqualValues(t, 1, idLast)

	// K1 = 0xAA repeated, C1 = K1 xor K2 where K2 = 0x55 repeated (B's combine).
	// Final = K1 xor C1 = K2, i.e. the direct key between B and C under idLast.
	expected := psk(0x55)
	assert.Equal(t, []byte(expected), []byte(combined))
}
