package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/pkg/logger"
)

func TestKeyStore_StoreAndGetNewKey_FIFOOrder(t *testing.T) {
	backing := newFakeBacking()
	ks := New(logger.NewNop(), backing, domain.SiteId("siteB"), 10)

	require.NoError(t, ks.StoreKey(context.Background(), 5, domain.PSK(make([]byte, 16))))
	require.NoError(t, ks.StoreKey(context.Background(), 2, domain.PSK(make([]byte, 16))))
	require.NoError(t, ks.StoreKey(context.Background(), 8, domain.PSK(make([]byte, 16))))

	id, _, err := ks.GetNewKey(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, id)

	id, _, err = ks.GetNewKey(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, id)
}

func TestKeyStore_StoreKey_DuplicateRejected(t *testing.T) {
	backing := newFakeBacking()
	ks := New(logger.NewNop(), backing, domain.SiteId("siteB"), 10)
	require.NoError(t, ks.StoreKey(context.Background(), 1, domain.PSK(make([]byte, 16))))
	assert.Error(t, ks.StoreKey(context.Background(), 1, domain.PSK(make([]byte, 16))))
}

func TestKeyStore_Eviction_FlushesLowestIdsToBackingStore(t *testing.T) {
	backing := newFakeBacking()
	ks := New(logger.NewNop(), backing, domain.SiteId("siteB"), 2)

	for i := domain.KeyId(1); i <= 3; i++ {
		require.NoError(t, ks.StoreKey(context.Background(), i, domain.PSK(make([]byte, 16))))
	}

	// Cache limit 2: storing id 3 should have evicted id 1 to the backing store.
	exists, err := backing.KeyExists(context.Background(), domain.SiteId("siteB"), 1)
	require.NoError(t, err)
	assert.True(t, exists)

	v, err := ks.GetExistingKey(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, v, 16)
}

func TestKeyStore_MarkKeyInUse_RejectsDoubleReservation(t *testing.T) {
	backing := newFakeBacking()
	ks := New(logger.NewNop(), backing, domain.SiteId("siteB"), 10)
	require.NoError(t, ks.StoreKey(context.Background(), 1, domain.PSK(make([]byte, 16))))

	_, err := ks.MarkKeyInUse(context.Background(), 1)
	require.NoError(t, err)

	_, err = ks.MarkKeyInUse(context.Background(), 1)
	assert.Error(t, err)

	require.NoError(t, ks.ReleaseKey(context.Background(), 1))
	_, err = ks.MarkKeyInUse(context.Background(), 1)
	assert.NoError(t, err)
}
