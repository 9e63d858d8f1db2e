// Package keystore implements the Key Store and Key Store Factory: the
// at-most-once, strictly-ordered shared-key repository sitting on top of
// internal/backingstore, and the cross-site multi-hop XOR-combination
// protocol that stitches direct pairwise stores into an end-to-end key.
package keystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cqp-go/siteagent/internal/backingstore"
	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
	"github.com/cqp-go/siteagent/pkg/logger"
)

// DefaultCacheLimit is the hot-cache high-water mark, matching
// original_source/KeyStoreFactory.h's keyStoreCacheLimit default.
const DefaultCacheLimit = 100_000

// KeyStore holds the ordered key relationship with one peer site: a hot
// in-memory cache over a shared backing store, plus the intermediate-site
// path used to reach that peer when it is not a direct QKD neighbor.
type KeyStore struct {
	log     logger.Logger
	backing backingstore.Store
	peer    domain.SiteId

	mu         sync.Mutex
	cacheLimit int
	hot        map[domain.KeyId]domain.PSK
	order      []domain.KeyId // ascending; hot's ids, kept sorted for FIFO eviction and lowest-first GetNewKey
	reserved   map[domain.KeyId]time.Time
	path       []domain.SiteId
}

// New constructs a KeyStore for peer, backed by backing, with cacheLimit
// hot-cache entries before FIFO eviction kicks in.
func New(log logger.Logger, backing backingstore.Store, peer domain.SiteId, cacheLimit int) *KeyStore {
	if cacheLimit <= 0 {
		cacheLimit = DefaultCacheLimit
	}
	return &KeyStore{
		log:        log,
		backing:    backing,
		peer:       peer,
		cacheLimit: cacheLimit,
		hot:        make(map[domain.KeyId]domain.PSK),
		reserved:   make(map[domain.KeyId]time.Time),
	}
}

// SetPath records the ordered list of intermediate sites between this site
// and peer; empty means peer is a direct QKD neighbor.
func (k *KeyStore) SetPath(path []domain.SiteId) {
	k.mu.Lock()
	k.path = append([]domain.SiteId(nil), path...)
	k.mu.Unlock()
}

// Path returns the currently configured intermediate-site path.
func (k *KeyStore) Path() []domain.SiteId {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]domain.SiteId(nil), k.path...)
}

// StoreKey is called by the session's key publisher as new keys arrive.
// It adds id to the hot cache, evicting the lowest ids to the backing
// store in FIFO batches once cacheLimit is exceeded.
func (k *KeyStore) StoreKey(ctx context.Context, id domain.KeyId, value domain.PSK) error {
	k.mu.Lock()
	if _, exists := k.hot[id]; exists {
		k.mu.Unlock()
		return kyderrors.ErrDuplicateKeyID
	}
	k.hot[id] = value
	k.order = insertSorted(k.order, id)
	var evict []domain.Key
	for len(k.order) > k.cacheLimit {
		evictID := k.order[0]
		k.order = k.order[1:]
		evict = append(evict, domain.Key{Destination: k.peer, Id: evictID, Value: k.hot[evictID], State: domain.KeyAvailable})
		delete(k.hot, evictID)
	}
	k.mu.Unlock()

	if len(evict) == 0 {
		return nil
	}
	remaining, err := k.backing.StoreKeys(ctx, k.peer, evict)
	if err != nil {
		k.log.Error("failed to evict hot cache keys to backing store", map[string]interface{}{
			"peer": k.peer.String(), "error": err, "count": len(evict),
		})
		return err
	}
	if len(remaining) > 0 {
		k.log.Warn("some evicted keys were not durably stored", map[string]interface{}{
			"peer": k.peer.String(), "remaining": len(remaining),
		})
	}
	return nil
}

// GetExistingKey fetches a specific id: cache first, then backing store.
func (k *KeyStore) GetExistingKey(ctx context.Context, id domain.KeyId) (domain.PSK, error) {
	k.mu.Lock()
	if v, ok := k.hot[id]; ok {
		k.mu.Unlock()
		return v, nil
	}
	k.mu.Unlock()
	return k.backing.GetKey(ctx, k.peer, id)
}

// GetNewKey reserves and returns the lowest-numbered available key,
// preferring the hot cache (already-minted, not yet persisted keys) over
// the backing store.
func (k *KeyStore) GetNewKey(ctx context.Context) (domain.KeyId, domain.PSK, error) {
	k.mu.Lock()
	for len(k.order) > 0 {
		id := k.order[0]
		if _, isReserved := k.reserved[id]; isReserved {
			// Shouldn't normally happen (cache ids aren't independently
			// reservable by MarkKeyInUse until they reach the backing
			// store) but guard against it for safety.
			k.order = k.order[1:]
			continue
		}
		value := k.hot[id]
		k.order = k.order[1:]
		delete(k.hot, id)
		k.mu.Unlock()
		return id, value, nil
	}
	k.mu.Unlock()

	id, err := k.backing.ReserveKey(ctx, k.peer)
	if err != nil {
		return 0, nil, err
	}
	value, err := k.backing.GetKey(ctx, k.peer, id)
	if err != nil {
		return 0, nil, err
	}
	return id, value, nil
}

// MarkKeyInUse reserves a specific id without returning its value, used
// when a peer requested it first during multi-hop id selection.
func (k *KeyStore) MarkKeyInUse(ctx context.Context, id domain.KeyId) (domain.KeyId, error) {
	k.mu.Lock()
	if _, inCache := k.hot[id]; inCache {
		if _, already := k.reserved[id]; already {
			k.mu.Unlock()
			return 0, kyderrors.ErrConflict
		}
		k.reserved[id] = time.Now()
		k.mu.Unlock()
		return id, nil
	}
	k.mu.Unlock()

	exists, err := k.backing.KeyExists(ctx, k.peer, id)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, kyderrors.ErrKeyNotFound
	}
	k.mu.Lock()
	k.reserved[id] = time.Now()
	k.mu.Unlock()
	return id, nil
}

// ReleaseStaleReservations releases any MarkKeyInUse reservation older
// than maxAge, returning how many were cleared. Driven by the Factory's
// background recovery worker.
func (k *KeyStore) ReleaseStaleReservations(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for id, at := range k.reserved {
		if at.Before(cutoff) {
			delete(k.reserved, id)
			n++
		}
	}
	return n
}

// ReleaseKey undoes a reservation made by MarkKeyInUse or an interrupted
// GetNewKey, returning the id to Available.
func (k *KeyStore) ReleaseKey(ctx context.Context, id domain.KeyId) error {
	k.mu.Lock()
	delete(k.reserved, id)
	k.mu.Unlock()
	return nil
}

// GetCounts returns how many keys are currently available to this store
// (hot cache plus backing store), per §4.3.
func (k *KeyStore) GetCounts(ctx context.Context) (uint64, error) {
	k.mu.Lock()
	hotCount := uint64(len(k.order))
	k.mu.Unlock()

	backingAvailable, _, err := k.backing.GetCounts(ctx, k.peer)
	if err != nil {
		return hotCount, err
	}
	return hotCount + backingAvailable, nil
}

func insertSorted(order []domain.KeyId, id domain.KeyId) []domain.KeyId {
	idx := sort.Search(len(order), func(i int) bool { return order[i] >= id })
	order = append(order, 0)
	copy(order[idx+1:], order[idx:])
	order[idx] = id
	return order
}
