package keystore

import (
	"context"
	"sync"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

// fakeBacking is a minimal in-memory backingstore.Store for tests.
type fakeBacking struct {
	mu       sync.Mutex
	keys     map[domain.SiteId]map[domain.KeyId]domain.PSK
	reserved map[domain.SiteId]map[domain.KeyId]bool
	nextID   map[domain.SiteId]domain.KeyId
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{
		keys:     make(map[domain.SiteId]map[domain.KeyId]domain.PSK),
		reserved: make(map[domain.SiteId]map[domain.KeyId]bool),
		nextID:   make(map[domain.SiteId]domain.KeyId),
	}
}

func (f *fakeBacking) put(dest domain.SiteId, id domain.KeyId, v domain.PSK) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[dest] == nil {
		f.keys[dest] = make(map[domain.KeyId]domain.PSK)
		f.reserved[dest] = make(map[domain.KeyId]bool)
	}
	f.keys[dest][id] = v
	if id >= f.nextID[dest] {
		f.nextID[dest] = id + 1
	}
}

func (f *fakeBacking) StoreKeys(ctx context.Context, dest domain.SiteId, keys []domain.Key) ([]domain.Key, error) {
	for _, k := range keys {
		f.put(dest, k.Id, k.Value)
	}
	return nil, nil
}

func (f *fakeBacking) GetKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[dest][id]
	if !ok {
		return nil, kyderrors.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeBacking) FindKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.KeyId, domain.PSK, error) {
	v, err := f.GetKey(ctx, dest, id)
	return id, v, err
}

func (f *fakeBacking) KeyExists(ctx context.Context, dest domain.SiteId, id domain.KeyId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[dest][id]
	return ok, nil
}

func (f *fakeBacking) ReserveKey(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.keys[dest] {
		if !f.reserved[dest][id] {
			f.reserved[dest][id] = true
			return id, nil
		}
	}
	return 0, kyderrors.ErrNoKeysAvailable
}

func (f *fakeBacking) RemoveKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[dest][id]
	if !ok {
		return nil, kyderrors.ErrKeyNotFound
	}
	delete(f.keys[dest], id)
	delete(f.reserved[dest], id)
	return v, nil
}

func (f *fakeBacking) RemoveKeys(ctx context.Context, dest domain.SiteId, ids []domain.KeyId) ([]domain.Key, error) {
	var out []domain.Key
	for _, id := range ids {
		v, err := f.RemoveKey(ctx, dest, id)
		if err == nil {
			out = append(out, domain.Key{Destination: dest, Id: id, Value: v})
		}
	}
	return out, nil
}

func (f *fakeBacking) GetCounts(ctx context.Context, dest domain.SiteId) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var avail uint64
	for id := range f.keys[dest] {
		if !f.reserved[dest][id] {
			avail++
		}
	}
	return avail, ^uint64(0), nil
}

func (f *fakeBacking) GetNextKeyId(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID[dest]
	f.nextID[dest] = id + 1
	return id, nil
}

func (f *fakeBacking) Close() error { return nil }
