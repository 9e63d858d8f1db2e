// Package yubihsm is the YubiHSM2 backing-store backend: a thin PKCS#11
// variant that cannot store arbitrary per-object metadata, so reservations
// live only in process memory, and key ids are 16-bit. Grounded directly on
// the reference toolkit's YubiHSM class, which subclasses its generic
// HSMStore and overrides only ReserveKey/RemoveKey to track reservations
// in a std::map<destination, vector<KeyID>> instead of CKA_START_DATE.
package yubihsm

import (
	"context"
	"sync"

	"github.com/cqp-go/siteagent/internal/backingstore"
	"github.com/cqp-go/siteagent/internal/backingstore/pkcs11store"
	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

func init() {
	backingstore.Register("yubihsm2", func(ctx context.Context, rawURL string) (backingstore.Store, error) {
		return Open(rawURL)
	})
}

// Store wraps a pkcs11store.Store configured for the YubiHSM2's opaque-data
// object class, adding in-memory reservation tracking.
type Store struct {
	inner *pkcs11store.Store

	mu       sync.Mutex
	reserved map[domain.SiteId][]domain.KeyId
}

// Open loads the YubiHSM2's PKCS#11 module (the same grammar as pkcs11:
// URLs, under the yubihsm2: scheme) and narrows the object id space to 16
// bits, since the device cannot address more.
func Open(rawURL string) (*Store, error) {
	inner, err := pkcs11store.Open("pkcs11:" + rawURL[len("yubihsm2:"):])
	if err != nil {
		return nil, err
	}
	inner.SetBytesPerKeyID(2)
	return &Store{
		inner:    inner,
		reserved: make(map[domain.SiteId][]domain.KeyId),
	}, nil
}

func (s *Store) Close() error { return s.inner.Close() }

func (s *Store) StoreKeys(ctx context.Context, dest domain.SiteId, keys []domain.Key) ([]domain.Key, error) {
	return s.inner.StoreKeys(ctx, dest, keys)
}

func (s *Store) GetKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	return s.inner.GetKey(ctx, dest, id)
}

func (s *Store) FindKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.KeyId, domain.PSK, error) {
	return s.inner.FindKey(ctx, dest, id)
}

func (s *Store) KeyExists(ctx context.Context, dest domain.SiteId, id domain.KeyId) (bool, error) {
	return s.inner.KeyExists(ctx, dest, id)
}

// ReserveKey walks the token's objects for dest, asking for one more than
// the currently reserved count, and returns the first id not already in the
// in-memory reserved set — the device itself has nothing it can flip to
// mark a reservation.
func (s *Store) ReserveKey(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := len(s.reserved[dest]) + 1
	ids, err := s.inner.ListKeyIDs(ctx, dest, want)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, kyderrors.ErrNoKeysAvailable
	}

	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		if !containsID(s.reserved[dest], id) {
			s.reserved[dest] = append(s.reserved[dest], id)
			return id, nil
		}
	}
	return 0, kyderrors.ErrNoKeysAvailable
}

func (s *Store) RemoveKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	value, err := s.inner.RemoveKey(ctx, dest, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.reserved[dest] = removeID(s.reserved[dest], id)
	s.mu.Unlock()
	return value, nil
}

func (s *Store) RemoveKeys(ctx context.Context, dest domain.SiteId, ids []domain.KeyId) ([]domain.Key, error) {
	out := make([]domain.Key, 0, len(ids))
	for _, id := range ids {
		v, err := s.RemoveKey(ctx, dest, id)
		if err != nil {
			continue
		}
		out = append(out, domain.Key{Destination: dest, Id: id, Value: v, State: domain.KeyConsumed})
	}
	return out, nil
}

func (s *Store) GetCounts(ctx context.Context, dest domain.SiteId) (uint64, uint64, error) {
	return s.inner.GetCounts(ctx, dest)
}

func (s *Store) GetNextKeyId(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	return s.inner.GetNextKeyId(ctx, dest)
}

func containsID(ids []domain.KeyId, id domain.KeyId) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []domain.KeyId, id domain.KeyId) []domain.KeyId {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
