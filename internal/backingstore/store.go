// Package backingstore defines the key-addressable persistent repository
// contract and dispatches to one of its pluggable backends (DB-file,
// PKCS#11 HSM, YubiHSM2) based on the configured storage URL's scheme.
package backingstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/cqp-go/siteagent/internal/domain"
)

// Store is the backing-store contract every backend implements. All
// operations must be safe under concurrent callers on the same process.
type Store interface {
	// StoreKeys durably persists keys for dest. On partial failure, keys is
	// left holding those not stored so the caller may retry. A duplicate id
	// for dest is an error.
	StoreKeys(ctx context.Context, dest domain.SiteId, keys []domain.Key) ([]domain.Key, error)

	// GetKey returns the value for (dest,id) without deleting it.
	GetKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error)

	// FindKey returns the lowest-numbered available key if id == 0, else
	// the named one, and writes back the chosen id.
	FindKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.KeyId, domain.PSK, error)

	// KeyExists reports whether (dest,id) is present in any state.
	KeyExists(ctx context.Context, dest domain.SiteId, id domain.KeyId) (bool, error)

	// ReserveKey atomically selects an Available key and transitions it to
	// Reserved, returning its id. Subsequent reserves never repeat an id
	// until it is released.
	ReserveKey(ctx context.Context, dest domain.SiteId) (domain.KeyId, error)

	// RemoveKey atomically reads and deletes (dest,id), clearing any
	// reservation.
	RemoveKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error)

	// RemoveKeys batch-deletes ids, returning their values in the same
	// order (missing ids are simply absent from the result).
	RemoveKeys(ctx context.Context, dest domain.SiteId, ids []domain.KeyId) ([]domain.Key, error)

	// GetCounts returns how many keys are Available and how many more bytes
	// of capacity remain (math.MaxUint64 for unbounded backends).
	GetCounts(ctx context.Context, dest domain.SiteId) (available uint64, capacityRemaining uint64, err error)

	// GetNextKeyId returns the smallest id not yet used for dest; monotonic
	// across calls, never decreasing.
	GetNextKeyId(ctx context.Context, dest domain.SiteId) (domain.KeyId, error)

	// Close releases any held resources (file handles, HSM sessions).
	Close() error
}

// Opener constructs a Store from a fully parsed configuration URL. Backends
// register themselves under their URI scheme via Register.
type Opener func(ctx context.Context, rawURL string) (Store, error)

var openers = map[string]Opener{}

// Register makes a backend constructor available under the given scheme.
// Called from each backend package's init().
func Register(scheme string, open Opener) {
	openers[scheme] = open
}

// Open dispatches to the registered backend for url's scheme ("file",
// "pkcs11", "yubihsm2"), per SPEC_FULL.md §4.2.
func Open(ctx context.Context, rawURL string) (Store, error) {
	scheme := schemeOf(rawURL)
	open, ok := openers[scheme]
	if !ok {
		return nil, fmt.Errorf("backingstore: no backend registered for scheme %q", scheme)
	}
	return open(ctx, rawURL)
}

func schemeOf(rawURL string) string {
	idx := strings.Index(rawURL, ":")
	if idx < 0 {
		return ""
	}
	return rawURL[:idx]
}
