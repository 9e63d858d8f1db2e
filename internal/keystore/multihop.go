package keystore

import (
	"context"
	"fmt"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

// BuildXorKey drives the multi-hop combined-key protocol of
// SPEC_FULL.md §4.3.1 across path = [S0=local, S1, ..., Sn=destination].
// S0 picks id1 on its direct store with S1; each intermediate Si
// (1 <= i < n) is then asked in turn to reserve the id chosen for its
// left-hand store, pick a fresh id for its right-hand store, and return
// their XOR. The final key is the telescoping XOR of the first direct key
// and every intermediate's combined value; it equals the direct key of
// id_last between S_{n-1} and Sn, which Sn can look up without knowing the
// rest of the chain.
func (f *Factory) BuildXorKey(ctx context.Context, path []domain.SiteId) (domain.KeyId, domain.KeyId, domain.PSK, error) {
	if len(path) < 2 {
		return 0, 0, nil, kyderrors.ErrInvalidParameters
	}
	if len(path) == 2 {
		id, value, err := f.GetKeyStore(path[1]).GetNewKey(ctx)
		return id, id, value, err
	}

	firstStore := f.GetKeyStore(path[1])
	id1, combined, err := firstStore.GetNewKey(ctx)
	if err != nil {
		return 0, 0, nil, kyderrors.Wrap(err, "keystore: reserve first hop")
	}

	leftId := id1
	for i := 1; i < len(path)-1; i++ {
		site := path[i]
		client, ok := f.peerClient(site)
		if !ok {
			_ = firstStore.ReleaseKey(ctx, id1)
			return 0, 0, nil, fmt.Errorf("keystore: no peer client registered for %s", site)
		}

		result, err := client.GetCombinedKey(ctx, f.selfID(), path[i-1], leftId, path[i+1], 0)
		if err != nil {
			_ = firstStore.ReleaseKey(ctx, id1)
			f.log.Warn("multi-hop combined-key request failed, chain partially reserved", map[string]interface{}{
				"failedAt": site.String(),
				"error":    err,
			})
			// Reservations already made on sites before this one are left
			// for the backing store to reclaim on timeout, per
			// SPEC_FULL.md §4.3.1's documented failure discretion.
			return 0, 0, nil, kyderrors.Wrap(err, "keystore: multi-hop combine")
		}

		combined, err = combined.Xor(result.Combined)
		if err != nil {
			_ = firstStore.ReleaseKey(ctx, id1)
			return 0, 0, nil, kyderrors.Wrap(err, "keystore: xor accumulate")
		}
		leftId = result.RightId
	}

	return id1, leftId, combined, nil
}

func (f *Factory) peerClient(site domain.SiteId) (PeerKeyFactory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.peers[site]
	return c, ok
}

func (f *Factory) selfID() domain.SiteId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}
