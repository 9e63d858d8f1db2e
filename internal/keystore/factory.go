package keystore

import (
	"context"
	"sync"

	"github.com/cqp-go/siteagent/internal/backingstore"
	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
	"github.com/cqp-go/siteagent/pkg/logger"
)

// PeerKeyFactory is the remote collaborator side of IKeyFactory: RPC calls
// issued to another site agent's key store factory during multi-hop key
// combination. internal/siteagent supplies the concrete HTTP+JWT client.
type PeerKeyFactory interface {
	MarkKeyInUse(ctx context.Context, site domain.SiteId, peer domain.SiteId, id domain.KeyId) (domain.KeyId, error)
	GetCombinedKey(ctx context.Context, site domain.SiteId, leftSite domain.SiteId, leftId domain.KeyId, rightSite domain.SiteId, rightId domain.KeyId) (CombinedKeyResult, error)
}

// CombinedKeyResult is what an intermediate site returns for one hop of
// the multi-hop protocol: the XOR-combined value and the id it chose for
// the right-hand store (when rightId wasn't specified by the caller).
type CombinedKeyResult struct {
	Combined domain.PSK
	RightId  domain.KeyId
}

// Factory is the process-wide key store registry: IKey (caller-facing) and
// IKeyFactory (peer-facing) both hang off it, per SPEC_FULL.md §4.3.
type Factory struct {
	log        logger.Logger
	backing    backingstore.Store
	cacheLimit int

	mu     sync.Mutex
	self   domain.SiteId
	stores map[domain.SiteId]*KeyStore
	routes map[domain.SiteId][]domain.SiteId // intermediate sites to reach a non-direct peer
	peers  map[domain.SiteId]PeerKeyFactory
}

// NewFactory constructs a Factory backed by a single shared backing store.
func NewFactory(log logger.Logger, backing backingstore.Store, cacheLimit int) *Factory {
	return &Factory{
		log:        log,
		backing:    backing,
		cacheLimit: cacheLimit,
		stores:     make(map[domain.SiteId]*KeyStore),
		routes:     make(map[domain.SiteId][]domain.SiteId),
		peers:      make(map[domain.SiteId]PeerKeyFactory),
	}
}

// SetSiteAddress sets the local site identity used in the cross-site
// protocol (S0 in §4.3.1's notation).
func (f *Factory) SetSiteAddress(self domain.SiteId) {
	f.mu.Lock()
	f.self = self
	f.mu.Unlock()
}

// SetRoute records the intermediate sites needed to reach dest when it is
// not a direct QKD neighbor. An empty path means dest IS a direct neighbor.
func (f *Factory) SetRoute(dest domain.SiteId, intermediates []domain.SiteId) {
	f.mu.Lock()
	f.routes[dest] = append([]domain.SiteId(nil), intermediates...)
	f.mu.Unlock()
}

// RegisterPeer attaches the RPC client used to reach site's IKeyFactory
// surface during multi-hop combination.
func (f *Factory) RegisterPeer(site domain.SiteId, client PeerKeyFactory) {
	f.mu.Lock()
	f.peers[site] = client
	f.mu.Unlock()
}

// GetKeyStore lazily constructs and caches the KeyStore for peer.
func (f *Factory) GetKeyStore(peer domain.SiteId) *KeyStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ks, ok := f.stores[peer]; ok {
		return ks
	}
	ks := New(f.log, f.backing, peer, f.cacheLimit)
	if route, ok := f.routes[peer]; ok {
		ks.SetPath(route)
	}
	f.stores[peer] = ks
	return ks
}

// GetKeyStores enumerates known peers (IKey.GetKeyStores).
func (f *Factory) GetKeyStores() []domain.SiteId {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SiteId, 0, len(f.stores))
	for site := range f.stores {
		out = append(out, site)
	}
	return out
}

// GetSharedKey returns a shared key with siteTo (IKey.GetSharedKey). A
// zero id asks for a fresh key; otherwise the named id is fetched.
func (f *Factory) GetSharedKey(ctx context.Context, siteTo domain.SiteId, id domain.KeyId) (domain.KeyId, domain.PSK, error) {
	ks := f.GetKeyStore(siteTo)
	if len(ks.Path()) == 0 {
		if id == 0 {
			return ks.GetNewKey(ctx)
		}
		v, err := ks.GetExistingKey(ctx, id)
		return id, v, err
	}
	return f.BuildXorKey(ctx, f.chain(siteTo))
}

func (f *Factory) chain(dest domain.SiteId) []domain.SiteId {
	f.mu.Lock()
	self := f.self
	route := f.routes[dest]
	f.mu.Unlock()
	chain := make([]domain.SiteId, 0, len(route)+2)
	chain = append(chain, self)
	chain = append(chain, route...)
	chain = append(chain, dest)
	return chain
}

// MarkKeyInUse implements IKeyFactory.MarkKeyInUse: a peer asking this
// site to reserve a specific id on its store shared with siteTo.
func (f *Factory) MarkKeyInUse(ctx context.Context, siteTo domain.SiteId, id domain.KeyId) (domain.KeyId, error) {
	return f.GetKeyStore(siteTo).MarkKeyInUse(ctx, id)
}

// GetCombinedKey implements IKeyFactory.GetCombinedKey: this site is one
// intermediate hop Si. It reserves leftId on (left,this) (or marks it in
// use if the caller already chose it), picks a fresh id on (this,right) if
// rightId is zero, and returns their XOR.
func (f *Factory) GetCombinedKey(ctx context.Context, leftSite domain.SiteId, leftId domain.KeyId, rightSite domain.SiteId, rightId domain.KeyId) (CombinedKeyResult, error) {
	leftStore := f.GetKeyStore(leftSite)
	if _, err := leftStore.MarkKeyInUse(ctx, leftId); err != nil {
		return CombinedKeyResult{}, kyderrors.Wrap(err, "keystore: reserve left leg")
	}
	leftValue, err := leftStore.GetExistingKey(ctx, leftId)
	if err != nil {
		_ = leftStore.ReleaseKey(ctx, leftId)
		return CombinedKeyResult{}, kyderrors.Wrap(err, "keystore: read left leg")
	}

	rightStore := f.GetKeyStore(rightSite)
	var rightValue domain.PSK
	if rightId == 0 {
		rightId, rightValue, err = rightStore.GetNewKey(ctx)
	} else {
		_, err = rightStore.MarkKeyInUse(ctx, rightId)
		if err == nil {
			rightValue, err = rightStore.GetExistingKey(ctx, rightId)
		}
	}
	if err != nil {
		_ = leftStore.ReleaseKey(ctx, leftId)
		return CombinedKeyResult{}, kyderrors.Wrap(err, "keystore: reserve right leg")
	}

	combined, err := leftValue.Xor(rightValue)
	if err != nil {
		_ = leftStore.ReleaseKey(ctx, leftId)
		_ = rightStore.ReleaseKey(ctx, rightId)
		return CombinedKeyResult{}, kyderrors.Wrap(err, "keystore: xor combine")
	}

	return CombinedKeyResult{Combined: combined, RightId: rightId}, nil
}
