package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

type fakeCredentialRepo struct {
	bySite map[domain.SiteId]*domain.SiteCredential
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{bySite: make(map[domain.SiteId]*domain.SiteCredential)}
}

func (r *fakeCredentialRepo) Create(ctx context.Context, cred *domain.SiteCredential) error {
	r.bySite[cred.Site] = cred
	return nil
}

func (r *fakeCredentialRepo) FindBySite(ctx context.Context, site domain.SiteId) (*domain.SiteCredential, error) {
	cred, ok := r.bySite[site]
	if !ok {
		return nil, assert.AnError
	}
	return cred, nil
}

func (r *fakeCredentialRepo) Exists(ctx context.Context, site domain.SiteId) (bool, error) {
	_, ok := r.bySite[site]
	return ok, nil
}

func (r *fakeCredentialRepo) Update(ctx context.Context, cred *domain.SiteCredential) error {
	r.bySite[cred.Site] = cred
	return nil
}

type fakeBlacklist struct {
	revoked map[string]bool
}

func (b *fakeBlacklist) Blacklist(ctx context.Context, token string, expiration time.Duration) error {
	if b.revoked == nil {
		b.revoked = make(map[string]bool)
	}
	b.revoked[token] = true
	return nil
}

func (b *fakeBlacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	return b.revoked[token], nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewService(newFakeCredentialRepo(), &fakeBlacklist{}, "test-secret", time.Hour)

	tok, err := svc.Register(context.Background(), &RegisterRequest{
		Site:   "scheme://a:1000",
		Secret: "a-sufficiently-long-secret",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, domain.SiteId("scheme://a:1000"), tok.Site)

	auth, err := svc.Authenticate(context.Background(), &AuthenticateRequest{
		Site:   "scheme://a:1000",
		Secret: "a-sufficiently-long-secret",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, auth.AccessToken)
}

func TestRegister_DuplicateSiteRejected(t *testing.T) {
	svc := NewService(newFakeCredentialRepo(), &fakeBlacklist{}, "test-secret", time.Hour)
	req := &RegisterRequest{Site: "scheme://a:1000", Secret: "a-sufficiently-long-secret"}

	_, err := svc.Register(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), req)
	assert.ErrorIs(t, err, kyderrors.ErrSiteAlreadyRegistered)
}

func TestRegister_ShortSecretRejected(t *testing.T) {
	svc := NewService(newFakeCredentialRepo(), &fakeBlacklist{}, "test-secret", time.Hour)
	_, err := svc.Register(context.Background(), &RegisterRequest{Site: "scheme://a:1000", Secret: "too-short"})
	assert.ErrorIs(t, err, kyderrors.ErrInvalidParameters)
}

func TestAuthenticate_WrongSecretRejected(t *testing.T) {
	svc := NewService(newFakeCredentialRepo(), &fakeBlacklist{}, "test-secret", time.Hour)
	_, err := svc.Register(context.Background(), &RegisterRequest{Site: "scheme://a:1000", Secret: "a-sufficiently-long-secret"})
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), &AuthenticateRequest{Site: "scheme://a:1000", Secret: "wrong-secret-wrong-secret"})
	assert.Error(t, err)
}

func TestLogout_Blacklists(t *testing.T) {
	bl := &fakeBlacklist{}
	svc := NewService(newFakeCredentialRepo(), bl, "test-secret", time.Hour)
	tok, err := svc.Register(context.Background(), &RegisterRequest{Site: "scheme://a:1000", Secret: "a-sufficiently-long-secret"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), tok.AccessToken))
	revoked, err := bl.IsBlacklisted(context.Background(), tok.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)
}
