package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/google/uuid"
)

type fakeServiceTokenRepo struct {
	byHash map[string]*domain.ServiceToken
}

func newFakeServiceTokenRepo() *fakeServiceTokenRepo {
	return &fakeServiceTokenRepo{byHash: make(map[string]*domain.ServiceToken)}
}

func (r *fakeServiceTokenRepo) Create(ctx context.Context, token *domain.ServiceToken) error {
	r.byHash[token.KeyHash] = token
	return nil
}

func (r *fakeServiceTokenRepo) List(ctx context.Context) ([]domain.ServiceToken, error) {
	out := make([]domain.ServiceToken, 0, len(r.byHash))
	for _, t := range r.byHash {
		out = append(out, *t)
	}
	return out, nil
}

func (r *fakeServiceTokenRepo) GetByKeyHash(ctx context.Context, hash string) (*domain.ServiceToken, error) {
	return r.byHash[hash], nil
}

func (r *fakeServiceTokenRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	for _, t := range r.byHash {
		if t.ID == id {
			t.IsActive = false
		}
	}
	return nil
}

func (r *fakeServiceTokenRepo) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	return nil
}

func TestServiceToken_CreateAndValidate(t *testing.T) {
	svc := NewServiceTokenService(newFakeServiceTokenRepo())

	token, raw, err := svc.CreateToken(context.Background(), "netman", []domain.SiteId{"*"})
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.True(t, token.Permits("scheme://anything:1"))

	validated, err := svc.ValidateToken(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, token.ID, validated.ID)
}

func TestServiceToken_RevokedRejected(t *testing.T) {
	svc := NewServiceTokenService(newFakeServiceTokenRepo())
	token, raw, err := svc.CreateToken(context.Background(), "netman", []domain.SiteId{"scheme://a:1000"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(context.Background(), token.ID))

	_, err = svc.ValidateToken(context.Background(), raw)
	assert.Error(t, err)
}

func TestServiceToken_WrongScopeDenied(t *testing.T) {
	token := domain.ServiceToken{Scopes: []domain.SiteId{"scheme://a:1000"}, IsActive: true}
	assert.True(t, token.Permits("scheme://a:1000"))
	assert.False(t, token.Permits("scheme://b:2000"))
}
