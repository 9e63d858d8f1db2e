package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/pkg/errors"

	"github.com/google/uuid"
)

// ServiceTokenRepository defines storage operations for long-lived service
// tokens — issued to operator tooling and the discovery registration path,
// not to other site agents (those authenticate with Service.Authenticate).
type ServiceTokenRepository interface {
	Create(ctx context.Context, token *domain.ServiceToken) error
	List(ctx context.Context) ([]domain.ServiceToken, error)
	GetByKeyHash(ctx context.Context, hash string) (*domain.ServiceToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

// ServiceTokenService issues and validates raw bearer tokens for operator
// tooling and the discovery registration call, as an alternative to the
// per-site JWT path that StartNode/EndKeyExchange use.
type ServiceTokenService struct {
	repo ServiceTokenRepository
}

func NewServiceTokenService(repo ServiceTokenRepository) *ServiceTokenService {
	return &ServiceTokenService{repo: repo}
}

// CreateToken generates a new service token scoped to the given site IDs
// (or "*" for unrestricted access) and returns both the stored record and
// the raw token value, which is never persisted or retrievable again.
func (s *ServiceTokenService) CreateToken(ctx context.Context, name string, scopes []domain.SiteId) (*domain.ServiceToken, string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, "", errors.Wrap(err, "failed to generate random bytes")
	}

	rawKey := "cqp_live_" + hex.EncodeToString(keyBytes)

	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	token := &domain.ServiceToken{
		ID:        uuid.New(),
		Name:      name,
		KeyPrefix: rawKey[:13],
		KeyHash:   keyHash,
		Scopes:    scopes,
		IsActive:  true,
		CreatedAt: time.Now(),
	}

	if err := s.repo.Create(ctx, token); err != nil {
		return nil, "", err
	}

	return token, rawKey, nil
}

func (s *ServiceTokenService) ListTokens(ctx context.Context) ([]domain.ServiceToken, error) {
	return s.repo.List(ctx)
}

func (s *ServiceTokenService) RevokeToken(ctx context.Context, id uuid.UUID) error {
	return s.repo.Revoke(ctx, id)
}

// ValidateToken looks up a raw bearer token by its hash and confirms it is
// still active. The repository's last-used timestamp is updated best effort,
// off the request path.
func (s *ServiceTokenService) ValidateToken(ctx context.Context, rawKey string) (*domain.ServiceToken, error) {
	hash := sha256.Sum256([]byte(rawKey))
	keyHash := hex.EncodeToString(hash[:])

	token, err := s.repo.GetByKeyHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if token == nil || !token.IsActive {
		return nil, errors.ErrInvalidCredentials
	}

	go func() {
		_ = s.repo.UpdateLastUsed(context.Background(), token.ID)
	}()

	return token, nil
}
