// Package auth issues and validates the bearer tokens site agents use to
// authenticate to each other and to their own backing store over RPC.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
	"github.com/cqp-go/siteagent/pkg/validator"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// TokenBlacklist defines the interface for managing revoked tokens.
type TokenBlacklist interface {
	Blacklist(ctx context.Context, token string, expiration time.Duration) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// Service registers site credentials and issues/validates the JWTs that
// carry a site_id claim across every RPC call in SPEC_FULL.md §6.
type Service struct {
	repo      Repository
	blacklist TokenBlacklist
	validate  *validator.Validator
	jwtSecret string
	jwtExpiry time.Duration
}

// NewService constructs a Service with the given repository and JWT settings.
func NewService(repo Repository, blacklist TokenBlacklist, jwtSecret string, jwtExpiry time.Duration) *Service {
	return &Service{
		repo:      repo,
		blacklist: blacklist,
		validate:  validator.New(),
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

// RegisterRequest captures the fields required to enroll a new site.
type RegisterRequest struct {
	Site   domain.SiteId `json:"site" validate:"required"`
	Secret string        `json:"secret" validate:"required,min=16"`
}

// AuthenticateRequest captures credentials for a site obtaining a bearer token.
type AuthenticateRequest struct {
	Site     domain.SiteId `json:"site" validate:"required"`
	Secret   string        `json:"secret" validate:"required"`
	TOTPCode string        `json:"totp_code"`
}

// TokenResponse is returned on successful registration/authentication.
type TokenResponse struct {
	AccessToken string        `json:"access_token"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Site        domain.SiteId `json:"site"`
}

// Register enrolls a new site credential and returns a bearer token.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*TokenResponse, error) {
	if err := s.validate.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %s", kyderrors.ErrInvalidParameters, err)
	}

	exists, err := s.repo.Exists(ctx, req.Site)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, kyderrors.ErrSiteAlreadyRegistered
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	now := time.Now()
	cred := &domain.SiteCredential{
		Site:       req.Site,
		SecretHash: string(hash),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Create(ctx, cred); err != nil {
		return nil, err
	}

	return s.generateToken(cred)
}

// Authenticate validates a site's shared secret (and TOTP step-up code, if
// the credential has one enrolled) and returns a fresh bearer token.
func (s *Service) Authenticate(ctx context.Context, req *AuthenticateRequest) (*TokenResponse, error) {
	if err := s.validate.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %s", kyderrors.ErrInvalidParameters, err)
	}

	cred, err := s.repo.FindBySite(ctx, req.Site)
	if err != nil {
		return nil, kyderrors.ErrInvalidCredentials
	}
	if !cred.IsActive {
		return nil, kyderrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(req.Secret)); err != nil {
		return nil, kyderrors.ErrInvalidCredentials
	}

	if cred.TOTPEnabled {
		if req.TOTPCode == "" || cred.TOTPSecret == nil || !totp.Validate(req.TOTPCode, *cred.TOTPSecret) {
			return nil, kyderrors.ErrInvalidCredentials
		}
	}

	now := time.Now()
	cred.LastAuthAt = &now
	if err := s.repo.Update(ctx, cred); err != nil {
		return nil, err
	}

	return s.generateToken(cred)
}

// Logout invalidates the token by adding it to the blacklist for the
// remainder of its natural lifetime.
func (s *Service) Logout(ctx context.Context, tokenString string) error {
	if s.blacklist == nil {
		return kyderrors.ErrUnavailable
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil
	}

	expiration := time.Until(time.Unix(int64(exp), 0))
	if expiration < 0 {
		return nil
	}

	return s.blacklist.Blacklist(ctx, tokenString, expiration)
}

func (s *Service) generateToken(cred *domain.SiteCredential) (*TokenResponse, error) {
	expiresAt := time.Now().Add(s.jwtExpiry)

	claims := jwt.MapClaims{
		"site_id": string(cred.Site),
		"exp":     expiresAt.Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessToken, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
		Site:        cred.Site,
	}, nil
}

// EnableTOTP provisions a step-up TOTP secret on an existing credential,
// used by the pkcs11store "so" role before it will unseal an HSM slot.
func (s *Service) EnableTOTP(ctx context.Context, site domain.SiteId, secret string) error {
	cred, err := s.repo.FindBySite(ctx, site)
	if err != nil {
		return err
	}
	cred.TOTPSecret = &secret
	cred.TOTPEnabled = true
	cred.UpdatedAt = time.Now()
	return s.repo.Update(ctx, cred)
}

// Deactivate marks a site credential inactive, rejecting future
// authentication attempts without deleting its audit history.
func (s *Service) Deactivate(ctx context.Context, site domain.SiteId) error {
	cred, err := s.repo.FindBySite(ctx, site)
	if err != nil {
		return err
	}
	cred.IsActive = false
	cred.UpdatedAt = time.Now()
	return s.repo.Update(ctx, cred)
}

// Repository defines storage operations for site credentials.
type Repository interface {
	Create(ctx context.Context, cred *domain.SiteCredential) error
	FindBySite(ctx context.Context, site domain.SiteId) (*domain.SiteCredential, error)
	Exists(ctx context.Context, site domain.SiteId) (bool, error)
	Update(ctx context.Context, cred *domain.SiteCredential) error
}
