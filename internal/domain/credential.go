package domain

import (
	"time"

	"github.com/google/uuid"
)

// SiteCredential is the shared-secret record a site registers once with its
// home key-management fabric, then authenticates against on every process
// restart to obtain a bearer token for site-to-site RPC.
type SiteCredential struct {
	Site          SiteId
	SecretHash    string
	TOTPSecret    *string
	TOTPEnabled   bool
	IsActive      bool
	LastAuthAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ServiceToken is a long-lived, scoped bearer token for operator tooling and
// the discovery registration call, distinct from the short-lived per-call
// JWTs sites use to authenticate to each other.
type ServiceToken struct {
	ID         uuid.UUID
	Name       string
	KeyPrefix  string
	KeyHash    string
	Scopes     []SiteId
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Permits reports whether the token's scopes allow access to the given site.
func (t ServiceToken) Permits(site SiteId) bool {
	for _, scope := range t.Scopes {
		if scope == "*" || scope == site {
			return true
		}
	}
	return false
}
