package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

// SQLRepository is the sqlite-backed Repository/ServiceTokenRepository
// implementation, mirroring internal/backingstore/sqlstore's pragma and
// transaction discipline for a second, independent database file.
type SQLRepository struct {
	db *sqlx.DB
}

// OpenSQLRepository opens (creating if absent) the sqlite database at path
// and ensures the credentials/service_tokens schema exists.
func OpenSQLRepository(ctx context.Context, path string) (*SQLRepository, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, kyderrors.Wrap(err, "auth: open")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, kyderrors.Wrap(err, "auth: pragma")
		}
	}

	r := &SQLRepository{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLRepository) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS site_credentials (
	site          TEXT PRIMARY KEY,
	secret_hash   TEXT NOT NULL,
	totp_secret   TEXT,
	totp_enabled  INTEGER NOT NULL DEFAULT 0,
	is_active     INTEGER NOT NULL DEFAULT 1,
	last_auth_at  DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS service_tokens (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	key_prefix   TEXT NOT NULL,
	key_hash     TEXT NOT NULL UNIQUE,
	scopes       TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL,
	last_used_at DATETIME
);
`)
	if err != nil {
		return kyderrors.Wrap(err, "auth: ensure schema")
	}
	return nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type credentialRow struct {
	Site        string         `db:"site"`
	SecretHash  string         `db:"secret_hash"`
	TOTPSecret  sql.NullString `db:"totp_secret"`
	TOTPEnabled bool           `db:"totp_enabled"`
	IsActive    bool           `db:"is_active"`
	LastAuthAt  sql.NullTime   `db:"last_auth_at"`
	CreatedAt   sql.NullTime   `db:"created_at"`
	UpdatedAt   sql.NullTime   `db:"updated_at"`
}

func (row credentialRow) toDomain() *domain.SiteCredential {
	cred := &domain.SiteCredential{
		Site:        domain.SiteId(row.Site),
		SecretHash:  row.SecretHash,
		TOTPEnabled: row.TOTPEnabled,
		IsActive:    row.IsActive,
		CreatedAt:   row.CreatedAt.Time,
		UpdatedAt:   row.UpdatedAt.Time,
	}
	if row.TOTPSecret.Valid {
		s := row.TOTPSecret.String
		cred.TOTPSecret = &s
	}
	if row.LastAuthAt.Valid {
		t := row.LastAuthAt.Time
		cred.LastAuthAt = &t
	}
	return cred
}

func (r *SQLRepository) Create(ctx context.Context, cred *domain.SiteCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO site_credentials (site, secret_hash, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(cred.Site), cred.SecretHash, cred.IsActive, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return kyderrors.Wrap(err, "auth: create credential")
	}
	return nil
}

func (r *SQLRepository) FindBySite(ctx context.Context, site domain.SiteId) (*domain.SiteCredential, error) {
	var row credentialRow
	err := r.db.GetContext(ctx, &row,
		`SELECT site, secret_hash, totp_secret, totp_enabled, is_active, last_auth_at, created_at, updated_at
		 FROM site_credentials WHERE site = ?`, string(site))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kyderrors.ErrNotFound
	}
	if err != nil {
		return nil, kyderrors.Wrap(err, "auth: find credential")
	}
	return row.toDomain(), nil
}

func (r *SQLRepository) Exists(ctx context.Context, site domain.SiteId) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM site_credentials WHERE site = ?`, string(site))
	if err != nil {
		return false, kyderrors.Wrap(err, "auth: check credential exists")
	}
	return count > 0, nil
}

func (r *SQLRepository) Update(ctx context.Context, cred *domain.SiteCredential) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE site_credentials
		 SET secret_hash = ?, totp_secret = ?, totp_enabled = ?, is_active = ?, last_auth_at = ?, updated_at = ?
		 WHERE site = ?`,
		cred.SecretHash, cred.TOTPSecret, cred.TOTPEnabled, cred.IsActive, cred.LastAuthAt, cred.UpdatedAt,
		string(cred.Site))
	if err != nil {
		return kyderrors.Wrap(err, "auth: update credential")
	}
	return nil
}

type serviceTokenRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	KeyPrefix  string         `db:"key_prefix"`
	KeyHash    string         `db:"key_hash"`
	Scopes     string         `db:"scopes"`
	IsActive   bool           `db:"is_active"`
	CreatedAt  sql.NullTime   `db:"created_at"`
	LastUsedAt sql.NullTime   `db:"last_used_at"`
}

func (row serviceTokenRow) toDomain() domain.ServiceToken {
	var scopes []domain.SiteId
	for _, s := range strings.Split(row.Scopes, ",") {
		if s != "" {
			scopes = append(scopes, domain.SiteId(s))
		}
	}
	tok := domain.ServiceToken{
		ID:        uuid.MustParse(row.ID),
		Name:      row.Name,
		KeyPrefix: row.KeyPrefix,
		KeyHash:   row.KeyHash,
		Scopes:    scopes,
		IsActive:  row.IsActive,
		CreatedAt: row.CreatedAt.Time,
	}
	if row.LastUsedAt.Valid {
		t := row.LastUsedAt.Time
		tok.LastUsedAt = &t
	}
	return tok
}

func scopesToColumn(scopes []domain.SiteId) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func (r *SQLRepository) CreateToken(ctx context.Context, token *domain.ServiceToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO service_tokens (id, name, key_prefix, key_hash, scopes, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.ID.String(), token.Name, token.KeyPrefix, token.KeyHash,
		scopesToColumn(token.Scopes), token.IsActive, token.CreatedAt)
	if err != nil {
		return kyderrors.Wrap(err, "auth: create service token")
	}
	return nil
}

func (r *SQLRepository) ListTokens(ctx context.Context) ([]domain.ServiceToken, error) {
	var rows []serviceTokenRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT id, name, key_prefix, key_hash, scopes, is_active, created_at, last_used_at FROM service_tokens`); err != nil {
		return nil, kyderrors.Wrap(err, "auth: list service tokens")
	}
	tokens := make([]domain.ServiceToken, len(rows))
	for i, row := range rows {
		tokens[i] = row.toDomain()
	}
	return tokens, nil
}

func (r *SQLRepository) GetTokenByKeyHash(ctx context.Context, hash string) (*domain.ServiceToken, error) {
	var row serviceTokenRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, name, key_prefix, key_hash, scopes, is_active, created_at, last_used_at
		 FROM service_tokens WHERE key_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kyderrors.Wrap(err, "auth: get service token")
	}
	tok := row.toDomain()
	return &tok, nil
}

func (r *SQLRepository) RevokeToken(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE service_tokens SET is_active = 0 WHERE id = ?`, id.String())
	if err != nil {
		return kyderrors.Wrap(err, "auth: revoke service token")
	}
	return nil
}

func (r *SQLRepository) UpdateTokenLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE service_tokens SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?`, id.String())
	if err != nil {
		return kyderrors.Wrap(err, "auth: update service token last used")
	}
	return nil
}

// ServiceTokens adapts SQLRepository to the ServiceTokenRepository interface;
// kept separate from SQLRepository's own method set since Repository and
// ServiceTokenRepository both need a differently-shaped "Create".
type ServiceTokens struct {
	repo *SQLRepository
}

func (r *SQLRepository) ServiceTokens() *ServiceTokens {
	return &ServiceTokens{repo: r}
}

func (t *ServiceTokens) Create(ctx context.Context, token *domain.ServiceToken) error {
	return t.repo.CreateToken(ctx, token)
}

func (t *ServiceTokens) List(ctx context.Context) ([]domain.ServiceToken, error) {
	return t.repo.ListTokens(ctx)
}

func (t *ServiceTokens) GetByKeyHash(ctx context.Context, hash string) (*domain.ServiceToken, error) {
	return t.repo.GetTokenByKeyHash(ctx, hash)
}

func (t *ServiceTokens) Revoke(ctx context.Context, id uuid.UUID) error {
	return t.repo.RevokeToken(ctx, id)
}

func (t *ServiceTokens) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	return t.repo.UpdateTokenLastUsed(ctx, id)
}
