// Package sqlstore is the database-file backing store backend: a local
// embedded SQL store with two relations, links(link_id, site_b,
// next_key_id) and keys(link_id, id, value, in_use), mirroring the original
// FileStore's SQLite schema and its write-ahead-logging durability
// trade-off. Reserve/remove are implemented as sqlx transactions, following
// the same atomic-conditional-UPDATE shape the reference repository's
// wallet repository uses for ReserveFunds.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cqp-go/siteagent/internal/backingstore"
	"github.com/cqp-go/siteagent/internal/domain"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

func init() {
	backingstore.Register("file", func(ctx context.Context, rawURL string) (backingstore.Store, error) {
		path, err := pathFromURL(rawURL)
		if err != nil {
			return nil, err
		}
		return Open(ctx, path)
	})
}

// Store is the sqlite-backed implementation of backingstore.Store.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the sqlite database at path and ensures
// its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, kyderrors.Wrap(err, "sqlstore: open")
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers anyway; avoid "database is locked"

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=OFF",
		"PRAGMA secure_delete=FAST",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, kyderrors.Wrap(err, "sqlstore: pragma")
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS links (
	link_id      INTEGER PRIMARY KEY,
	site_b       TEXT NOT NULL UNIQUE,
	next_key_id  INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS keys (
	link_id INTEGER NOT NULL,
	id      INTEGER NOT NULL,
	value   BLOB NOT NULL,
	in_use  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (link_id, id)
);
`)
	if err != nil {
		return kyderrors.Wrap(err, "sqlstore: ensure schema")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// linkID is the non-cryptographic FNV-1a hash of the destination site,
// matching the original FileStore's link-id derivation.
func linkID(dest domain.SiteId) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dest))
	return int64(h.Sum64())
}

func (s *Store) ensureLink(ctx context.Context, tx *sqlx.Tx, dest domain.SiteId) (int64, error) {
	id := linkID(dest)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO links (link_id, site_b, next_key_id) VALUES (?, ?, 1)
		 ON CONFLICT(link_id) DO NOTHING`, id, string(dest))
	if err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: ensure link")
	}
	return id, nil
}

func (s *Store) StoreKeys(ctx context.Context, dest domain.SiteId, keys []domain.Key) ([]domain.Key, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return keys, kyderrors.Wrap(err, "sqlstore: begin")
	}
	defer tx.Rollback()

	link, err := s.ensureLink(ctx, tx, dest)
	if err != nil {
		return keys, err
	}

	var remaining []domain.Key
	for _, k := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO keys (link_id, id, value, in_use) VALUES (?, ?, ?, 0)`,
			link, uint64(k.Id), []byte(k.Value))
		if err != nil {
			// Duplicate id for dest: leave it in "remaining" for the caller
			// to retry/inspect, per the StoreKeys contract.
			remaining = append(remaining, k)
			continue
		}
	}
	if err := tx.Commit(); err != nil {
		return keys, kyderrors.Wrap(err, "sqlstore: commit")
	}
	return remaining, nil
}

func (s *Store) GetKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	link := linkID(dest)
	var value []byte
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM keys WHERE link_id = ? AND id = ?`, link, uint64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kyderrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, kyderrors.Wrap(err, "sqlstore: get key")
	}
	return domain.PSK(value), nil
}

func (s *Store) FindKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.KeyId, domain.PSK, error) {
	link := linkID(dest)
	var (
		gotID uint64
		value []byte
		err   error
	)
	if id == 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT id, value FROM keys WHERE link_id = ? AND in_use = 0 ORDER BY id LIMIT 1`, link).
			Scan(&gotID, &value)
	} else {
		gotID = uint64(id)
		err = s.db.QueryRowContext(ctx,
			`SELECT id, value FROM keys WHERE link_id = ? AND id = ?`, link, gotID).
			Scan(&gotID, &value)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, kyderrors.ErrKeyNotFound
	}
	if err != nil {
		return 0, nil, kyderrors.Wrap(err, "sqlstore: find key")
	}
	return domain.KeyId(gotID), domain.PSK(value), nil
}

func (s *Store) KeyExists(ctx context.Context, dest domain.SiteId, id domain.KeyId) (bool, error) {
	link := linkID(dest)
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM keys WHERE link_id = ? AND id = ?`, link, uint64(id))
	if err != nil {
		return false, kyderrors.Wrap(err, "sqlstore: key exists")
	}
	return count > 0, nil
}

// ReserveKey atomically selects an Available key and flips it to Reserved,
// via BEGIN IMMEDIATE to take the write lock up front, matching the
// original FileStore's transaction discipline.
func (s *Store) ReserveKey(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	link := linkID(dest)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: begin")
	}
	defer tx.Rollback()

	var id uint64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM keys WHERE link_id = ? AND in_use = 0 ORDER BY id LIMIT 1`, link).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, kyderrors.ErrNoKeysAvailable
	}
	if err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: reserve select")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE keys SET in_use = 1 WHERE link_id = ? AND id = ? AND in_use = 0`, link, id)
	if err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: reserve update")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: reserve rows affected")
	}
	if affected == 0 {
		// Another caller reserved it between our select and update.
		return 0, kyderrors.ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: reserve commit")
	}
	return domain.KeyId(id), nil
}

func (s *Store) RemoveKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	link := linkID(dest)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, kyderrors.Wrap(err, "sqlstore: begin")
	}
	defer tx.Rollback()

	var value []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM keys WHERE link_id = ? AND id = ?`, link, uint64(id)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kyderrors.ErrKeyNotFound
	}
	if err != nil {
		return nil, kyderrors.Wrap(err, "sqlstore: remove select")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE link_id = ? AND id = ?`, link, uint64(id)); err != nil {
		return nil, kyderrors.Wrap(err, "sqlstore: remove delete")
	}
	if err := tx.Commit(); err != nil {
		return nil, kyderrors.Wrap(err, "sqlstore: remove commit")
	}
	return domain.PSK(value), nil
}

func (s *Store) RemoveKeys(ctx context.Context, dest domain.SiteId, ids []domain.KeyId) ([]domain.Key, error) {
	out := make([]domain.Key, 0, len(ids))
	for _, id := range ids {
		value, err := s.RemoveKey(ctx, dest, id)
		if err != nil {
			if errors.Is(err, kyderrors.ErrNotFound) {
				continue
			}
			return out, err
		}
		out = append(out, domain.Key{Destination: dest, Id: id, Value: value, State: domain.KeyConsumed})
	}
	return out, nil
}

func (s *Store) GetCounts(ctx context.Context, dest domain.SiteId) (uint64, uint64, error) {
	link := linkID(dest)
	var available uint64
	err := s.db.GetContext(ctx, &available,
		`SELECT COUNT(*) FROM keys WHERE link_id = ? AND in_use = 0`, link)
	if err != nil {
		return 0, 0, kyderrors.Wrap(err, "sqlstore: get counts")
	}
	return available, ^uint64(0), nil
}

func (s *Store) GetNextKeyId(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: begin")
	}
	defer tx.Rollback()

	link, err := s.ensureLink(ctx, tx, dest)
	if err != nil {
		return 0, err
	}

	var next uint64
	if err := tx.QueryRowContext(ctx, `SELECT next_key_id FROM links WHERE link_id = ?`, link).Scan(&next); err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: get next key id")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE links SET next_key_id = ? WHERE link_id = ?`, next+1, link); err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: bump next key id")
	}
	if err := tx.Commit(); err != nil {
		return 0, kyderrors.Wrap(err, "sqlstore: commit")
	}
	return domain.KeyId(next), nil
}

func pathFromURL(rawURL string) (string, error) {
	const prefix = "file:"
	if len(rawURL) < len(prefix) || rawURL[:len(prefix)] != prefix {
		return "", fmt.Errorf("sqlstore: expected file: scheme, got %q", rawURL)
	}
	return rawURL[len(prefix):], nil
}
