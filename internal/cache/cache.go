// Package cache persists API tokens and audio features in SQLite so repeated
// playlist runs skip the per-track feature round trips.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/algorhythms/algorhythms/internal/recco"
)

// Store is a SQLite-backed cache. Use ":memory:" for an in-memory database.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL keeps readers unblocked while a batch of features is written.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		name         TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		expires_at   TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audio_features (
		track_id   TEXT PRIMARY KEY,
		features   TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Token returns the cached token under name. ok is false when no token is
// stored or the stored one has expired.
func (s *Store) Token(ctx context.Context, name string) (token string, expiresAt time.Time, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expires string
	err = s.db.QueryRowContext(ctx,
		"SELECT access_token, expires_at FROM tokens WHERE name = ?", name,
	).Scan(&token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("read token %q: %w", name, err)
	}

	expiresAt, err = time.Parse(time.RFC3339, expires)
	if err != nil || !time.Now().Before(expiresAt) {
		return "", time.Time{}, false, nil
	}
	return token, expiresAt, true, nil
}

// StoreToken stores or replaces the token under name.
func (s *Store) StoreToken(ctx context.Context, name, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (name, access_token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			access_token = excluded.access_token,
			expires_at = excluded.expires_at`,
		name, token, expiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store token %q: %w", name, err)
	}
	return nil
}

// Features returns the cached audio features for the given track IDs. Tracks
// without a cached entry are simply absent from the result.
func (s *Store) Features(ctx context.Context, ids []string) (map[string]recco.Features, error) {
	if len(ids) == 0 {
		return map[string]recco.Features{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT track_id, features FROM audio_features WHERE track_id IN ("+placeholders+")", args...,
	)
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	defer rows.Close()

	out := make(map[string]recco.Features)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var f recco.Features
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			// A corrupt row is treated as a miss; it gets rewritten on the
			// next store.
			continue
		}
		out[id] = f
	}
	return out, rows.Err()
}

// StoreFeatures stores or replaces audio features for a batch of tracks in a
// single transaction.
func (s *Store) StoreFeatures(ctx context.Context, feats map[string]recco.Features) error {
	if len(feats) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store features: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for id, f := range feats {
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode features for %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audio_features (track_id, features, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(track_id) DO UPDATE SET
				features = excluded.features,
				updated_at = excluded.updated_at`,
			id, string(raw), now,
		); err != nil {
			return fmt.Errorf("store features for %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// Close shuts down the database.
func (s *Store) Close() error {
	return s.db.Close()
}
