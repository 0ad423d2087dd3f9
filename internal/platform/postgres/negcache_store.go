package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/checkq/internal/domain"
	"github.com/phrazzld/checkq/internal/store"
)

// PostgresNegativeCacheStore implements store.NegativeCacheStore.
type PostgresNegativeCacheStore struct {
	db store.DBTX
}

var _ store.NegativeCacheStore = (*PostgresNegativeCacheStore)(nil)

// NewPostgresNegativeCacheStore creates a PostgresNegativeCacheStore. It
// panics if db is nil.
func NewPostgresNegativeCacheStore(db store.DBTX) *PostgresNegativeCacheStore {
	if db == nil {
		panic("db cannot be nil")
	}
	return &PostgresNegativeCacheStore{db: db}
}

// LookupMany implements store.NegativeCacheStore.
func (s *PostgresNegativeCacheStore) LookupMany(
	ctx context.Context,
	mode domain.CheckMode,
	fingerprints []string,
	now time.Time,
) (_ map[string]*domain.NegativeCacheEntry, err error) {
	ctx, span := startSpan(ctx, "negative_cache.lookup")
	defer endSpan(span, &err)

	out := make(map[string]*domain.NegativeCacheEntry)
	if len(fingerprints) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, check_mode, outcome, expires_at, created_at
		FROM negative_cache
		WHERE check_mode = $1 AND fingerprint = ANY($2::text[]) AND expires_at > $3`,
		mode, fingerprints, now)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e domain.NegativeCacheEntry
		if err := rows.Scan(&e.Fingerprint, &e.CheckMode, &e.Outcome, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		out[e.Fingerprint] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// Put implements store.NegativeCacheStore. A later outcome for the same
// fingerprint replaces the earlier one.
func (s *PostgresNegativeCacheStore) Put(ctx context.Context, entry *domain.NegativeCacheEntry) (err error) {
	ctx, span := startSpan(ctx, "negative_cache.put")
	defer endSpan(span, &err)

	if entry == nil || entry.Fingerprint == "" || !entry.CheckMode.Valid() {
		return store.ErrInvalidEntity
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO negative_cache (check_mode, fingerprint, outcome, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (check_mode, fingerprint) DO UPDATE
		SET outcome = EXCLUDED.outcome, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		entry.CheckMode, entry.Fingerprint, entry.Outcome, entry.ExpiresAt, entry.CreatedAt)
	return MapError(err)
}

// Purge implements store.NegativeCacheStore.
func (s *PostgresNegativeCacheStore) Purge(ctx context.Context, now time.Time) (_ int64, err error) {
	ctx, span := startSpan(ctx, "negative_cache.purge")
	defer endSpan(span, &err)

	res, err := s.db.ExecContext(ctx, `DELETE FROM negative_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, MapError(err)
	}
	return rowsAffected(res)
}
