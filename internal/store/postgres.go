package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

const defaultRecordTimeout = 5 * time.Second

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool          *pgxpool.Pool
	recordTimeout time.Duration
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, recordTimeout: defaultRecordTimeout}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Record inserts a finished job. A second record for the same token is ignored.
// The write is bounded by its own timeout so a slow database cannot hold up
// the caller indefinitely.
func (s *PostgresStore) Record(ctx context.Context, e models.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.recordTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_history (token, mode, status, error_message, tag_count, image_digest, image_bytes, duration_ms, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (token) DO NOTHING`,
		e.Token, e.Mode, e.Status, e.ErrorMessage, e.TagCount, e.ImageDigest, e.ImageBytes,
		e.DurationMS, e.CreatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("record job history: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
