package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/imagetagger/internal/config"
	"github.com/kiranshivaraju/imagetagger/internal/store"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("imagetagger_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))

	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             connStr,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool, connStr
}

func entry(mode, status string, completed time.Time) models.HistoryEntry {
	created := completed.Add(-250 * time.Millisecond)
	e := models.HistoryEntry{
		Token:       uuid.NewString(),
		Mode:        mode,
		Status:      status,
		TagCount:    4,
		ImageDigest: "0a1b2c",
		ImageBytes:  1024,
		DurationMS:  250,
		CreatedAt:   created,
		CompletedAt: completed,
	}
	if status == models.JobStatusFailed {
		msg := "cannot identify image file"
		e.ErrorMessage = &msg
		e.TagCount = 0
	}
	return e
}

const historyColumns = `token, mode, status, error_message, tag_count, image_digest, image_bytes, duration_ms, created_at, completed_at`

func scanEntry(t *testing.T, row pgx.Row) models.HistoryEntry {
	t.Helper()
	var e models.HistoryEntry
	require.NoError(t, row.Scan(&e.Token, &e.Mode, &e.Status, &e.ErrorMessage, &e.TagCount,
		&e.ImageDigest, &e.ImageBytes, &e.DurationMS, &e.CreatedAt, &e.CompletedAt))
	return e
}

// getHistory reads back the row written for token.
func getHistory(t *testing.T, pool *pgxpool.Pool, token string) models.HistoryEntry {
	t.Helper()
	return scanEntry(t, pool.QueryRow(context.Background(),
		`SELECT `+historyColumns+` FROM job_history WHERE token = $1`, token))
}

// listRecent returns the newest rows by completion time.
func listRecent(t *testing.T, pool *pgxpool.Pool, limit int) []models.HistoryEntry {
	t.Helper()
	rows, err := pool.Query(context.Background(),
		`SELECT `+historyColumns+` FROM job_history ORDER BY completed_at DESC LIMIT $1`, limit)
	require.NoError(t, err)
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		entries = append(entries, scanEntry(t, rows))
	}
	require.NoError(t, rows.Err())
	return entries
}

// --- Connect / Migrations ---

func TestConnect_InvalidURL(t *testing.T) {
	_, err := store.Connect(context.Background(), config.DatabaseConfig{URL: "://nope"})
	assert.Error(t, err)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, connStr := setupTestDB(t)

	require.NoError(t, store.RunMigrations(connStr))

	var exists bool
	err := pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'job_history')`,
	).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

// --- Record ---

func TestRecord_Succeeded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	e := entry(models.ModeAsync, models.JobStatusSucceeded, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, s.Record(ctx, e))

	got := getHistory(t, pool, e.Token)
	assert.Equal(t, e.Token, got.Token)
	assert.Equal(t, models.ModeAsync, got.Mode)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 4, got.TagCount)
	assert.Equal(t, "0a1b2c", got.ImageDigest)
	assert.Equal(t, 1024, got.ImageBytes)
	assert.Equal(t, int64(250), got.DurationMS)
	assert.True(t, e.CompletedAt.Equal(got.CompletedAt))
}

func TestRecord_Failed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	e := entry(models.ModeSync, models.JobStatusFailed, time.Now().UTC())
	require.NoError(t, s.Record(ctx, e))

	got := getHistory(t, pool, e.Token)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "cannot identify image file", *got.ErrorMessage)
	assert.Equal(t, 0, got.TagCount)
}

func TestRecord_DuplicateTokenIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	e := entry(models.ModeAsync, models.JobStatusSucceeded, time.Now().UTC())
	require.NoError(t, s.Record(ctx, e))

	again := e
	again.Status = models.JobStatusFailed
	msg := "late"
	again.ErrorMessage = &msg
	require.NoError(t, s.Record(ctx, again))

	got := getHistory(t, pool, e.Token)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
}

func TestRecord_RejectsPendingStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	e := entry(models.ModeAsync, models.JobStatusPending, time.Now().UTC())
	assert.Error(t, s.Record(context.Background(), e))
}

func TestRecord_WritesOneRowPerToken(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	assert.Empty(t, listRecent(t, pool, 10))

	base := time.Now().UTC()
	var tokens []string
	for i := 0; i < 3; i++ {
		e := entry(models.ModeSync, models.JobStatusSucceeded, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Record(ctx, e))
		require.NoError(t, s.Record(ctx, e))
		tokens = append(tokens, e.Token)
	}

	got := listRecent(t, pool, 10)
	require.Len(t, got, 3)
	assert.Equal(t, tokens[2], got[0].Token)
	assert.Equal(t, tokens[0], got[2].Token)
}

func TestRecord_MissingTokenHasNoRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)

	var e models.HistoryEntry
	err := pool.QueryRow(context.Background(),
		`SELECT `+historyColumns+` FROM job_history WHERE token = $1`, uuid.NewString()).
		Scan(&e.Token, &e.Mode, &e.Status, &e.ErrorMessage, &e.TagCount,
			&e.ImageDigest, &e.ImageBytes, &e.DurationMS, &e.CreatedAt, &e.CompletedAt)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	assert.NoError(t, s.Ping(context.Background()))
}
