// internal/history/postgres.go
// PostgreSQL implementation of the Recorder interface. This implementation
// is intended for production use with persistent data storage.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AppleLamps/zapp/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL recorder. It establishes a
// connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Recorder, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the history table and its indexes if they don't
// already exist. Called automatically when creating a new PostgreSQL
// recorder.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- History table, append-only. One row per terminal job outcome.
		CREATE TABLE IF NOT EXISTS history (
		    id BIGSERIAL PRIMARY KEY,                -- Sequential entry identifier
		    entry_key TEXT NOT NULL UNIQUE,          -- Sortable opaque identifier (ULID)
		    user_id TEXT,                            -- Authenticated subject, NULL when anonymous
		    provider TEXT NOT NULL,                  -- "fal" or "openrouter"
		    mode TEXT NOT NULL,                      -- "generate" or "edit"
		    model_or_endpoint TEXT NOT NULL,         -- Upstream model or queue endpoint
		    prompt TEXT NOT NULL,                    -- Prompt text as submitted
		    negative_prompt TEXT,                    -- Optional negative prompt
		    guidance_scale DOUBLE PRECISION,         -- Optional guidance scale
		    seed BIGINT,                             -- Optional seed
		    num_images BIGINT,                       -- Optional image count
		    status TEXT NOT NULL,                    -- "completed" or "error"
		    duration_ms BIGINT,                      -- Wall time of the upstream call
		    ip TEXT,                                 -- Caller network address
		    request_id TEXT,                         -- Upstream request identifier
		    raw_response JSONB,                      -- Opaque upstream payload
		    result_urls JSONB,                       -- Renderable asset references
		    error TEXT,                              -- Error message for failed jobs
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()  -- Insert time
		);

		-- Indexes for the listing query: ownership resolves to user_id
		-- when present, otherwise ip.
		CREATE INDEX IF NOT EXISTS idx_history_user_id ON history(user_id);
		CREATE INDEX IF NOT EXISTS idx_history_ip ON history(ip);
		CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at DESC);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Record inserts one history entry and returns its id.
func (p *postgres) Record(ctx context.Context, entry model.HistoryEntry) (int64, error) {
	var resultURLs []byte
	if entry.ResultURLs != nil {
		var err error
		resultURLs, err = json.Marshal(entry.ResultURLs)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal result urls: %w", err)
		}
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `INSERT INTO history (entry_key, user_id, provider, mode, model_or_endpoint, prompt,
	                               negative_prompt, guidance_scale, seed, num_images, status,
	                               duration_ms, ip, request_id, raw_response, result_urls, error, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	          RETURNING id`

	var id int64
	err := p.db.QueryRow(ctx, query,
		ulid.Make().String(),
		entry.UserID,
		string(entry.Provider),
		string(entry.Mode),
		entry.ModelOrEndpoint,
		entry.Prompt,
		entry.NegativePrompt,
		entry.GuidanceScale,
		entry.Seed,
		entry.NumImages,
		entry.Status,
		entry.DurationMS,
		entry.IP,
		entry.RequestID,
		entry.RawResponse,
		resultURLs,
		entry.Error,
		createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record history entry: %w", err)
	}

	return id, nil
}

// List returns the most recent entries owned by subject, newest first.
// Entries with a user_id belong to that user; anonymous entries belong
// to the IP they were recorded under.
func (p *postgres) List(ctx context.Context, subject string, limit int) ([]model.HistoryListItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT id, created_at, provider, mode, model_or_endpoint, prompt, result_urls
	          FROM history
	          WHERE COALESCE(user_id, ip) = $1
	          ORDER BY created_at DESC
	          LIMIT $2`

	rows, err := p.db.Query(ctx, query, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var items []model.HistoryListItem
	for rows.Next() {
		var item model.HistoryListItem
		var resultURLs []byte

		err := rows.Scan(
			&item.ID,
			&item.CreatedAt,
			&item.Provider,
			&item.Mode,
			&item.ModelOrEndpoint,
			&item.Prompt,
			&resultURLs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		if len(resultURLs) > 0 {
			if err := json.Unmarshal(resultURLs, &item.ResultURLs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal result urls: %w", err)
			}
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return items, nil
}
