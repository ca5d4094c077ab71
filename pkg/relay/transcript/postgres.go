package transcript

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/call-relay/pkg/relay/backend"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres archives transcripts into the relay_calls tables.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}
	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("transcript: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("transcript: migrate up: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

const upsertCall = `
INSERT INTO relay_calls (call_id, workflow_id, tracking_id, language, final_state, close_reason,
    degraded, started_at, ended_at, cache_hits, cache_misses, fallback_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (call_id) DO UPDATE SET
    workflow_id = EXCLUDED.workflow_id,
    tracking_id = EXCLUDED.tracking_id,
    language = EXCLUDED.language,
    final_state = EXCLUDED.final_state,
    close_reason = EXCLUDED.close_reason,
    degraded = EXCLUDED.degraded,
    started_at = EXCLUDED.started_at,
    ended_at = EXCLUDED.ended_at,
    cache_hits = EXCLUDED.cache_hits,
    cache_misses = EXCLUDED.cache_misses,
    fallback_count = EXCLUDED.fallback_count`

// Archive writes t and its turns in one transaction, replacing any earlier
// record for the same call.
func (p *Postgres) Archive(ctx context.Context, t Transcript) error {
	if t.CallID == "" {
		return errors.New("transcript: call id is required")
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertCall,
			t.CallID, t.WorkflowID, t.TrackingID, t.Language, t.FinalState, t.CloseReason,
			t.Degraded, t.StartedAt, t.EndedAt, t.CacheHits, t.CacheMisses, t.FallbackCount,
		); err != nil {
			return fmt.Errorf("transcript: upsert call %s: %w", t.CallID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM relay_call_turns WHERE call_id = $1`, t.CallID); err != nil {
			return fmt.Errorf("transcript: clear turns %s: %w", t.CallID, err)
		}
		if len(t.Turns) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"relay_call_turns"},
			[]string{"call_id", "position", "role", "text", "at"},
			pgx.CopyFromRows(turnRows(t.CallID, t.Turns)),
		)
		if err != nil {
			return fmt.Errorf("transcript: copy turns %s: %w", t.CallID, err)
		}
		return nil
	})
}

func turnRows(callID string, turns []backend.Turn) [][]any {
	rows := make([][]any, 0, len(turns))
	for i, turn := range turns {
		rows = append(rows, []any{callID, i, turn.Role, turn.Text, turn.At})
	}
	return rows
}

// Get loads the archived transcript for callID.
func (p *Postgres) Get(ctx context.Context, callID string) (Transcript, error) {
	t := Transcript{CallID: callID}
	err := p.pool.QueryRow(ctx, `
SELECT workflow_id, tracking_id, language, final_state, close_reason, degraded,
       started_at, ended_at, cache_hits, cache_misses, fallback_count
FROM relay_calls WHERE call_id = $1`, callID).Scan(
		&t.WorkflowID, &t.TrackingID, &t.Language, &t.FinalState, &t.CloseReason, &t.Degraded,
		&t.StartedAt, &t.EndedAt, &t.CacheHits, &t.CacheMisses, &t.FallbackCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("transcript: load call %s: %w", callID, err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT role, text, at FROM relay_call_turns WHERE call_id = $1 ORDER BY position`, callID)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcript: load turns %s: %w", callID, err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.Turn, error) {
		var turn backend.Turn
		err := row.Scan(&turn.Role, &turn.Text, &turn.At)
		return turn, err
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("transcript: scan turns %s: %w", callID, err)
	}
	t.Turns = turns
	return t, nil
}
