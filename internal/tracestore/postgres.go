package tracestore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type postgresStore struct {
	db *sql.DB
}

func openPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrateUp(db, "postgres"); err != nil {
		db.Close()
		return nil, err
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_traces (id, session_id, tool, provider_id, input, output, ok, code, error, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.SessionID, rec.Tool, rec.ProviderID,
		clampField(rec.Input), clampField(rec.Output),
		rec.OK, rec.Code, rec.Error, rec.DurationMs, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

func (s *postgresStore) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if sessionID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_id, tool, provider_id, input, output, ok, code, error, duration_ms, created_at
			 FROM tool_traces ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_id, tool, provider_id, input, output, ok, code, error, duration_ms, created_at
			 FROM tool_traces WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Tool, &rec.ProviderID,
			&rec.Input, &rec.Output, &rec.OK, &rec.Code, &rec.Error, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_traces WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune traces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }
