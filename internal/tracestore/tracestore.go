// Package tracestore persists one record per tool execution so operators can
// audit what the model asked for and what came back. Inputs and outputs are
// redacted by the tool runtime before they reach this package. The default
// backend is a local SQLite file; a Postgres backend is selected when a DSN
// is configured.
package tracestore

import (
	"context"
	"fmt"
	"time"

	"github.com/drosthq/drost/internal/config"
)

// Record is one persisted tool execution.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Tool       string    `json:"tool"`
	ProviderID string    `json:"providerId,omitempty"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	OK         bool      `json:"ok"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists and queries tool-trace records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// List returns the most recent records, newest first. Empty sessionID
	// means all sessions.
	List(ctx context.Context, sessionID string, limit int) ([]Record, error)
	// Prune deletes records older than cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// maxFieldBytes caps stored input/output so a single huge tool result cannot
// balloon the database.
const maxFieldBytes = 16 * 1024

// Open selects and opens the configured backend.
func Open(ctx context.Context, cfg config.TracesConfig) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return openSQLite(ctx, config.ExpandHome(cfg.SQLitePath))
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("tracestore: postgres backend needs DROST_POSTGRES_DSN")
		}
		return openPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("tracestore: unknown backend %q", cfg.Backend)
	}
}

// clampField truncates s to maxFieldBytes, marking the cut.
func clampField(s string) string {
	if len(s) <= maxFieldBytes {
		return s
	}
	return s[:maxFieldBytes] + "…(truncated)"
}
