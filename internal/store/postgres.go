package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/releasegate/internal/api"
)

// Schema creates the decision table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS gate_decisions (
  gate_id    VARCHAR(255) PRIMARY KEY,
  decision   JSONB NOT NULL,
  expires_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_gate_decisions_expires ON gate_decisions(expires_at);
`

// PostgresStore records decisions with INSERT .. ON CONFLICT DO NOTHING.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and pings the database.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the decision table if needed.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate gate_decisions: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, gateID string) (*api.GateDecision, error) {
	query := `
		SELECT decision
		FROM gate_decisions
		WHERE gate_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`

	var raw []byte
	if err := p.pool.QueryRow(ctx, query, gateID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var d api.GateDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &d, nil
}

func (p *PostgresStore) Record(ctx context.Context, d *api.GateDecision, ttl time.Duration) (*api.GateDecision, bool, error) {
	if d == nil || d.GateID == "" {
		return nil, false, errors.New("store: decision without gate id")
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	// An expired row may be replaced; a live one wins.
	query := `
		INSERT INTO gate_decisions (gate_id, decision, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (gate_id) DO UPDATE
		  SET decision = EXCLUDED.decision, expires_at = EXCLUDED.expires_at, created_at = NOW()
		  WHERE gate_decisions.expires_at IS NOT NULL AND gate_decisions.expires_at <= NOW()
	`
	tag, err := p.pool.Exec(ctx, query, d.GateID, raw, expiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("postgres insert failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return d, true, nil
	}

	existing, err := p.Get(ctx, d.GateID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// CleanupExpired deletes expired decisions and returns how many were removed.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM gate_decisions WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
