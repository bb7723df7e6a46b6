package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"livecall/internal/models"
)

// PostgresConfig describes the connection pool backing the Postgres journal.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

const schema = `
CREATE TABLE IF NOT EXISTS call_journal (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL,
	call_id BIGINT NOT NULL,
	chat_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	ssrc INTEGER NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_journal_call_idx ON call_journal (call_id, recorded_at DESC);
`

// Postgres is a Journal stored in a call_journal table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens the pool described by cfg. Call Migrate before first use.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the journal table when it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return ErrUnavailable
	}
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate call_journal: %w", err)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, entry Entry) error {
	if p == nil || p.pool == nil {
		return ErrUnavailable
	}
	entry = normalize(entry)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_journal (session_id, call_id, chat_id, kind, detail, ssrc, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.SessionID, entry.CallID, int64(entry.ChatID), string(entry.Kind), entry.Detail, entry.SSRC, entry.At,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (p *Postgres) Recent(ctx context.Context, callID int64, limit int) ([]Entry, error) {
	if p == nil || p.pool == nil {
		return nil, ErrUnavailable
	}
	limit = normalizeLimit(limit)
	rows, err := p.pool.Query(ctx,
		`SELECT session_id::text, call_id, chat_id, kind, detail, ssrc, recorded_at
		   FROM call_journal
		  WHERE $1::bigint = 0 OR call_id = $1::bigint
		  ORDER BY recorded_at DESC, id DESC
		  LIMIT $2`,
		callID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			entry  Entry
			chatID int64
			kind   string
		)
		if err := rows.Scan(&entry.SessionID, &entry.CallID, &chatID, &kind, &entry.Detail, &entry.SSRC, &entry.At); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.ChatID = models.ChatID(chatID)
		entry.Kind = Kind(kind)
		entry.At = entry.At.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// Close releases the pool, giving up when ctx expires first.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return ErrUnavailable
	}
	return p.pool.Ping(ctx)
}
