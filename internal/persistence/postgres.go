package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/agentgate/internal/bus"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchema is applied idempotently on open. The triggers keep the table
// append-only for every client, not just this gateway.
var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('human', 'agent')),
		content TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_id
		ON messages (session_id, id)`,
	`CREATE OR REPLACE FUNCTION messages_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'messages are append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS messages_append_only ON messages`,
	`CREATE TRIGGER messages_append_only
		BEFORE UPDATE OR DELETE ON messages
		FOR EACH ROW EXECUTE FUNCTION messages_append_only()`,
}

// PGStore is the PostgreSQL-backed message log.
type PGStore struct {
	pool *pgxpool.Pool
	pub  Publisher
}

var _ Log = (*PGStore)(nil)

// OpenPostgres connects a pool to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, publisher Publisher) (*PGStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires a dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PGStore{pool: pool, pub: publisher}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize concurrent gateways migrating the same database.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('agentgate.messages'))`); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	for _, stmt := range pgSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) AppendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	meta, err := msg.metadataJSON()
	if err != nil {
		return Message{}, err
	}
	out := Message{
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  meta,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, msg.SessionID, string(msg.Role), msg.Content, meta).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	if s.pub != nil {
		s.pub.Publish(bus.TopicMessageAppended, out)
	}
	return out, nil
}

func (s *PGStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT id, session_id, role, content, metadata, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m    Message
			role string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if len(meta) > 0 {
			m.Metadata = meta
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
