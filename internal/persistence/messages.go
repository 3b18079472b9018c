package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

func (r Role) valid() bool {
	return r == RoleHuman || r == RoleAgent
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ErrInvalidMessage is returned when a turn fails the log's own shape checks.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one persisted conversation turn. Messages are never updated or
// deleted after insert.
type Message struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewMessage is the caller-supplied part of a turn; ID and CreatedAt are
// assigned by the store.
type NewMessage struct {
	SessionID string
	Role      Role
	Content   string
	Metadata  map[string]any
}

// Log is the append-only message log the gateway depends on.
type Log interface {
	// AppendMessage inserts a turn and returns it with its store-assigned
	// id and timestamp.
	AppendMessage(ctx context.Context, msg NewMessage) (Message, error)
	// ListMessages returns up to limit of the most recent turns for a
	// session, oldest first.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

func (m NewMessage) validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: empty session_id", ErrInvalidMessage)
	}
	if !m.Role.valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

func (m NewMessage) metadataJSON() ([]byte, error) {
	if len(m.Metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// OpenConfig selects and configures a Log backend.
type OpenConfig struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// MaxConns bounds the PostgreSQL pool. Zero uses the pgx default.
	MaxConns int32
}

// Open returns the configured Log backend. An empty driver selects postgres
// when a DSN is set and sqlite otherwise.
func Open(ctx context.Context, cfg OpenConfig, publisher Publisher) (Log, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
		if cfg.DSN != "" {
			driver = DriverPostgres
		}
	}
	switch driver {
	case DriverSQLite, "sqlite3":
		store, err := OpenSQLite(cfg.Path, publisher)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres, "postgresql", "pg":
		store, err := OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, publisher)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q (supported: sqlite, postgres)", cfg.Driver)
	}
}

// Publisher receives a notification after each successful append.
type Publisher interface {
	Publish(topic string, payload interface{})
}
