package convstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	StatusPending   = "pending"
	StatusCommitted = "committed"
	StatusError     = "error"
)

var ErrNotFound = errors.New("message not found")

// Message is one entry of the conversation log. Timestamps are stored as
// unix nanoseconds and read back in UTC.
type Message struct {
	ID        int64
	Role      string
	Content   string
	Status    string
	Timestamp time.Time
}

// Store is the SQLite-backed, append-only conversation log.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
}

// Open initializes the store according to config. Ephemeral stores live in
// memory; session stores start empty on every open; persistent stores keep
// history subject to retention.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "convstore"))
	var (
		db  *sql.DB
		err error
	)
	if cfg.RetentionMode == "ephemeral" {
		db, err = sql.Open("sqlite", ":memory:")
		if err == nil {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, watchers: make(map[chan struct{}]struct{})}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	switch cfg.RetentionMode {
	case "session":
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset session history: %w", err)
		}
	case "persistent":
		if cfg.VacuumOnStart {
			if err := s.vacuum(ctx); err != nil {
				log.Warn("conversation store vacuum failed", slogError(err))
			}
		}
		if err := s.Prune(ctx); err != nil {
			log.Warn("conversation store prune on start failed", slogError(err))
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes msg and returns it as stored. A zero timestamp is filled from
// the store clock; the ID field of msg is ignored.
func (s *Store) Append(ctx context.Context, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock()
	}
	ns := msg.Timestamp.UnixNano()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(role, content, status, created_at) VALUES(?, ?, ?, ?)`,
		msg.Role, msg.Content, msg.Status, ns)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	msg.ID = id
	msg.Timestamp = time.Unix(0, ns).UTC()
	s.notify()
	return msg, nil
}

// Commit moves a pending message to committed. It is the only mutation a
// message allows after it is appended.
func (s *Store) Commit(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		StatusCommitted, id, StatusPending)
	if err != nil {
		return fmt.Errorf("commit message %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("commit message %d: %w", id, ErrNotFound)
	}
	s.notify()
	return nil
}

// List returns every message ordered by time, then by id.
func (s *Store) List(ctx context.Context) ([]Message, error) {
	return s.query(ctx,
		`SELECT id, role, content, status, created_at FROM messages ORDER BY created_at ASC, id ASC`)
}

// Last returns the most recent message, or ErrNotFound when empty.
func (s *Store) Last(ctx context.Context) (Message, error) {
	msgs, err := s.query(ctx,
		`SELECT id, role, content, status, created_at FROM messages ORDER BY created_at DESC, id DESC LIMIT 1`)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// Recent returns up to n of the latest committed messages in chronological
// order.
func (s *Store) Recent(ctx context.Context, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.query(ctx,
		`SELECT id, role, content, status, created_at FROM messages
		 WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`, StatusCommitted, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Count reports the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteAll clears the conversation and returns how many messages were
// removed.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages`)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	s.notify()
	return n, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ns int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Status, &ns); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, ns).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Prune applies the configured retention.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxMessages > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE id IN (
			SELECT id FROM messages ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxMessages)
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func validate(m Message) error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	switch m.Status {
	case StatusPending, StatusCommitted, StatusError:
	default:
		return fmt.Errorf("invalid status %q", m.Status)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
