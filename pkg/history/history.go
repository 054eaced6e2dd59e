// Package history keeps a SQLite record of request decisions so the
// operator can review what the proxy blocked and redirected.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/logging"
	"github.com/jingkaihe/metaproxy/pkg/storedb"
)

const module = "history"

// DefaultPath returns ~/.metaproxy/history.db.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".metaproxy", "history.db")
}

// tsLayout is fixed width so text comparison in SQL orders by time.
// RFC3339Nano trims trailing zeros and does not.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func migrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_decisions",
			SQL: `
CREATE TABLE IF NOT EXISTS decisions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  run_id TEXT NOT NULL,
  action TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  method TEXT NOT NULL DEFAULT '',
  host TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL DEFAULT '',
  redirect_to TEXT NOT NULL DEFAULT '',
  cookie TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_action ON decisions(action, ts DESC);
`,
		},
	}
}

// Record is one stored decision.
type Record struct {
	ID         int64
	Timestamp  time.Time
	RunID      string
	Action     string
	Reason     string
	Method     string
	Host       string
	URL        string
	RedirectTo string
	Cookie     string
}

// Store is a logging.Sink that persists request_decision events. Other
// event types are ignored.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     module,
		Migrations: migrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Write(event *logging.Event) error {
	if event.EventType != logging.EventRequestDecision {
		return nil
	}

	var data logging.DecisionData
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return errx.Wrap(ErrDecode, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.Exec(
		`INSERT INTO decisions(ts, run_id, action, reason, method, host, url, redirect_to, cookie)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(tsLayout),
		event.RunID,
		data.Action,
		data.Reason,
		data.Method,
		data.Host,
		data.URL,
		data.RedirectTo,
		data.Cookie,
	)
	if err != nil {
		return errx.Wrap(ErrInsert, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Query filters Recent. Zero values mean no filter.
type Query struct {
	Limit  int
	Action string
	RunID  string
}

// DefaultLimit applies when Query.Limit is not positive.
const DefaultLimit = 50

// Recent returns matching decisions, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, run_id, action, reason, method, host, url, redirect_to, cookie
		   FROM decisions
		  WHERE (? = '' OR action = ?)
		    AND (? = '' OR run_id = ?)
		  ORDER BY id DESC
		  LIMIT ?`,
		q.Action, q.Action,
		q.RunID, q.RunID,
		q.Limit,
	)
	if err != nil {
		return nil, errx.With(ErrQuery, ": %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(&r.ID, &ts, &r.RunID, &r.Action, &r.Reason, &r.Method, &r.Host, &r.URL, &r.RedirectTo, &r.Cookie); err != nil {
			return nil, errx.With(ErrQuery, ": scan: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.With(ErrQuery, ": iterate: %w", err)
	}
	return records, nil
}

// Counts returns the number of stored decisions per action.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM decisions GROUP BY action`)
	if err != nil {
		return nil, errx.With(ErrQuery, ": %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, errx.With(ErrQuery, ": scan: %w", err)
		}
		counts[action] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errx.With(ErrQuery, ": iterate: %w", err)
	}
	return counts, nil
}

// Prune deletes decisions older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE ts < ?`, before.UTC().Format(tsLayout))
	if err != nil {
		return 0, errx.With(ErrQuery, ": prune: %w", err)
	}
	return res.RowsAffected()
}
