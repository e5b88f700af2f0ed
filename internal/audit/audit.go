// Package audit is the Audit Log (4.J): an append-only, best-effort record
// of dispatched commands. Writes never block or fail the calling command —
// they're pushed onto a buffered channel and drained by one background
// writer goroutine backed by modernc.org/sqlite, in place of the original
// dispatcher's RotatingFileHandler.
package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/songying/claude-tgbot/internal/db"
)

const truncateLength = 200

// Record is one audit entry, matching §4.I step 6's shape.
type Record struct {
	Timestamp time.Time
	UserID    string
	TabID     string
	Command   string
	Outcome   string
}

func truncate(s string) string {
	if len(s) <= truncateLength {
		return s
	}
	return s[:truncateLength] + "..."
}

// Log owns the sqlite-backed audit table and a bounded queue in front of
// it. Append never blocks the dispatcher: a full queue drops the record
// and logs a warning rather than applying backpressure.
type Log struct {
	database *db.DB
	queue    chan Record
	done     chan struct{}
	log      *slog.Logger
}

// Open runs migrations against path and starts the background writer.
// queueSize bounds how many pending records can back up before new ones
// are dropped.
func Open(ctx context.Context, path string, queueSize int, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}
	database, err := db.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	l := &Log{
		database: database,
		queue:    make(chan Record, queueSize),
		done:     make(chan struct{}),
		log:      log.With("component", "audit"),
	}
	go l.run()
	return l, nil
}

// Append enqueues a record for the background writer. It is safe to call
// from the dispatcher's hot path: it never blocks on the database.
func (l *Log) Append(r Record) {
	select {
	case l.queue <- r:
	default:
		l.log.Warn("audit queue full, dropping record", "user_id", r.UserID, "tab_id", r.TabID)
	}
}

func (l *Log) run() {
	defer close(l.done)
	for r := range l.queue {
		if err := l.write(r); err != nil {
			l.log.Warn("audit write failed", "err", err)
		}
	}
}

func (l *Log) write(r Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.database.SQL().ExecContext(ctx,
		`INSERT INTO audit_log (ts, user_id, tab_id, command, outcome) VALUES (?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.UserID, r.TabID, truncate(r.Command), r.Outcome,
	)
	return err
}

// Close stops accepting new records, drains whatever is queued, and closes
// the underlying database handle.
func (l *Log) Close() error {
	close(l.queue)
	<-l.done
	return l.database.Close()
}

// Recent returns the most recent audit records for userID (or all users
// when userID is empty), newest first, for admin inspection.
func (l *Log) Recent(ctx context.Context, userID string, limit int) ([]Record, error) {
	var rows *sql.Rows
	var err error
	if userID == "" {
		rows, err = l.database.SQL().QueryContext(ctx,
			`SELECT ts, user_id, tab_id, command, outcome FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = l.database.SQL().QueryContext(ctx,
			`SELECT ts, user_id, tab_id, command, outcome FROM audit_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var ts string
		var r Record
		if err := rows.Scan(&ts, &r.UserID, &r.TabID, &r.Command, &r.Outcome); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
