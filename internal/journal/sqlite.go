// Package journal persists replication diagnostics: lifecycle events go
// to a sqlite database for querying, and a compressed JSONL trace keeps
// the raw stream as the source of truth.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"framesync.io/internal/replica"
)

// SQLiteJournal records replication events and per-connection ping
// statistics. Writes are queued to a single writer goroutine so the
// tick loop never blocks on disk.
type SQLiteJournal struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqPing
)

type req struct {
	kind reqKind

	event replica.Event
	ping  pingRow
}

type pingRow struct {
	ConnectionID        uint32
	Frame               uint32
	PingMs              uint32
	FeedbackDelayFrames float64
}

func OpenSQLite(path string) (*SQLiteJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &SQLiteJournal{
		db: db,
		ch: make(chan req, 16384),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			frame INTEGER NOT NULL,
			connection_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			ping_ms INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_conn_frame ON events(connection_id, frame);`,
		`CREATE TABLE IF NOT EXISTS ping_samples (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			ping_ms INTEGER NOT NULL,
			feedback_delay REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ping_conn_frame ON ping_samples(connection_id, frame);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQLiteJournal) Close() error {
	var err error
	j.once.Do(func() {
		j.closed.Store(true)
		close(j.ch)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

// WriteEvent queues a replication event. Dropped if the writer falls
// behind; the JSONL trace remains the source of truth.
func (j *SQLiteJournal) WriteEvent(ev replica.Event) {
	if j == nil || j.closed.Load() {
		return
	}
	select {
	case j.ch <- req{kind: reqEvent, event: ev}:
	default:
	}
}

// WritePing queues a per-connection ping/feedback sample.
func (j *SQLiteJournal) WritePing(connID, frame, pingMs uint32, feedbackDelay float64) {
	if j == nil || j.closed.Load() {
		return
	}
	r := pingRow{ConnectionID: connID, Frame: frame, PingMs: pingMs, FeedbackDelayFrames: feedbackDelay}
	select {
	case j.ch <- req{kind: reqPing, ping: r}:
	default:
	}
}

// EventCountByKind reads back how many committed events of the given
// kind were recorded. Intended for tooling and tests; queued writes not
// yet committed are not visible.
func (j *SQLiteJournal) EventCountByKind(ctx context.Context, kind replica.EventKind) (int, error) {
	if j == nil {
		return 0, fmt.Errorf("nil journal")
	}
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}

func (j *SQLiteJournal) loop() {
	ctx := context.Background()

	insertEvent, _ := j.db.Prepare(`INSERT INTO events(frame,connection_id,kind,ping_ms,recorded_at) VALUES(?,?,?,?,?)`)
	insertPing, _ := j.db.Prepare(`INSERT INTO ping_samples(connection_id,frame,ping_ms,feedback_delay,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
		if insertPing != nil {
			_ = insertPing.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range j.ch {
		begin()
		if tx == nil {
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		switch r.kind {
		case reqEvent:
			if insertEvent == nil {
				continue
			}
			if _, err := tx.Stmt(insertEvent).Exec(
				int64(r.event.Frame),
				int64(r.event.ConnectionID),
				string(r.event.Kind),
				int64(r.event.PingMs),
				now,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		case reqPing:
			if insertPing == nil {
				continue
			}
			if _, err := tx.Stmt(insertPing).Exec(
				int64(r.ping.ConnectionID),
				int64(r.ping.Frame),
				int64(r.ping.PingMs),
				r.ping.FeedbackDelayFrames,
				now,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(j.ch) == 0 {
			commit()
		}
	}
	commit()
}
