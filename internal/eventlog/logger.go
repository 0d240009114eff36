// Package eventlog is the session's append-only diagnostic log: producers
// enqueue entries onto a bounded channel, a single writer goroutine drains
// it and persists batches to a per-run SQLite database, and the log file
// itself is only opened lazily once a run id is known.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corvidgames/tickmesh/internal/peerid"
)

// queueCapacity bounds the producer-to-writer channel; once a writer that
// falls behind lets it fill, Log discards new entries rather than blocking
// callers or growing unbounded.
const queueCapacity = 4096

// flushInterval is how often the writer batches pending entries into a
// single transaction, even if the queue hasn't filled.
const flushInterval = 50 * time.Millisecond

// flushBatchSize is the max entries committed per transaction.
const flushBatchSize = 256

// EntryKind tags which table a queued entry belongs to.
type EntryKind int

const (
	KindSentInput EntryKind = iota
	KindReceivedInput
	KindDroppedFrame
	KindRollback
	KindFrameState
	KindSpawnedNode
	KindEvent
)

// Entry is one queued log record; exactly the fields relevant to Kind are
// populated.
type Entry struct {
	ID   uint64
	Kind EntryKind

	Frame  uint64
	PeerID peerid.ID

	// ReceivedFrame stamps a ReceivedInput row with the local tick the
	// input actually arrived on, which can trail Frame for late inputs;
	// Replay re-delivers rows on this tick to reproduce original timing.
	ReceivedFrame uint64

	ValueHash uint64
	FromTick  uint64
	ToTick    uint64
	Field     string
	Value     []byte
	NodePath  string
	Message   string
}

// Logger is the append-only, background-persisted event log. Disable()
// makes Log a no-op without stopping the writer goroutine, so a session
// can toggle logging mid-run without racing its own shutdown.
type Logger struct {
	mu      sync.Mutex
	db      *sql.DB
	runID   string
	localID peerid.ID
	opened  bool

	enabled atomic.Bool
	nextID  atomic.Uint64

	queue  chan Entry
	done   chan struct{}
	closed sync.Once
}

func New() *Logger {
	l := &Logger{
		queue: make(chan Entry, queueCapacity),
		done:  make(chan struct{}),
	}
	l.enabled.Store(true)
	return l
}

// Enable turns logging on (the default).
func (l *Logger) Enable() { l.enabled.Store(true) }

// Disable turns logging off; queued entries still flush, but new Log calls
// are dropped until re-enabled.
func (l *Logger) Disable() { l.enabled.Store(false) }

// SetRun lazily opens (creating if needed) the SQLite database for this
// run, named "{run_id}_{local_id}.db" in dir. Must be called before any
// Log call is expected to persist.
func (l *Logger) SetRun(dir string, runID string, localID peerid.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opened {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.db", runID, localID.Hex()))
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(100)")
	if err != nil {
		return err
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return err
	}

	if _, err := db.Exec(`INSERT OR REPLACE INTO run_info (run_id, local_id, started_at) VALUES (?, ?, ?)`,
		runID, localID[:], time.Now().Unix()); err != nil {
		db.Close()
		return err
	}

	l.db = db
	l.runID = runID
	l.localID = localID
	l.opened = true
	return nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_info (run_id TEXT PRIMARY KEY, local_id BLOB NOT NULL, started_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS sent_inputs (id INTEGER PRIMARY KEY, frame INTEGER NOT NULL, peer_id BLOB NOT NULL, value_hash BLOB NOT NULL, value BLOB)`,
		`CREATE TABLE IF NOT EXISTS received_inputs (id INTEGER PRIMARY KEY, frame INTEGER NOT NULL, received_frame INTEGER NOT NULL, peer_id BLOB NOT NULL, value_hash BLOB NOT NULL, value BLOB)`,
		`CREATE TABLE IF NOT EXISTS dropped_frames (id INTEGER PRIMARY KEY, frame INTEGER NOT NULL, frame_missing_input INTEGER NOT NULL, peer_id BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS rollbacks (id INTEGER PRIMARY KEY, from_tick INTEGER NOT NULL, to_tick INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS frame_states (id INTEGER PRIMARY KEY, frame INTEGER NOT NULL, node_path TEXT NOT NULL, field TEXT NOT NULL, value BLOB NOT NULL, value_hash BLOB NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS spawned_nodes (id INTEGER PRIMARY KEY, frame INTEGER NOT NULL, node_path TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS events (id INTEGER PRIMARY KEY, frame INTEGER NOT NULL, node_path TEXT, message TEXT NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Log enqueues an entry for persistence, assigning it a monotonic id. It
// never blocks the caller on disk I/O; if the queue is full the entry is
// silently discarded.
func (l *Logger) Log(e Entry) {
	if !l.enabled.Load() {
		return
	}
	e.ID = l.nextID.Add(1)
	select {
	case l.queue <- e:
	default:
	}
}

// Run drives the dedicated writer goroutine until ctx is cancelled. A
// storage write failure terminates the writer with the error: the run's
// recording is unrecoverable at that point and the caller is expected to
// treat it as fatal.
func (l *Logger) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		l.mu.Lock()
		db := l.db
		l.mu.Unlock()
		if db != nil {
			if err := writeBatch(db, batch); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return err
			}
			return ctx.Err()
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= flushBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func writeBatch(db *sql.DB, batch []Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range batch {
		if err := writeEntry(tx, e); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func writeEntry(tx *sql.Tx, e Entry) error {
	switch e.Kind {
	case KindSentInput:
		_, err := tx.Exec(`INSERT INTO sent_inputs (id, frame, peer_id, value_hash, value) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.Frame, e.PeerID[:], hashBytes(e.ValueHash), e.Value)
		return err
	case KindReceivedInput:
		_, err := tx.Exec(`INSERT INTO received_inputs (id, frame, received_frame, peer_id, value_hash, value) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.Frame, e.ReceivedFrame, e.PeerID[:], hashBytes(e.ValueHash), e.Value)
		return err
	case KindDroppedFrame:
		_, err := tx.Exec(`INSERT INTO dropped_frames (id, frame, frame_missing_input, peer_id) VALUES (?, ?, ?, ?)`,
			e.ID, e.Frame, e.FromTick, e.PeerID[:])
		return err
	case KindRollback:
		_, err := tx.Exec(`INSERT INTO rollbacks (id, from_tick, to_tick) VALUES (?, ?, ?)`,
			e.ID, e.FromTick, e.ToTick)
		return err
	case KindFrameState:
		_, err := tx.Exec(`INSERT INTO frame_states (id, frame, node_path, field, value, value_hash) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.Frame, e.NodePath, e.Field, e.Value, hashBytes(e.ValueHash))
		return err
	case KindSpawnedNode:
		_, err := tx.Exec(`INSERT INTO spawned_nodes (id, frame, node_path) VALUES (?, ?, ?)`,
			e.ID, e.Frame, e.NodePath)
		return err
	case KindEvent:
		_, err := tx.Exec(`INSERT INTO events (id, frame, node_path, message) VALUES (?, ?, ?, ?)`,
			e.ID, e.Frame, e.NodePath, e.Message)
		return err
	default:
		return nil
	}
}

func hashBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// SentInputRow is one row read back from a logged run's sent_inputs table:
// the local peer's own recorded input for a tick, raw payload included so
// Replay can feed it back into an inner Play stage exactly as recorded.
type SentInputRow struct {
	Frame  uint64
	PeerID peerid.ID
	Input  []byte
}

// ReadSentInputs opens the SQLite database at path read-only and returns
// every sent_inputs row in frame order, for Replay to drive its inner Play
// stage from.
func ReadSentInputs(path string) ([]SentInputRow, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT frame, peer_id, value FROM sent_inputs ORDER BY frame ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentInputRow
	for rows.Next() {
		var frame uint64
		var peerBytes, value []byte
		if err := rows.Scan(&frame, &peerBytes, &value); err != nil {
			return nil, err
		}
		id, ok := peerid.Parse(peerBytes)
		if !ok {
			continue
		}
		out = append(out, SentInputRow{Frame: frame, PeerID: id, Input: value})
	}
	return out, rows.Err()
}

// ReceivedInputRow is one row read back from a logged run's received_inputs
// table: a remote peer's input for a tick, as this peer received it over
// the wire. ReceivedFrame is the local tick the input arrived on, which
// trails Frame for late arrivals and is what Replay re-delivers by.
type ReceivedInputRow struct {
	Frame         uint64
	ReceivedFrame uint64
	PeerID        peerid.ID
	Input         []byte
}

// ReadReceivedInputs opens the SQLite database at path read-only and
// returns every received_inputs row in arrival (received_frame) order, so Replay can
// reconstruct the full per-tick input set (local plus every remote peer)
// a live run actually saw.
func ReadReceivedInputs(path string) ([]ReceivedInputRow, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT frame, received_frame, peer_id, value FROM received_inputs ORDER BY received_frame ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceivedInputRow
	for rows.Next() {
		var frame, receivedFrame uint64
		var peerBytes, value []byte
		if err := rows.Scan(&frame, &receivedFrame, &peerBytes, &value); err != nil {
			return nil, err
		}
		id, ok := peerid.Parse(peerBytes)
		if !ok {
			continue
		}
		out = append(out, ReceivedInputRow{Frame: frame, ReceivedFrame: receivedFrame, PeerID: id, Input: value})
	}
	return out, rows.Err()
}

// FrameStateRow is one row read back from a logged run's frame_states
// table: a single node field snapshot for a single tick.
type FrameStateRow struct {
	Frame    uint64
	NodePath string
	Field    string
	Value    []byte
}

// ReadFrameStates opens the SQLite database at path read-only and returns
// every frame_states row in frame order, the per-tick node-state snapshots
// a replay's re-simulation can be checked against.
func ReadFrameStates(path string) ([]FrameStateRow, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT frame, node_path, field, value FROM frame_states ORDER BY frame ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameStateRow
	for rows.Next() {
		var r FrameStateRow
		if err := rows.Scan(&r.Frame, &r.NodePath, &r.Field, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database, safe to call more than once. It does not flush
// the queue itself: queued entries are written by Run's final flush when its
// context is cancelled, so that has to finish before Close is called.
func (l *Logger) Close() error {
	var err error
	l.closed.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.db != nil {
			err = l.db.Close()
		}
	})
	return err
}
