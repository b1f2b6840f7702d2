// Package trace records machine runs and their instruction events in a
// SQLite database.
package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/lem/vm"
)

var log = commonlog.GetLogger("lem.trace")

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	started_at TEXT NOT NULL,
	code       BLOB NOT NULL,
	finished   INTEGER NOT NULL DEFAULT 0,
	pc         INTEGER NOT NULL DEFAULT 0,
	steps      INTEGER NOT NULL DEFAULT 0,
	halted     INTEGER NOT NULL DEFAULT 0,
	error      TEXT
)`, `
CREATE TABLE IF NOT EXISTS events (
	run_id   INTEGER NOT NULL REFERENCES runs(id),
	step     INTEGER NOT NULL,
	pc       INTEGER NOT NULL,
	op       INTEGER NOT NULL,
	args     BLOB,
	parallel INTEGER NOT NULL,
	PRIMARY KEY (run_id, step)
)`}

// Store is a trace database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BatchSize is the number of events a Recorder buffers before writing them.
const BatchSize = 1024

// Recorder collects the events of one run. It implements vm.Tracer; events
// are written in batches of BatchSize and the rest when Finish is called.
type Recorder struct {
	store  *Store
	id     int64
	events []vm.Event
	saved  int
	err    error
	done   bool
}

// Begin registers a new run of code and returns its recorder.
func (s *Store) Begin(name string, code []byte) (*Recorder, error) {
	if code == nil {
		code = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO runs (name, started_at, code) VALUES (?, ?, ?)",
		name, time.Now().UTC().Format(time.RFC3339Nano), code,
	)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	return &Recorder{store: s, id: id}, nil
}

// ID returns the run's database ID.
func (r *Recorder) ID() int64 {
	return r.id
}

// Trace buffers one event, writing the buffer once it holds BatchSize
// events. After a failed write the recorder drops further events and
// Finish reports the failure.
func (r *Recorder) Trace(e vm.Event) {
	if r.done || r.err != nil {
		return
	}
	e.Args = append([]byte(nil), e.Args...)
	r.events = append(r.events, e)
	if len(r.events) < BatchSize {
		return
	}
	if err := r.flush(); err != nil {
		log.Errorf("run %d: %v", r.id, err)
		r.err = err
		r.events = nil
	}
}

func (r *Recorder) flush() error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving events of run %d: %w", r.id, err)
	}
	defer tx.Rollback()
	if err := r.insertEvents(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving events of run %d: %w", r.id, err)
	}
	r.saved += len(r.events)
	r.events = r.events[:0]
	return nil
}

func (r *Recorder) insertEvents(tx *sql.Tx) error {
	if len(r.events) == 0 {
		return nil
	}
	stmt, err := tx.Prepare("INSERT INTO events (run_id, step, pc, op, args, parallel) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("saving events of run %d: %w", r.id, err)
	}
	defer stmt.Close()
	for _, e := range r.events {
		if _, err := stmt.Exec(r.id, e.Step, e.PC, int(e.Op), e.Args, e.Parallel); err != nil {
			return fmt.Errorf("saving event %d of run %d: %w", e.Step, r.id, err)
		}
	}
	return nil
}

// Finish writes the remaining events and the run outcome. res may be nil if
// the machine never ran. If an earlier batch failed, the outcome is still
// recorded and that failure is returned.
func (r *Recorder) Finish(res *vm.Result, runErr error) error {
	if r.done {
		return nil
	}
	r.done = true

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", r.id, err)
	}
	defer tx.Rollback()

	if err := r.insertEvents(tx); err != nil {
		return err
	}

	var pc, steps int
	var halted bool
	if res != nil {
		pc, steps, halted = res.PC, res.Steps, res.Halted
	}
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	if _, err := tx.Exec(
		"UPDATE runs SET finished = 1, pc = ?, steps = ?, halted = ?, error = ? WHERE id = ?",
		pc, steps, halted, errText, r.id,
	); err != nil {
		return fmt.Errorf("finishing run %d: %w", r.id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finishing run %d: %w", r.id, err)
	}
	r.saved += len(r.events)
	log.Debugf("run %d: %d events saved", r.id, r.saved)
	r.events = nil
	return r.err
}

// Run is a stored run.
type Run struct {
	ID        int64
	Name      string
	StartedAt time.Time
	Code      []byte
	Finished  bool
	PC        int
	Steps     int
	Halted    bool
	Error     string
}

const runColumns = "id, name, started_at, code, finished, pc, steps, halted, error"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var started string
	var errText sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &started, &r.Code, &r.Finished, &r.PC, &r.Steps, &r.Halted, &errText); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return nil, fmt.Errorf("run %d: bad start time %q: %w", r.ID, started, err)
	}
	r.StartedAt = t
	r.Error = errText.String
	return &r, nil
}

// Run returns one stored run.
func (s *Store) Run(id int64) (*Run, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	return r, err
}

// Runs returns every stored run, oldest first.
func (s *Store) Runs() ([]*Run, error) {
	rows, err := s.db.Query("SELECT " + runColumns + " FROM runs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Events returns the events of a run in step order.
func (s *Store) Events(runID int64) ([]vm.Event, error) {
	rows, err := s.db.Query("SELECT step, pc, op, args, parallel FROM events WHERE run_id = ? ORDER BY step", runID)
	if err != nil {
		return nil, fmt.Errorf("listing events of run %d: %w", runID, err)
	}
	defer rows.Close()

	var events []vm.Event
	for rows.Next() {
		var e vm.Event
		var op int
		if err := rows.Scan(&e.Step, &e.PC, &op, &e.Args, &e.Parallel); err != nil {
			return nil, err
		}
		e.Op = vm.Opcode(op)
		events = append(events, e)
	}
	return events, rows.Err()
}

// OpcodeCounts returns how often each opcode executed in a run.
func (s *Store) OpcodeCounts(runID int64) (map[vm.Opcode]int, error) {
	rows, err := s.db.Query("SELECT op, COUNT(*) FROM events WHERE run_id = ? GROUP BY op", runID)
	if err != nil {
		return nil, fmt.Errorf("counting opcodes of run %d: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[vm.Opcode]int)
	for rows.Next() {
		var op, n int
		if err := rows.Scan(&op, &n); err != nil {
			return nil, err
		}
		counts[vm.Opcode(op)] = n
	}
	return counts, rows.Err()
}
