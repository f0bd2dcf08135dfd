// Package journal keeps a SQLite history of tape tasks: what ran against
// which device, how it ended, and a digest of the archived path set so two
// runs can be compared without storing every member name.
package journal

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown task id.
var ErrNotFound = errors.New("task not found in journal")

// Task is one journal row.
type Task struct {
	ID          string
	Op          string
	Device      string
	Paths       []string
	Destination string
	State       string
	Error       string
	BytesDone   uint64
	BytesTotal  uint64
	Records     uint64
	Entries     int
	// Manifest is the hex digest of the archived path set, empty when the
	// task produced none.
	Manifest string
	Started  time.Time
	Finished time.Time
}

// Outcome is what Finish records about a completed task.
type Outcome struct {
	State      string
	Error      string
	BytesDone  uint64
	BytesTotal uint64
	Records    uint64
	Entries    int
	Manifest   string
}

// Journal is an open task history database.
type Journal struct {
	db   *sql.DB
	path string
}

// DefaultPath returns $XDG_DATA_HOME/tapectl/journal.db, falling back to
// ~/.local/share.
func DefaultPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "tapectl-journal.db")
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "tapectl", "journal.db")
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			op          TEXT NOT NULL,
			device      TEXT NOT NULL,
			paths       TEXT NOT NULL,
			destination TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			bytes_done  INTEGER NOT NULL DEFAULT 0,
			bytes_total INTEGER NOT NULL DEFAULT 0,
			records     INTEGER NOT NULL DEFAULT 0,
			entries     INTEGER NOT NULL DEFAULT 0,
			manifest    TEXT NOT NULL DEFAULT '',
			started     INTEGER NOT NULL,
			finished    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS tasks_device ON tasks (device, started);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Begin records a task that has just started.
func (j *Journal) Begin(ctx context.Context, t Task) error {
	if t.Started.IsZero() {
		t.Started = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO tasks (id, op, device, paths, destination, state, started)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Op, t.Device, strings.Join(t.Paths, "\n"), t.Destination, t.State, t.Started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal begin %s: %w", t.ID, err)
	}
	return nil
}

// Finish records the outcome of task id.
func (j *Journal) Finish(ctx context.Context, id string, o Outcome) error {
	res, err := j.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, error = ?, bytes_done = ?, bytes_total = ?,
		 records = ?, entries = ?, manifest = ?, finished = ? WHERE id = ?`,
		o.State, o.Error, int64(o.BytesDone), int64(o.BytesTotal),
		int64(o.Records), o.Entries, o.Manifest, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("journal finish %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal finish %s: %w", id, ErrNotFound)
	}
	return nil
}

const selectTask = `SELECT id, op, device, paths, destination, state, error,
	bytes_done, bytes_total, records, entries, manifest, started, finished FROM tasks`

// Get returns the task with the given id.
func (j *Journal) Get(ctx context.Context, id string) (Task, error) {
	rows, err := j.db.QueryContext(ctx, selectTask+" WHERE id = ?", id)
	if err != nil {
		return Task{}, fmt.Errorf("journal get: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

// Recent returns up to limit tasks, newest first. A non-empty device
// filters by device.
func (j *Journal) Recent(ctx context.Context, device string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if device == "" {
		rows, err = j.db.QueryContext(ctx, selectTask+" ORDER BY id DESC LIMIT ?", limit)
	} else {
		rows, err = j.db.QueryContext(ctx, selectTask+" WHERE device = ? ORDER BY id DESC LIMIT ?", device, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var (
			t                              Task
			paths                          string
			bytesDone, bytesTotal, records int64
			started, finished              int64
		)
		if err := rows.Scan(&t.ID, &t.Op, &t.Device, &paths, &t.Destination, &t.State, &t.Error,
			&bytesDone, &bytesTotal, &records, &t.Entries, &t.Manifest, &started, &finished); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		if paths != "" {
			t.Paths = strings.Split(paths, "\n")
		}
		t.BytesDone, t.BytesTotal, t.Records = uint64(bytesDone), uint64(bytesTotal), uint64(records)
		t.Started = time.Unix(0, started)
		if finished != 0 {
			t.Finished = time.Unix(0, finished)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// ManifestDigest hashes a set of archive member paths. Order and the
// leading or trailing slashes tar adds or strips do not affect the digest.
func ManifestDigest(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	norm := make([]string, 0, len(paths))
	for _, p := range paths {
		if p = strings.Trim(p, "/"); p != "" {
			norm = append(norm, p)
		}
	}
	slices.Sort(norm)
	norm = slices.Compact(norm)

	h := blake3.New()
	for _, p := range norm {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:16])
}
