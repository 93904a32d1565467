// Package indexdb maintains a queryable sqlite index of runs, step
// summaries, and checkpoint locations. The index is a secondary artifact:
// writes are queued to a single writer goroutine and dropped if it falls
// behind, since the JSONL step logs and the checkpoint files themselves
// remain the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"reionfast/internal/persistence/snapshot"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/pipeline"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqRun reqKind = iota + 1
	reqStep
	reqCheckpoint
)

type req struct {
	kind reqKind

	run        runRow
	step       stepRow
	checkpoint checkpointRow

	flushed chan struct{} // non-nil on a flush marker
}

type runRow struct {
	RunID       string
	Fingerprint string
	Seed        int64
	Dim         int
	HIIDim      int
	BoxLen      float64
	ParamsJSON  string
	StartedAt   string
}

type stepRow struct {
	RunID     string
	StepIndex int
	Redshift  float64
	MeanXHII  float64
	DtbMean   float64
	ElapsedMS int64
}

type checkpointRow struct {
	RunID       string
	Fingerprint string
	StepIndex   int
	Redshift    float64
	Path        string
	RecordedAt  string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
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
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			seed INTEGER NOT NULL,
			dim INTEGER NOT NULL,
			hii_dim INTEGER NOT NULL,
			box_len REAL NOT NULL,
			params_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(fingerprint);`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			redshift REAL NOT NULL,
			mean_xhii REAL NOT NULL,
			dtb_mean REAL NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, step_index)
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			redshift REAL NOT NULL,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_fingerprint ON checkpoints(fingerprint, redshift);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Flush blocks until every write queued before the call has committed. The
// writer otherwise commits on its own cadence.
func (s *SQLiteIndex) Flush() {
	if s == nil || s.closed.Load() {
		return
	}
	done := make(chan struct{})
	s.ch <- req{flushed: done}
	<-done
}

func (s *SQLiteIndex) RecordRun(runID string, p params.Params) {
	if s == nil || s.closed.Load() {
		return
	}
	pj, _ := json.Marshal(p)
	r := runRow{
		RunID:       runID,
		Fingerprint: p.Fingerprint(),
		Seed:        p.Seed,
		Dim:         p.Box.Dim,
		HIIDim:      p.Box.HIIDim,
		BoxLen:      p.Box.BoxLen,
		ParamsJSON:  string(pj),
		StartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqRun, run: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordStep(runID string, out *pipeline.StepOutput, state *pipeline.RedshiftState, elapsed time.Duration) {
	if s == nil || s.closed.Load() {
		return
	}
	r := stepRow{
		RunID:     runID,
		StepIndex: state.StepIndex,
		Redshift:  out.Redshift,
		MeanXHII:  out.MeanXHII,
		DtbMean:   out.Brightness.Mean(),
		ElapsedMS: elapsed.Milliseconds(),
	}
	select {
	case s.ch <- req{kind: reqStep, step: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordCheckpoint(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	r := checkpointRow{
		RunID:       h.RunID,
		Fingerprint: h.Fingerprint,
		StepIndex:   h.StepIndex,
		Redshift:    h.Redshift,
		Path:        path,
		RecordedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqCheckpoint, checkpoint: r}:
	default:
	}
}

// LatestCheckpoint returns the lowest-redshift checkpoint recorded for a
// parameter fingerprint, or ok=false when none exists. Reads go straight to
// the database; call Flush first if pending writes must be visible.
func (s *SQLiteIndex) LatestCheckpoint(fingerprint string) (path string, redshift float64, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT path, redshift FROM checkpoints WHERE fingerprint = ? ORDER BY redshift ASC LIMIT 1`,
		fingerprint,
	)
	switch err = row.Scan(&path, &redshift); err {
	case nil:
		return path, redshift, true, nil
	case sql.ErrNoRows:
		return "", 0, false, nil
	default:
		return "", 0, false, err
	}
}

// CanResume reports whether a stored checkpoint matches the fingerprint and
// still exists on disk.
func (s *SQLiteIndex) CanResume(fingerprint string) (string, bool) {
	path, _, ok, err := s.LatestCheckpoint(fingerprint)
	if err != nil || !ok {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,fingerprint,seed,dim,hii_dim,box_len,params_json,started_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertStep, _ := s.db.Prepare(`INSERT OR REPLACE INTO steps(run_id,step_index,redshift,mean_xhii,dtb_mean,elapsed_ms) VALUES(?,?,?,?,?,?)`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT OR REPLACE INTO checkpoints(run_id,fingerprint,step_index,redshift,path,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		if insertRun != nil {
			_ = insertRun.Close()
		}
		if insertStep != nil {
			_ = insertStep.Close()
		}
		if insertCheckpoint != nil {
			_ = insertCheckpoint.Close()
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		lastCommit  = time.Now()
		commitEvery = 64
		commitWait  = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
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

	for r := range s.ch {
		if r.flushed != nil {
			commit()
			close(r.flushed)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRun:
			if insertRun != nil {
				rr := r.run
				if _, err := tx.Stmt(insertRun).Exec(
					rr.RunID, rr.Fingerprint, rr.Seed, rr.Dim, rr.HIIDim, rr.BoxLen, rr.ParamsJSON, rr.StartedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqStep:
			if insertStep != nil {
				sr := r.step
				if _, err := tx.Stmt(insertStep).Exec(
					sr.RunID, sr.StepIndex, sr.Redshift, sr.MeanXHII, sr.DtbMean, sr.ElapsedMS,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqCheckpoint:
			if insertCheckpoint != nil {
				cr := r.checkpoint
				if _, err := tx.Stmt(insertCheckpoint).Exec(
					cr.RunID, cr.Fingerprint, cr.StepIndex, cr.Redshift, cr.Path, cr.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitWait) {
			commit()
		}
	}

	commit()
}
