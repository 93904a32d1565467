package indexdb

import (
	"os"
	"path/filepath"
	"testing"

	"reionfast/internal/persistence/snapshot"
	"reionfast/internal/sim/params"
)

func testParams(t *testing.T) params.Params {
	t.Helper()
	p, err := params.New(params.Params{
		Box:  params.Box{BoxLen: 80, Dim: 16, HIIDim: 8},
		Seed: 9,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return p
}

func TestOpenCreatesSchema(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	var n int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM meta WHERE key='schema_version'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("schema_version row: n=%d err=%v", n, err)
	}
}

func TestCheckpointLookup(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenSQLite(filepath.Join(dir, "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	p := testParams(t)
	fp := p.Fingerprint()
	idx.RecordRun("run-a", p)

	ckPath := filepath.Join(dir, "z9.ckpt.zst")
	if err := os.WriteFile(ckPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	idx.RecordCheckpoint(ckPath, snapshot.Header{
		Version: 1, RunID: "run-a", Fingerprint: fp, Redshift: 9, StepIndex: 3,
	})
	idx.RecordCheckpoint(filepath.Join(dir, "z12.ckpt.zst"), snapshot.Header{
		Version: 1, RunID: "run-a", Fingerprint: fp, Redshift: 12, StepIndex: 2,
	})
	idx.Flush()

	path, z, ok, err := idx.LatestCheckpoint(fp)
	if err != nil || !ok {
		t.Fatalf("latest checkpoint: ok=%v err=%v", ok, err)
	}
	if path != ckPath || z != 9 {
		t.Fatalf("got %s at z=%g, want %s at z=9", path, z, ckPath)
	}

	// CanResume requires the file to exist; only z=9 was written to disk.
	if got, ok := idx.CanResume(fp); !ok || got != ckPath {
		t.Fatalf("CanResume = %q, %v", got, ok)
	}
	if _, ok := idx.CanResume("no-such-fingerprint"); ok {
		t.Fatalf("CanResume matched an unknown fingerprint")
	}
}

func TestStepRowsSurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p := testParams(t)
	idx.RecordRun("run-b", p)
	idx.ch <- req{kind: reqStep, step: stepRow{
		RunID: "run-b", StepIndex: 1, Redshift: 12, MeanXHII: 0.01, DtbMean: 20, ElapsedMS: 30,
	}}
	idx.Flush()
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx2, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()

	var z, xhii float64
	row := idx2.db.QueryRow(`SELECT redshift, mean_xhii FROM steps WHERE run_id='run-b' AND step_index=1`)
	if err := row.Scan(&z, &xhii); err != nil {
		t.Fatalf("step row: %v", err)
	}
	if z != 12 || xhii != 0.01 {
		t.Fatalf("step row z=%g xhii=%g", z, xhii)
	}
}

func TestClosedIndexDropsWrites(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Must not panic or block after close.
	idx.RecordRun("run-c", testParams(t))
	idx.RecordCheckpoint("p", snapshot.Header{})
	idx.Flush()
}
