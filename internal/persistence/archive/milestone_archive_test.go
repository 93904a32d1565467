package archive

import (
	"os"
	"path/filepath"
	"testing"

	"reionfast/internal/persistence/snapshot"
)

func TestArchiveMilestoneCheckpoint_CopiesOnCrossing(t *testing.T) {
	runDir := t.TempDir()

	src := filepath.Join(runDir, "checkpoints", "z008.200.ckpt.zst")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir checkpoints: %v", err)
	}
	want := []byte("dummy")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	cp := snapshot.CheckpointV1{
		Header:    snapshot.Header{Version: 1, RunID: "r1", Fingerprint: "abc", Redshift: 8.2, StepIndex: 12},
		Redshift:  8.2,
		StepIndex: 12,
		MeanXHII:  0.53,
	}

	milestone, archivedPath, ok, err := ArchiveMilestoneCheckpoint(runDir, src, cp, 0.48)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !ok {
		t.Fatalf("expected archived=true")
	}
	if milestone != 0.50 {
		t.Fatalf("milestone=%g want 0.50", milestone)
	}

	got, err := os.ReadFile(archivedPath)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("archived content mismatch: got=%q want=%q", string(got), string(want))
	}

	metaPath := filepath.Join(filepath.Dir(archivedPath), "meta.json")
	if _, err := os.Stat(metaPath); err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
}

func TestArchiveMilestoneCheckpoint_NoCrossingNoCopy(t *testing.T) {
	runDir := t.TempDir()
	cp := snapshot.CheckpointV1{MeanXHII: 0.30}

	// Already past 0.25; no milestone between 0.30 and 0.30.
	_, _, ok, err := ArchiveMilestoneCheckpoint(runDir, "does-not-matter", cp, 0.30)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if ok {
		t.Fatalf("expected archived=false")
	}
}
