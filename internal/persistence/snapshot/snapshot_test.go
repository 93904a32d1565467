package snapshot

import (
	"path/filepath"
	"testing"

	"reionfast/internal/sim/params"
	"reionfast/internal/sim/pipeline"
	"reionfast/internal/sim/tuning"
)

func checkpointState(t *testing.T) (params.Params, *pipeline.RedshiftState) {
	t.Helper()
	p, err := params.New(params.Params{
		Box:   params.Box{BoxLen: 80, Dim: 16, HIIDim: 8},
		Flags: params.FlagOptions{UseTsFluct: true, InhomoReco: true},
		Seed:  21,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	eng, err := pipeline.New(p, tuning.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	var st *pipeline.RedshiftState
	_, err = eng.Run(nil, []float64{14, 12}, func(_ *pipeline.StepOutput, s *pipeline.RedshiftState) error {
		st = s
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return p, st
}

func TestCheckpointRoundtrip(t *testing.T) {
	p, st := checkpointState(t)
	fp := p.Fingerprint()

	path := filepath.Join(t.TempDir(), "ck", "z12.ckpt.zst")
	cp := FromState("run-1", fp, p, st)
	if err := WriteCheckpoint(path, cp); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	restored, err := got.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	if restored.Redshift != st.Redshift || restored.StepIndex != st.StepIndex {
		t.Fatalf("restored z=%g step=%d, want z=%g step=%d",
			restored.Redshift, restored.StepIndex, st.Redshift, st.StepIndex)
	}
	if restored.Thermal.Tk.Digest() != st.Thermal.Tk.Digest() {
		t.Fatalf("kinetic temperature changed across the roundtrip")
	}
	if restored.NRec == nil || restored.NRec.Digest() != st.NRec.Digest() {
		t.Fatalf("recombination field changed across the roundtrip")
	}
	if len(restored.Shells) != len(st.Shells) {
		t.Fatalf("restored %d shells, want %d", len(restored.Shells), len(st.Shells))
	}
	for i := range restored.Shells {
		if restored.Shells[i].Emissivity.Digest() != st.Shells[i].Emissivity.Digest() {
			t.Fatalf("shell %d changed across the roundtrip", i)
		}
	}
}

func TestReadHeaderWithoutBody(t *testing.T) {
	p, st := checkpointState(t)
	fp := p.Fingerprint()

	path := filepath.Join(t.TempDir(), "z12.ckpt.zst")
	if err := WriteCheckpoint(path, FromState("run-2", fp, p, st)); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Version != 1 || h.RunID != "run-2" || h.Fingerprint != fp || h.Redshift != st.Redshift {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	p, st := checkpointState(t)

	path := filepath.Join(t.TempDir(), "z12.ckpt.zst")
	if err := WriteCheckpoint(path, FromState("run-3", "fp", p, st)); err != nil {
		t.Fatalf("write: %v", err)
	}
	cp, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	restored, err := cp.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	run := func(from *pipeline.RedshiftState) string {
		eng, err := pipeline.New(p, tuning.Default(), nil)
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		outs, err := eng.Run(from, []float64{10}, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return outs[0].Brightness.Digest()
	}
	if a, b := run(st), run(restored); a != b {
		t.Fatalf("resumed run diverged: %s vs %s", a, b)
	}
}
