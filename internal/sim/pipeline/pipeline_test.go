package pipeline

import (
	"testing"

	"reionfast/internal/sim/params"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/simerr"
)

func testParams(tsFluct bool) params.Params {
	return params.Params{
		Box:   params.Box{BoxLen: 80, Dim: 16, HIIDim: 8},
		Flags: params.FlagOptions{UseTsFluct: tsFluct},
		Seed:  42,
	}
}

func TestRunReionizesMonotonically(t *testing.T) {
	eng, err := New(testParams(true), tuning.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	schedule := []float64{16, 12, 9, 7}
	outs, err := eng.Run(nil, schedule, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outs) != len(schedule) {
		t.Fatalf("got %d outputs, want %d", len(outs), len(schedule))
	}
	want := 8 * 8 * 8
	prev := -1.0
	for i, out := range outs {
		if out.Redshift != schedule[i] {
			t.Fatalf("output %d at z=%g, want %g", i, out.Redshift, schedule[i])
		}
		if len(out.Brightness.Data) != want {
			t.Fatalf("brightness grid has %d cells, want %d", len(out.Brightness.Data), want)
		}
		if out.Ts == nil {
			t.Fatalf("spin temperature missing at z=%g", out.Redshift)
		}
		if out.MeanXHII < prev-1e-6 {
			t.Fatalf("mean ionized fraction fell from %g to %g at z=%g", prev, out.MeanXHII, out.Redshift)
		}
		prev = out.MeanXHII
	}
}

func TestRunDeterministicAcrossEngines(t *testing.T) {
	run := func() string {
		eng, err := New(testParams(true), tuning.Default(), nil)
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		outs, err := eng.Run(nil, []float64{12, 10}, nil)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return outs[1].Brightness.Digest()
	}
	if a, b := run(), run(); a != b {
		t.Fatalf("brightness digests differ across identical runs: %s vs %s", a, b)
	}
}

func TestRunRejectsAscendingSchedule(t *testing.T) {
	eng, err := New(testParams(true), tuning.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := eng.Run(nil, []float64{10, 12}, nil); !simerr.IsConfiguration(err) {
		t.Fatalf("expected E_CONFIG for ascending schedule, got %v", err)
	}

	state, err := eng.InitialState()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if _, _, err := eng.Step(state, state.Redshift); !simerr.IsConfiguration(err) {
		t.Fatalf("expected E_CONFIG for non-descending step, got %v", err)
	}
}

func TestRunIndependentStepsWithoutHistory(t *testing.T) {
	eng, err := New(testParams(false), tuning.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	schedule := []float64{12, 9, 7}
	order := make([]float64, 0, len(schedule))
	outs, err := eng.Run(nil, schedule, func(out *StepOutput, _ *RedshiftState) error {
		order = append(order, out.Redshift)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outs) != len(schedule) {
		t.Fatalf("got %d outputs, want %d", len(outs), len(schedule))
	}
	for i, z := range schedule {
		if order[i] != z || outs[i].Redshift != z {
			t.Fatalf("outputs not in schedule order: %v", order)
		}
		if outs[i].Ts != nil {
			t.Fatalf("saturated run produced a spin-temperature field")
		}
	}
}

func TestRunResumeSkipsCompletedSteps(t *testing.T) {
	eng, err := New(testParams(true), tuning.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	schedule := []float64{14, 11, 9}

	var mid *RedshiftState
	_, err = eng.Run(nil, schedule[:2], func(_ *StepOutput, st *RedshiftState) error {
		mid = st
		return nil
	})
	if err != nil {
		t.Fatalf("first half: %v", err)
	}
	if mid == nil || mid.Redshift != 11 {
		t.Fatalf("checkpoint state at z=%v, want 11", mid)
	}

	outs, err := eng.Run(mid, schedule, nil)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if len(outs) != 1 || outs[0].Redshift != 9 {
		t.Fatalf("resume recomputed completed steps: %d outputs", len(outs))
	}
}
