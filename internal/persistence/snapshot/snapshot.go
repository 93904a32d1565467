// Package snapshot serializes per-redshift checkpoints: a JSON header line
// for cheap inspection followed by the zstd-compressed gob body holding the
// full resume state.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"reionfast/internal/sim/field"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/pipeline"
	"reionfast/internal/sim/radiation"
	"reionfast/internal/sim/spintemp"
	"reionfast/internal/simerr"
)

type Header struct {
	Version     int     `json:"version"`
	RunID       string  `json:"run_id"`
	Fingerprint string  `json:"fingerprint"`
	Redshift    float64 `json:"redshift"`
	StepIndex   int     `json:"step_index"`
}

type CheckpointV1 struct {
	Header Header `json:"header"`

	Params params.Params `json:"params"`

	Redshift  float64 `json:"redshift"`
	StepIndex int     `json:"step_index"`
	MMin      float64 `json:"m_min"`
	MeanXHII  float64 `json:"mean_xhii"`

	Tk     FieldV1   `json:"tk"`
	Xe     FieldV1   `json:"xe"`
	NRec   *FieldV1  `json:"nrec,omitempty"`
	Shells []ShellV1 `json:"shells,omitempty"`
}

type FieldV1 struct {
	N        int            `json:"n"`
	BoxLen   float64        `json:"box_len_mpc"`
	Quantity field.Quantity `json:"quantity"`
	Data     []float32      `json:"data"`
}

type ShellV1 struct {
	Z          float64 `json:"z"`
	Emissivity FieldV1 `json:"emissivity"`
}

func fieldV1(f *field.Field) FieldV1 {
	return FieldV1{N: f.N, BoxLen: f.BoxLen, Quantity: f.Quantity, Data: f.Data}
}

func (v FieldV1) field() (*field.Field, error) {
	f, err := field.New(v.N, v.BoxLen, v.Quantity)
	if err != nil {
		return nil, err
	}
	if len(v.Data) != len(f.Data) {
		return nil, simerr.Config("checkpoint field %s has %d cells, want %d", v.Quantity, len(v.Data), len(f.Data))
	}
	copy(f.Data, v.Data)
	return f, nil
}

// FromState captures a resumable checkpoint of the given redshift state.
func FromState(runID, fingerprint string, p params.Params, st *pipeline.RedshiftState) CheckpointV1 {
	cp := CheckpointV1{
		Header: Header{
			Version:     1,
			RunID:       runID,
			Fingerprint: fingerprint,
			Redshift:    st.Redshift,
			StepIndex:   st.StepIndex,
		},
		Params:    p,
		Redshift:  st.Redshift,
		StepIndex: st.StepIndex,
		MMin:      st.MMin,
		MeanXHII:  st.MeanXHII,
		Tk:        fieldV1(st.Thermal.Tk),
		Xe:        fieldV1(st.Thermal.Xe),
	}
	if st.NRec != nil {
		nrec := fieldV1(st.NRec)
		cp.NRec = &nrec
	}
	for _, sh := range st.Shells {
		cp.Shells = append(cp.Shells, ShellV1{Z: sh.Z, Emissivity: fieldV1(sh.Emissivity)})
	}
	return cp
}

// State reconstructs the redshift state for resuming.
func (cp CheckpointV1) State() (*pipeline.RedshiftState, error) {
	tk, err := cp.Tk.field()
	if err != nil {
		return nil, err
	}
	xe, err := cp.Xe.field()
	if err != nil {
		return nil, err
	}
	st := &pipeline.RedshiftState{
		Redshift:  cp.Redshift,
		StepIndex: cp.StepIndex,
		MMin:      cp.MMin,
		MeanXHII:  cp.MeanXHII,
		Thermal:   &spintemp.State{Z: cp.Redshift, Tk: tk, Xe: xe},
	}
	if cp.NRec != nil {
		if st.NRec, err = cp.NRec.field(); err != nil {
			return nil, err
		}
	}
	for _, sh := range cp.Shells {
		em, err := sh.Emissivity.field()
		if err != nil {
			return nil, err
		}
		st.Shells = append(st.Shells, radiation.Shell{Z: sh.Z, Emissivity: em})
	}
	return st, nil
}

func WriteCheckpoint(path string, cp CheckpointV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(cp.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&cp); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadCheckpoint(path string) (CheckpointV1, error) {
	var cp CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; the gob body repeats it.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&cp); err != nil {
		return cp, fmt.Errorf("gob decode: %w", err)
	}
	return cp, nil
}

// ReadHeader decodes only the JSON header line, for cheap inspection of a
// checkpoint file.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReaderSize(dec, 64*1024).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("checkpoint header: %w", err)
	}
	return h, nil
}
