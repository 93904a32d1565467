// Package log writes compressed JSONL run logs: one entry per completed
// redshift step. Files rotate hourly so long runs never grow a single
// unbounded log.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// StepEntry is the per-step log record.
type StepEntry struct {
	RunID      string  `json:"run_id"`
	StepIndex  int     `json:"step_index"`
	Redshift   float64 `json:"redshift"`
	MeanXHII   float64 `json:"mean_xhii"`
	DtbMeanMK  float64 `json:"dtb_mean_mk"`
	TsMeanK    float64 `json:"ts_mean_k,omitempty"`
	ElapsedMS  int64   `json:"elapsed_ms"`
	Checkpoint string  `json:"checkpoint,omitempty"`
}

// StepLogger appends zstd-compressed JSONL step entries under
// <runDir>/steps/, one file per UTC hour. Every entry is flushed so a
// crashed run loses at most the entry being written.
type StepLogger struct {
	dir string

	mu   sync.Mutex
	hour string
	f    *os.File
	enc  *zstd.Encoder
	buf  *bufio.Writer
}

func NewStepLogger(runDir string) *StepLogger {
	return &StepLogger{dir: filepath.Join(runDir, "steps")}
}

func (l *StepLogger) WriteStep(e StepEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != l.hour {
		if err := l.openSegment(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := l.buf.Write(b); err != nil {
		return err
	}
	return l.buf.Flush()
}

func (l *StepLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeSegment()
}

func (l *StepLogger) openSegment(hour string) error {
	if err := l.closeSegment(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(l.dir, fmt.Sprintf("steps-%s.jsonl.zst", hour))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.enc, l.buf, l.hour = f, enc, bufio.NewWriterSize(enc, 128*1024), hour
	return nil
}

func (l *StepLogger) closeSegment() error {
	var errEnc error
	if l.buf != nil {
		_ = l.buf.Flush()
	}
	if l.enc != nil {
		errEnc = l.enc.Close()
	}
	if l.f != nil {
		_ = l.f.Close()
	}
	l.f, l.enc, l.buf = nil, nil, nil
	return errEnc
}
