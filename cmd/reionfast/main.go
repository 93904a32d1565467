package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"reionfast/internal/persistence/archive"
	"reionfast/internal/persistence/indexdb"
	persistlog "reionfast/internal/persistence/log"
	"reionfast/internal/persistence/snapshot"
	"reionfast/internal/sim/params"
	"reionfast/internal/sim/pipeline"
	"reionfast/internal/sim/tuning"
	"reionfast/internal/transport/progress"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address (progress stream, health, metrics)")
		configPath = flag.String("config", "./configs/run.yaml", "run config path (parameters + redshift schedule)")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <config dir>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		runID      = flag.String("run_id", "", "run id (default: random; reuse an id to group resumed runs)")
		resume     = flag.Bool("resume", true, "resume from the latest checkpoint matching the parameter fingerprint")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index (checkpoints and step logs still written)")
		noServe    = flag.Bool("no_serve", false, "run without the http endpoint")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[reionfast] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := params.LoadRunConfig(*configPath)
	if err != nil {
		logger.Fatalf("load run config: %v", err)
	}
	schedule, err := cfg.Schedule.Resolve()
	if err != nil {
		logger.Fatalf("resolve schedule: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(filepath.Dir(*configPath), "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Default()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = uuid.NewString()
	}
	runDir := filepath.Join(*dataDir, "runs", id)
	_ = os.MkdirAll(runDir, 0o755)

	mirror, err := buildMirrorRuntime(*dataDir, logger)
	if err != nil {
		logger.Fatalf("mirror: %v", err)
	}
	defer mirror.Close()

	// Secondary read-model index (does not affect run determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "runs.db"))
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
		defer idx.Close()
	}

	eng, err := pipeline.New(cfg.Params, tune, logger)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	p := eng.Params()
	fingerprint := p.Fingerprint()
	if idx != nil {
		idx.RecordRun(id, p)
	}

	// Resume from the newest matching checkpoint when one exists.
	var state *pipeline.RedshiftState
	if *resume && idx != nil {
		if path, ok := idx.CanResume(fingerprint); ok {
			cp, err := snapshot.ReadCheckpoint(path)
			if err != nil {
				logger.Fatalf("read checkpoint: %v", err)
			}
			if state, err = cp.State(); err != nil {
				logger.Fatalf("restore checkpoint: %v", err)
			}
			logger.Printf("resumed from checkpoint=%s z=%.3f step=%d", filepath.Base(path), state.Redshift, state.StepIndex)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	stepLog := persistlog.NewStepLogger(runDir)
	defer stepLog.Close()

	progSrv := progress.NewServer(id, p, schedule, logger)
	var lastStep stepGauge

	if !*noServe {
		srv := serveHTTP(*addr, id, progSrv, &lastStep, mirror, logger)
		defer func() {
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
	}

	logger.Printf("run %s: %d redshift steps from z=%.2f to z=%.2f fingerprint=%s",
		id, len(schedule), schedule[0], schedule[len(schedule)-1], fingerprint[:12])

	stepStart := time.Now()
	prevMeanXHII := 0.0
	if state != nil {
		prevMeanXHII = state.MeanXHII
	}
	_, err = eng.Run(state, schedule, func(out *pipeline.StepOutput, st *pipeline.RedshiftState) error {
		elapsed := time.Since(stepStart)

		ckPath := filepath.Join(runDir, "checkpoints", fmt.Sprintf("z%07.3f.ckpt.zst", out.Redshift))
		cp := snapshot.FromState(id, fingerprint, p, st)
		if err := snapshot.WriteCheckpoint(ckPath, cp); err != nil {
			logger.Printf("checkpoint write: %v", err)
			ckPath = ""
		} else {
			if idx != nil {
				idx.RecordCheckpoint(ckPath, cp.Header)
			}
			mirror.Enqueue(ckPath)
			if m, archivedPath, ok, err := archive.ArchiveMilestoneCheckpoint(runDir, ckPath, cp, prevMeanXHII); err != nil {
				logger.Printf("milestone archive: %v", err)
			} else if ok {
				logger.Printf("archived xhii=%.0f%% checkpoint z=%.3f", m*100, out.Redshift)
				mirror.Enqueue(archivedPath)
				enqueueIfExists(mirror, filepath.Join(filepath.Dir(archivedPath), "meta.json"))
			}
		}
		prevMeanXHII = out.MeanXHII

		entry := persistlog.StepEntry{
			RunID:      id,
			StepIndex:  st.StepIndex,
			Redshift:   out.Redshift,
			MeanXHII:   out.MeanXHII,
			DtbMeanMK:  out.Brightness.Mean(),
			ElapsedMS:  elapsed.Milliseconds(),
			Checkpoint: ckPath,
		}
		if out.Ts != nil {
			entry.TsMeanK = out.Ts.Mean()
		}
		if err := stepLog.WriteStep(entry); err != nil {
			logger.Printf("step log: %v", err)
		}
		if idx != nil {
			idx.RecordStep(id, out, st, elapsed)
		}
		progSrv.Publish(out, st, elapsed)
		lastStep.set(entry)

		stepStart = time.Now()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	})
	switch {
	case err == nil:
		logger.Printf("run %s complete", id)
	case errors.Is(err, context.Canceled):
		logger.Printf("run %s interrupted; checkpoints are resumable", id)
	default:
		logger.Fatalf("run: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// stepGauge holds the latest step summary for /metrics and /v1/state.
type stepGauge struct {
	mu sync.Mutex
	e  persistlog.StepEntry
	ok bool
}

func (g *stepGauge) set(e persistlog.StepEntry) {
	g.mu.Lock()
	g.e, g.ok = e, true
	g.mu.Unlock()
}

func (g *stepGauge) get() (persistlog.StepEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.e, g.ok
}

func serveHTTP(addr, runID string, progSrv *progress.Server, last *stepGauge, mirror *mirrorRuntime, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		defer writeMirrorMetrics(rw, mirror)

		e, ok := last.get()
		if !ok {
			return
		}
		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP reionfast_step_index Last completed redshift step.\n")
		fmt.Fprintf(rw, "# TYPE reionfast_step_index gauge\n")
		fmt.Fprintf(rw, "reionfast_step_index{run=%q} %d\n", runID, e.StepIndex)

		fmt.Fprintf(rw, "# HELP reionfast_redshift Redshift of the last completed step.\n")
		fmt.Fprintf(rw, "# TYPE reionfast_redshift gauge\n")
		fmt.Fprintf(rw, "reionfast_redshift{run=%q} %.4f\n", runID, e.Redshift)

		fmt.Fprintf(rw, "# HELP reionfast_mean_xhii Global mean ionized fraction.\n")
		fmt.Fprintf(rw, "# TYPE reionfast_mean_xhii gauge\n")
		fmt.Fprintf(rw, "reionfast_mean_xhii{run=%q} %.6f\n", runID, e.MeanXHII)

		fmt.Fprintf(rw, "# HELP reionfast_step_ms Last step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE reionfast_step_ms gauge\n")
		fmt.Fprintf(rw, "reionfast_step_ms{run=%q} %d\n", runID, e.ElapsedMS)
	})
	mux.HandleFunc("/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		e, _ := last.get()
		_ = json.NewEncoder(rw).Encode(struct {
			RunID string               `json:"run_id"`
			Last  persistlog.StepEntry `json:"last_step"`
		}{RunID: runID, Last: e})
	})
	mux.HandleFunc("/v1/progress/bootstrap", progSrv.BootstrapHandler())
	mux.HandleFunc("/v1/progress/ws", progSrv.WSHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("ListenAndServe: %v", err)
		}
	}()
	return srv
}
