package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"reionfast/internal/persistence/r2s3"
)

type mirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

// Checkpoint mirroring is configured purely by environment so credentials
// never land in run configs.
func buildMirrorRuntime(dataDir string, logger *log.Logger) (*mirrorRuntime, error) {
	enabled := envBool("RF_MIRROR", false)
	if !enabled {
		return &mirrorRuntime{enabled: false}, nil
	}

	endpoint := strings.TrimSpace(os.Getenv("RF_MIRROR_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("RF_MIRROR_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("RF_MIRROR_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("RF_MIRROR_SECRET_ACCESS_KEY"))
	prefix := strings.TrimSpace(os.Getenv("RF_MIRROR_PREFIX"))

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("RF_MIRROR=true but RF_MIRROR_ENDPOINT/RF_MIRROR_BUCKET/RF_MIRROR_ACCESS_KEY_ID/RF_MIRROR_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}

	workers := envInt("RF_MIRROR_UPLOAD_WORKERS", 2)
	return &mirrorRuntime{
		enabled: true,
		mirror:  r2s3.NewMirror(client, dataDir, prefix, workers, logger),
	}, nil
}

func (r *mirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *mirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func enqueueIfExists(m *mirrorRuntime, path string) {
	if m == nil || !m.enabled {
		return
	}
	if _, err := os.Stat(path); err == nil {
		m.Enqueue(path)
	}
}

func writeMirrorMetrics(rw http.ResponseWriter, m *mirrorRuntime) {
	if m == nil || !m.enabled {
		return
	}
	s := m.mirror.Stats()

	fmt.Fprintf(rw, "# HELP reionfast_mirror_queue_depth Current mirror queue depth.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "reionfast_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_queue_capacity Mirror queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_queue_capacity gauge\n")
	fmt.Fprintf(rw, "reionfast_mirror_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_enqueued_total Total mirror enqueue attempts.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_enqueued_total counter\n")
	fmt.Fprintf(rw, "reionfast_mirror_enqueued_total %d\n", s.EnqueuedTotal)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_dropped_total Total mirror files dropped because the queue stayed saturated.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "reionfast_mirror_dropped_total %d\n", s.DroppedTotal)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_upload_success_total Total successful mirror uploads.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_upload_success_total counter\n")
	fmt.Fprintf(rw, "reionfast_mirror_upload_success_total %d\n", s.UploadSuccessTotal)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_upload_fail_total Total failed mirror uploads after retry.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_upload_fail_total counter\n")
	fmt.Fprintf(rw, "reionfast_mirror_upload_fail_total %d\n", s.UploadFailTotal)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_last_success_unix Unix timestamp of last successful mirror upload.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_last_success_unix gauge\n")
	fmt.Fprintf(rw, "reionfast_mirror_last_success_unix %d\n", s.LastSuccessUnix)

	fmt.Fprintf(rw, "# HELP reionfast_mirror_last_error_unix Unix timestamp of last failed mirror upload.\n")
	fmt.Fprintf(rw, "# TYPE reionfast_mirror_last_error_unix gauge\n")
	fmt.Fprintf(rw, "reionfast_mirror_last_error_unix %d\n", s.LastErrorUnix)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
