package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	mirrorQueueCapacity = 1024
	mirrorEnqueueWait   = 25 * time.Millisecond
	uploadAttempts      = 4
	uploadTimeout       = 2 * time.Minute
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// mirrorCounters are the atomically-updated pieces of Stats.
type mirrorCounters struct {
	enqueued       atomic.Uint64
	queueSaturated atomic.Uint64
	dropped        atomic.Uint64
	uploadSuccess  atomic.Uint64
	uploadFail     atomic.Uint64
	lastSuccess    atomic.Int64
	lastError      atomic.Int64
}

// Mirror asynchronously uploads files under dataDir to an S3-compatible
// bucket, keyed by their path relative to dataDir. Enqueue never blocks the
// caller for more than a short bounded wait.
type Mirror struct {
	client  *Client
	dataDir string
	prefix  string
	logger  *log.Logger

	queue chan string
	wg    sync.WaitGroup
	ctr   mirrorCounters
}

func NewMirror(client *Client, dataDir, prefix string, workers int, logger *log.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	m := &Mirror{
		client:  client,
		dataDir: dataDir,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:  logger,
		queue:   make(chan string, mirrorQueueCapacity),
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.worker()
	}
	return m
}

// Enqueue is bounded so it cannot stall the step loop; a checkpoint dropped
// here still exists locally and a later one supersedes it.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.ctr.enqueued.Add(1)

	select {
	case m.queue <- localPath:
		return
	default:
	}

	m.ctr.queueSaturated.Add(1)
	timer := time.NewTimer(mirrorEnqueueWait)
	defer timer.Stop()
	select {
	case m.queue <- localPath:
	case <-timer.C:
		dropped := m.ctr.dropped.Add(1)
		m.printf("mirror drop local=%s reason=queue_saturated dropped_total=%d", localPath, dropped)
	}
}

func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.queue)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.queue),
		QueueCapacity:       cap(m.queue),
		EnqueuedTotal:       m.ctr.enqueued.Load(),
		QueueSaturatedTotal: m.ctr.queueSaturated.Load(),
		DroppedTotal:        m.ctr.dropped.Load(),
		UploadSuccessTotal:  m.ctr.uploadSuccess.Load(),
		UploadFailTotal:     m.ctr.uploadFail.Load(),
		LastSuccessUnix:     m.ctr.lastSuccess.Load(),
		LastErrorUnix:       m.ctr.lastError.Load(),
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for localPath := range m.queue {
		key, err := m.objectKey(localPath)
		if err != nil {
			m.printf("mirror skip local=%s err=%v", localPath, err)
			continue
		}
		if err := m.upload(key, localPath); err != nil {
			m.ctr.uploadFail.Add(1)
			m.ctr.lastError.Store(time.Now().UTC().Unix())
			m.printf("mirror upload failed key=%s local=%s err=%v", key, localPath, err)
			continue
		}
		m.ctr.uploadSuccess.Add(1)
		m.ctr.lastSuccess.Store(time.Now().UTC().Unix())
		m.printf("mirror uploaded key=%s local=%s", key, localPath)
	}
}

func (m *Mirror) upload(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		err := m.client.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < uploadAttempts {
			time.Sleep(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}

	if m.prefix != "" {
		return path.Join(m.prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
