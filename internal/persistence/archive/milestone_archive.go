// Package archive copies checkpoints at reionization milestones into a
// durable per-run archive directory. Regular checkpoints are overwritten by
// later runs and pruned freely; milestone copies are what analysis scripts
// and off-host mirrors pick up.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"reionfast/internal/persistence/snapshot"
)

// Milestones are global ionized-fraction thresholds. A checkpoint is
// archived the first time the mean crosses each one.
var Milestones = []float64{0.25, 0.50, 0.75, 0.99}

type MilestoneMeta struct {
	Milestone   float64 `json:"milestone"`
	Redshift    float64 `json:"redshift"`
	StepIndex   int     `json:"step_index"`
	MeanXHII    float64 `json:"mean_xhii"`
	Fingerprint string  `json:"fingerprint"`
	Checkpoint  string  `json:"checkpoint"`
	CreatedAt   string  `json:"created_at"`
}

// ArchiveMilestoneCheckpoint copies ckptPath into
// `runDir/archives/xhii_<NN>/` when the global ionized fraction crossed a
// milestone between prevMean and cp's mean. It returns the highest milestone
// crossed and the archived path.
func ArchiveMilestoneCheckpoint(runDir, ckptPath string, cp snapshot.CheckpointV1, prevMean float64) (milestone float64, archivedPath string, archived bool, err error) {
	for _, m := range Milestones {
		if prevMean < m && cp.MeanXHII >= m {
			milestone = m
		}
	}
	if milestone == 0 {
		return 0, "", false, nil
	}

	archiveDir := filepath.Join(runDir, "archives", fmt.Sprintf("xhii_%02.0f", milestone*100))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return 0, "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(ckptPath))
	if err := copyFile(ckptPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := MilestoneMeta{
		Milestone:   milestone,
		Redshift:    cp.Redshift,
		StepIndex:   cp.StepIndex,
		MeanXHII:    cp.MeanXHII,
		Fingerprint: cp.Header.Fingerprint,
		Checkpoint:  filepath.Base(dst),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return milestone, dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
