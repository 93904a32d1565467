package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint identifies a run for cache/resume purposes: two runs with the
// same fingerprint produce bit-identical fields. It hashes the canonical
// JSON of the full parameter tuple including the seed.
func (p Params) Fingerprint() string {
	b, err := json.Marshal(p)
	if err != nil {
		// Params is a flat struct of numbers and bools; this cannot happen.
		panic(fmt.Sprintf("params marshal: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StepFingerprint extends the run fingerprint with a redshift, identifying
// one checkpointable step.
func (p Params) StepFingerprint(z float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|z=%.6f", p.Fingerprint(), z)))
	return hex.EncodeToString(sum[:])
}
