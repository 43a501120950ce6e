// Package fingerprint provides the deterministic submission fingerprint used
// to key the review cache, and the pairwise text similarity used for
// stagnation detection.
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// JudgeConfig is the judge-affecting subset of configuration. Two
// submissions with the same thought and the same JudgeConfig produce the
// same review, so both participate in the fingerprint. Session identity,
// iteration numbers, and wall-clock inputs deliberately do not.
type JudgeConfig struct {
	Executable string
	Model      string
	Timeout    time.Duration
	Scope      string
	Paths      []string
	Threshold  int
}

// Fingerprint computes a stable hex digest of a thought under a judge
// configuration. Deterministic across processes: fields are fed to the hash
// as a length-prefixed stream so no two input combinations collide by
// concatenation.
func Fingerprint(thought string, cfg JudgeConfig) string {
	h := xxhash.New()
	writeField(h, thought)
	writeField(h, cfg.Executable)
	writeField(h, cfg.Model)
	writeField(h, cfg.Timeout.String())
	writeField(h, cfg.Scope)
	for _, p := range cfg.Paths {
		writeField(h, p)
	}
	writeField(h, fmt.Sprintf("t=%d", cfg.Threshold))
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeField(h *xxhash.Digest, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.WriteString(s)
}
