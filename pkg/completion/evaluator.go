// Package completion decides when a session's audit loop is done: tiered
// ship gates first, then kill switches. Pure over the session's state.
package completion

import (
	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/fingerprint"
	"github.com/drcubix/gansauditor/pkg/models"
)

// Verdict is the evaluator's decision for a session.
type Verdict struct {
	Complete bool
	Reason   models.CompletionReason

	// Similarity is the last-vs-previous similarity when it was computed
	// (loops at or past the stagnation window), else -1.
	Similarity float64
}

// Evaluate applies the decision rules in order: ship tiers, hard stop,
// stagnation, critical persistence. Ship tiers win ties by construction.
// The score consulted is the LAST iteration's, not the maximum so far.
func Evaluate(s *models.Session) Verdict {
	v := Verdict{Similarity: -1}
	if s.CurrentLoop == 0 {
		return v
	}
	cfg := s.Config
	score := s.LastScore()

	// 1. Ship tiers, first match fires.
	switch {
	case score >= cfg.Tier1Score && s.CurrentLoop >= cfg.Tier1MinLoops:
		return Verdict{Complete: true, Reason: models.ReasonTier1, Similarity: -1}
	case score >= cfg.Tier2Score && s.CurrentLoop >= cfg.Tier2MinLoops:
		return Verdict{Complete: true, Reason: models.ReasonTier2, Similarity: -1}
	case score >= cfg.Tier3Score && s.CurrentLoop >= cfg.Tier3MinLoops:
		return Verdict{Complete: true, Reason: models.ReasonTier3, Similarity: -1}
	}

	// 2. Hard stop.
	if s.CurrentLoop >= cfg.HardStopLoops {
		return Verdict{Complete: true, Reason: models.ReasonHardStop, Similarity: -1}
	}

	// 3. Stagnation: the submitter's side has stalled.
	if s.CurrentLoop >= cfg.StagnationStartLoop && len(s.History) >= 2 {
		last := s.History[len(s.History)-1]
		prev := s.History[len(s.History)-2]
		sim := fingerprint.Similarity(stagnationText(&last, cfg), stagnationText(&prev, cfg))
		v.Similarity = sim
		if sim >= cfg.StagnationThreshold {
			return Verdict{Complete: true, Reason: models.ReasonStagnation, Similarity: sim}
		}
	}

	// 4. Critical-issue persistence.
	if cfg.CriticalPersistOn && s.CurrentLoop >= cfg.CriticalPersistLoops {
		if last := s.LastIteration(); last != nil && last.Review != nil && last.Review.HasCriticalComment() {
			return Verdict{Complete: true, Reason: models.ReasonCriticalPersist, Similarity: v.Similarity}
		}
	}

	return v
}

// stagnationText selects the compared text per the session's config:
// the submitter's thought (default) or the judge's review summary.
func stagnationText(it *models.Iteration, cfg models.SessionConfig) string {
	if cfg.StagnationSource == config.StagnationSourceReview && it.Review != nil {
		return it.Review.Summary
	}
	return it.Thought
}
