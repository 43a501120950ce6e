package config

import "github.com/drcubix/gansauditor/pkg/models"

// Stagnation sources: which text successive iterations are compared by.
const (
	StagnationSourceThought = "thought"
	StagnationSourceReview  = "review"
)

// CompletionConfig holds the tiered quality bar and kill-switch thresholds.
// These are the server-wide defaults; each session captures its own copy,
// which submission overrides may adjust.
type CompletionConfig struct {
	Tier1Score    int `yaml:"tier1_score"`
	Tier1MinLoops int `yaml:"tier1_min_loops"`
	Tier2Score    int `yaml:"tier2_score"`
	Tier2MinLoops int `yaml:"tier2_min_loops"`
	Tier3Score    int `yaml:"tier3_score"`
	Tier3MinLoops int `yaml:"tier3_min_loops"`

	// HardStopLoops is the absolute iteration cap. Reaching it closes the
	// session regardless of score.
	HardStopLoops int `yaml:"hard_stop_loops"`

	// Stagnation detection: from StagnationStartLoop onward, successive
	// submissions whose similarity is at or above StagnationThreshold close
	// the session.
	StagnationStartLoop int     `yaml:"stagnation_start_loop"`
	StagnationThreshold float64 `yaml:"stagnation_threshold"`

	// StagnationSource selects what gets compared: the submitter's thought
	// bodies ("thought") or the judge's review summaries ("review").
	StagnationSource string `yaml:"stagnation_source"`

	// Critical-issue persistence: when enabled, a critical inline comment
	// surviving to CriticalPersistLoops closes the session.
	CriticalPersistLoops int  `yaml:"critical_persist_loops"`
	CriticalPersistOn    bool `yaml:"critical_persist_on"`
}

// DefaultCompletionConfig returns the built-in completion thresholds.
func DefaultCompletionConfig() *CompletionConfig {
	return &CompletionConfig{
		Tier1Score:           95,
		Tier1MinLoops:        10,
		Tier2Score:           90,
		Tier2MinLoops:        15,
		Tier3Score:           85,
		Tier3MinLoops:        20,
		HardStopLoops:        25,
		StagnationStartLoop:  10,
		StagnationThreshold:  0.95,
		StagnationSource:     StagnationSourceThought,
		CriticalPersistLoops: 15,
		CriticalPersistOn:    false,
	}
}

// SessionConfig materializes the per-session threshold record a new session
// starts from.
func (c *CompletionConfig) SessionConfig() models.SessionConfig {
	return models.SessionConfig{
		Tier1Score:           c.Tier1Score,
		Tier1MinLoops:        c.Tier1MinLoops,
		Tier2Score:           c.Tier2Score,
		Tier2MinLoops:        c.Tier2MinLoops,
		Tier3Score:           c.Tier3Score,
		Tier3MinLoops:        c.Tier3MinLoops,
		HardStopLoops:        c.HardStopLoops,
		StagnationStartLoop:  c.StagnationStartLoop,
		StagnationThreshold:  c.StagnationThreshold,
		StagnationSource:     c.StagnationSource,
		CriticalPersistLoops: c.CriticalPersistLoops,
		CriticalPersistOn:    c.CriticalPersistOn,
	}
}
