package config

import (
	"fmt"

	"github.com/drcubix/gansauditor/pkg/models"
)

// Override bounds. Values outside these ranges fall back to defaults.
const (
	MinThreshold = 50
	MaxThreshold = 100
	MinMaxCycles = 1
	MaxMaxCycles = 100
)

// WarnFunc receives a human-readable note about an override that was
// rejected and fell back to the session default.
type WarnFunc func(field, message string)

// ApplyOverride merges a validated submission override into a session's
// effective config. Invalid values are reported through warn and ignored;
// unknown fields never reach here (the decoder drops them).
func ApplyOverride(cfg *models.SessionConfig, ov *models.ConfigOverride, warn WarnFunc) {
	if ov == nil {
		return
	}
	if warn == nil {
		warn = func(string, string) {}
	}

	if ov.Task != "" {
		cfg.Task = ov.Task
	}

	if ov.Threshold != nil {
		t := *ov.Threshold
		if t < MinThreshold || t > MaxThreshold {
			warn("threshold", fmt.Sprintf("threshold %d outside [%d,%d], keeping defaults", t, MinThreshold, MaxThreshold))
		} else {
			// The override raises or lowers the ship bar as a whole; the
			// lower tiers keep their relative discounts.
			cfg.Tier1Score = t
			cfg.Tier2Score = clampScore(t - 5)
			cfg.Tier3Score = clampScore(t - 10)
		}
	}

	if ov.MaxCycles != nil {
		m := *ov.MaxCycles
		if m < MinMaxCycles || m > MaxMaxCycles {
			warn("maxCycles", fmt.Sprintf("maxCycles %d outside [%d,%d], keeping default", m, MinMaxCycles, MaxMaxCycles))
		} else {
			cfg.HardStopLoops = m
		}
	}

	if ov.Scope != "" {
		switch ov.Scope {
		case models.ScopeDiff, models.ScopePaths, models.ScopeWorkspace:
			cfg.Scope = string(ov.Scope)
		default:
			warn("scope", fmt.Sprintf("unknown scope %q, keeping default", ov.Scope))
		}
	}

	if len(ov.Paths) > 0 {
		if cfg.Scope != string(models.ScopePaths) {
			warn("paths", "paths given without paths scope, ignoring")
		} else {
			cfg.Paths = append([]string(nil), ov.Paths...)
		}
	}

	if ov.StagnationSource != "" {
		switch ov.StagnationSource {
		case StagnationSourceThought, StagnationSourceReview:
			cfg.StagnationSource = ov.StagnationSource
		default:
			warn("stagnationSource", fmt.Sprintf("unknown stagnation source %q, keeping default", ov.StagnationSource))
		}
	}

	if ov.CriticalPersistOn != nil {
		cfg.CriticalPersistOn = *ov.CriticalPersistOn
	}

	if ov.RepositoryRoot != "" {
		cfg.RepositoryRoot = ov.RepositoryRoot
	}
}

func clampScore(s int) int {
	if s < MinThreshold {
		return MinThreshold
	}
	return s
}
