package models

import "time"

// SessionState is the lifecycle state of a session.
type SessionState string

// Session states. Complete and Failed are terminal.
const (
	StateActive   SessionState = "active"
	StateComplete SessionState = "complete"
	StateFailed   SessionState = "failed"
)

// CompletionReason explains why a session loop closed.
type CompletionReason string

// Completion reasons. Tier reasons are successful ship gates; the rest are
// kill switches.
const (
	ReasonTier1           CompletionReason = "tier1"
	ReasonTier2           CompletionReason = "tier2"
	ReasonTier3           CompletionReason = "tier3"
	ReasonHardStop        CompletionReason = "hardStop"
	ReasonStagnation      CompletionReason = "stagnation"
	ReasonCriticalPersist CompletionReason = "criticalPersist"
	ReasonFailed          CompletionReason = "failed"
)

// Iteration is one completed turn of submission → review.
type Iteration struct {
	ThoughtNumber int       `json:"thought_number"`
	Fingerprint   string    `json:"fingerprint"`
	Thought       string    `json:"thought"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Review        *Review   `json:"review"`
	DurationMs    int64     `json:"duration_ms"`
}

// Stagnation holds similarity tracking state for a session.
type Stagnation struct {
	StartAt             int      `json:"start_at"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	LastSimilarity      *float64 `json:"last_similarity,omitempty"`
	Detected            bool     `json:"detected"`
	DetectedAtLoop      int      `json:"detected_at_loop,omitempty"`
}

// SessionConfig is the effective per-session threshold set. Populated from
// server defaults at creation and adjusted by validated overrides.
type SessionConfig struct {
	Tier1Score           int      `json:"tier1_score" yaml:"tier1_score"`
	Tier1MinLoops        int      `json:"tier1_min_loops" yaml:"tier1_min_loops"`
	Tier2Score           int      `json:"tier2_score" yaml:"tier2_score"`
	Tier2MinLoops        int      `json:"tier2_min_loops" yaml:"tier2_min_loops"`
	Tier3Score           int      `json:"tier3_score" yaml:"tier3_score"`
	Tier3MinLoops        int      `json:"tier3_min_loops" yaml:"tier3_min_loops"`
	HardStopLoops        int      `json:"hard_stop_loops" yaml:"hard_stop_loops"`
	StagnationStartLoop  int      `json:"stagnation_start_loop" yaml:"stagnation_start_loop"`
	StagnationThreshold  float64  `json:"stagnation_threshold" yaml:"stagnation_threshold"`
	StagnationSource     string   `json:"stagnation_source" yaml:"stagnation_source"`
	CriticalPersistLoops int      `json:"critical_persist_loops" yaml:"critical_persist_loops"`
	CriticalPersistOn    bool     `json:"critical_persist_on" yaml:"critical_persist_on"`
	Task                 string   `json:"task,omitempty" yaml:"task,omitempty"`
	Scope                string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	Paths                []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	RepositoryRoot       string   `json:"repository_root,omitempty" yaml:"repository_root,omitempty"`
}

// ThresholdAt returns the ship score required at the given loop count: the
// lowest tier whose loop gate is already met, or the tier-1 bar before any
// gate opens.
func (c SessionConfig) ThresholdAt(loop int) int {
	switch {
	case loop >= c.Tier3MinLoops:
		return c.Tier3Score
	case loop >= c.Tier2MinLoops:
		return c.Tier2Score
	default:
		return c.Tier1Score
	}
}

// Session is the persistent state of one audit conversation. Owned by the
// session store; callers receive deep copies via Clone.
type Session struct {
	ID               string           `json:"id"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	LoopID           string           `json:"loop_id,omitempty"`
	ContextHandle    string           `json:"context_handle,omitempty"`
	CurrentLoop      int              `json:"current_loop"`
	History          []Iteration      `json:"history"`
	State            SessionState     `json:"state"`
	IsComplete       bool             `json:"is_complete"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	Stagnation       Stagnation       `json:"stagnation"`
	Config           SessionConfig    `json:"config"`
}

// LastIteration returns the most recent iteration, or nil for a fresh session.
func (s *Session) LastIteration() *Iteration {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// LastScore returns the most recent review's overall score, or -1 when the
// session has no history yet.
func (s *Session) LastScore() int {
	last := s.LastIteration()
	if last == nil || last.Review == nil {
		return -1
	}
	return last.Review.OverallScore
}

// Terminal reports whether the session is in a terminal state.
func (s *Session) Terminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

// Clone creates a deep copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	out := *s
	out.History = make([]Iteration, len(s.History))
	copy(out.History, s.History)
	for i := range out.History {
		out.History[i].Review = s.History[i].Review.Clone()
	}
	if s.Config.Paths != nil {
		out.Config.Paths = append([]string(nil), s.Config.Paths...)
	}
	if s.Stagnation.LastSimilarity != nil {
		v := *s.Stagnation.LastSimilarity
		out.Stagnation.LastSimilarity = &v
	}
	return &out
}

// CompletionStatus is the loop-progress summary returned with every response.
type CompletionStatus struct {
	IsComplete  bool             `json:"is_complete"`
	Reason      CompletionReason `json:"reason,omitempty"`
	CurrentLoop int              `json:"current_loop"`
	Score       int              `json:"score"`
	Threshold   int              `json:"threshold"`
}
