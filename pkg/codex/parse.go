package codex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/drcubix/gansauditor/pkg/models"
)

// reviewDoc mirrors the analyzer's stdout document. Additional fields the
// analyzer emits are ignored.
type reviewDoc struct {
	Verdict    string         `json:"verdict"`
	Overall    *int           `json:"overall"`
	Dimensions map[string]int `json:"dimensions"`
	Review     struct {
		Inline []struct {
			Path     string `json:"path"`
			Line     int    `json:"line"`
			Comment  string `json:"comment"`
			Severity string `json:"severity"`
		} `json:"inline"`
		Summary string `json:"summary"`
	} `json:"review"`
	ProposedDiff string `json:"proposed_diff"`
}

// parseReview decodes the child's stdout into a Review. The decoder reads
// exactly one JSON value, so trailing diagnostics after the document are
// tolerated; truncated documents are not.
func parseReview(stdout []byte) (*models.Review, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty stdout", ErrBadOutput)
	}
	// Skip any log noise before the document.
	if i := bytes.IndexByte(trimmed, '{'); i > 0 {
		trimmed = trimmed[i:]
	} else if i < 0 {
		return nil, fmt.Errorf("%w: no document in stdout", ErrBadOutput)
	}

	var doc reviewDoc
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOutput, err)
	}

	verdict, err := parseVerdict(doc.Verdict)
	if err != nil {
		return nil, err
	}
	if doc.Overall == nil {
		return nil, fmt.Errorf("%w: missing overall score", ErrBadOutput)
	}

	review := &models.Review{
		Verdict:      verdict,
		OverallScore: clampScore(*doc.Overall),
		Dimensions:   make(map[string]int, len(models.DimensionNames)),
		Summary:      doc.Review.Summary,
		ProposedDiff: doc.ProposedDiff,
	}
	for _, name := range models.DimensionNames {
		if v, ok := doc.Dimensions[name]; ok {
			review.Dimensions[name] = clampScore(v)
		}
	}
	for _, c := range doc.Review.Inline {
		review.InlineComments = append(review.InlineComments, models.InlineComment{
			Path:     c.Path,
			Line:     c.Line,
			Comment:  c.Comment,
			Severity: parseSeverity(c.Severity),
		})
	}
	return review, nil
}

func parseVerdict(s string) (models.Verdict, error) {
	switch models.Verdict(strings.ToLower(s)) {
	case models.VerdictPass:
		return models.VerdictPass, nil
	case models.VerdictRevise:
		return models.VerdictRevise, nil
	case models.VerdictReject:
		return models.VerdictReject, nil
	default:
		return "", fmt.Errorf("%w: unknown verdict %q", ErrBadOutput, s)
	}
}

func parseSeverity(s string) models.Severity {
	switch models.Severity(strings.ToLower(s)) {
	case models.SeverityInfo, models.SeverityMinor, models.SeverityMajor, models.SeverityCritical:
		return models.Severity(strings.ToLower(s))
	default:
		return models.SeverityMinor
	}
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
