package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drcubix/gansauditor/pkg/models"
)

const ganConfigFenceOpen = "```gan-config"

// ExtractGanConfig scans a thought body for a fenced gan-config block and
// decodes it into a ConfigOverride. Returns nil when no block is present.
// A present but malformed block is an error; unknown keys inside a valid
// block are silently dropped.
func ExtractGanConfig(thought string) (*models.ConfigOverride, error) {
	start := strings.Index(thought, ganConfigFenceOpen)
	if start == -1 {
		return nil, nil
	}
	body := thought[start+len(ganConfigFenceOpen):]
	// The fence tag must end its line.
	nl := strings.IndexByte(body, '\n')
	if nl == -1 {
		return nil, fmt.Errorf("%w: unterminated gan-config block", ErrInvalidOverride)
	}
	if rest := strings.TrimSpace(body[:nl]); rest != "" {
		return nil, nil // not a gan-config fence (e.g. gan-configuration)
	}
	body = body[nl+1:]
	end := strings.Index(body, "```")
	if end == -1 {
		return nil, fmt.Errorf("%w: unterminated gan-config block", ErrInvalidOverride)
	}

	var ov models.ConfigOverride
	if err := yaml.Unmarshal([]byte(body[:end]), &ov); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	return &ov, nil
}
