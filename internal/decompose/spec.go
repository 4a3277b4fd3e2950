package decompose

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/relay/pkg/models"
)

// TaskSpec is one task as supplied by a caller or returned by a planner.
// DependsOn refers to other specs by name.
type TaskSpec struct {
	Name                   string              `json:"name" yaml:"name"`
	Description            string              `json:"description,omitempty" yaml:"description"`
	DependsOn              []string            `json:"depends_on,omitempty" yaml:"depends_on"`
	Role                   string              `json:"suggested_role,omitempty" yaml:"suggested_role"`
	Capabilities           []models.Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Agent                  string              `json:"agent,omitempty" yaml:"agent"`
	HighStakes             bool                `json:"high_stakes,omitempty" yaml:"high_stakes"`
	Optional               bool                `json:"optional,omitempty" yaml:"optional"`
	RequireApproval        bool                `json:"require_approval,omitempty" yaml:"require_approval"`
	Iterations             int                 `json:"iterations,omitempty" yaml:"iterations"`
	TimeoutSeconds         int                 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	EstimatedContextTokens int                 `json:"estimated_context_tokens,omitempty" yaml:"estimated_context_tokens"`
	EstimatedOutputTokens  int                 `json:"estimated_output_tokens,omitempty" yaml:"estimated_output_tokens"`
	LatencySensitive       bool                `json:"latency_sensitive,omitempty" yaml:"latency_sensitive"`
	MaxCostUSD             float64             `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
}

// taskFile is the on-disk layout of a task list.
type taskFile struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// LoadSpecs reads an explicit task list from a YAML or JSON file. The file is
// either a bare list or a mapping with a "tasks" key.
func LoadSpecs(path string) ([]TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return ParseSpecs(data)
}

// ParseSpecs parses a YAML or JSON task list.
func ParseSpecs(data []byte) ([]TaskSpec, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var specs []TaskSpec
		if err := yaml.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse task list: %w", err)
		}
		return specs, nil
	}

	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	return f.Tasks, nil
}

// ExtractJSONArray returns the outermost JSON array in text. Planners often
// wrap their answer in prose or code fences.
func ExtractJSONArray(text string) (json.RawMessage, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no valid JSON array found in response")
	}
	raw := json.RawMessage(text[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("response contains malformed JSON array")
	}
	return raw, nil
}
