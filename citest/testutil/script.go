package testutil

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScriptConfig defines the YAML schema for mock console stream scenarios.
// Each rule matches an incoming user message and replays a scripted event
// sequence on the stream endpoint.
type ScriptConfig struct {
	Settings ScriptSettings `yaml:"settings"`
	Defaults ScriptDefaults `yaml:"defaults"`
	Rules    []ScriptRule   `yaml:"rules"`
}

// ScriptSettings configures mock stream pacing.
type ScriptSettings struct {
	LagMS        int `yaml:"lag_ms"`         // Delay before the first frame
	ChunkDelayMS int `yaml:"chunk_delay_ms"` // Delay between frames
}

// ScriptDefaults defines fallback behavior when no rule matches.
type ScriptDefaults struct {
	Fallback string `yaml:"fallback"`
}

// ScriptRule maps a matched user message to a scripted stream.
type ScriptRule struct {
	Name     string        `yaml:"name,omitempty"`
	Match    MatchConfig   `yaml:"match"`
	Response string        `yaml:"response,omitempty"` // Shorthand: one text frame then complete
	Events   []ScriptEvent `yaml:"events,omitempty"`
	Hold     bool          `yaml:"hold,omitempty"` // Keep the stream open after the events
	Drop     bool          `yaml:"drop,omitempty"` // Close the stream without a terminal frame
	Priority int           `yaml:"priority"`
}

// ScriptEvent is one frame to emit. Exactly one field should be set.
type ScriptEvent struct {
	Text     string          `yaml:"text,omitempty"`
	ToolCall *ScriptToolCall `yaml:"tool_call,omitempty"`
	Step     *ScriptStep     `yaml:"step,omitempty"`
	Sources  []ScriptSource  `yaml:"sources,omitempty"`
	Complete bool            `yaml:"complete,omitempty"`
	Error    string          `yaml:"error,omitempty"`
	Raw      string          `yaml:"raw,omitempty"` // Emit this line verbatim, for malformed-frame scenarios
}

// ScriptToolCall is a tool_call frame.
type ScriptToolCall struct {
	Name   string         `yaml:"name"`
	Status string         `yaml:"status,omitempty"`
	Args   map[string]any `yaml:"args,omitempty"`
	Result map[string]any `yaml:"result,omitempty"`
}

// ScriptStep is a step frame.
type ScriptStep struct {
	Kind    string `yaml:"kind"`
	Content string `yaml:"content,omitempty"`
}

// ScriptSource is one entry of a sources frame or a tool result.
type ScriptSource struct {
	Type     string         `yaml:"type,omitempty"`
	Content  string         `yaml:"content"`
	Score    *float64       `yaml:"score,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// MatchConfig defines how to match a user message.
type MatchConfig struct {
	// Case-insensitive contains.
	Contains string `yaml:"contains"`
	// All strings must be present (case-insensitive).
	ContainsAll []string `yaml:"contains_all"`
	// Any string must be present (case-insensitive).
	ContainsAny []string `yaml:"contains_any"`
	// Exact match (case-insensitive).
	Exact string `yaml:"exact"`
}

// DefaultScript returns a script with the scenarios most suites need.
func DefaultScript() *ScriptConfig {
	score := 0.92
	return &ScriptConfig{
		Settings: ScriptSettings{
			LagMS:        0,
			ChunkDelayMS: 2,
		},
		Defaults: ScriptDefaults{
			Fallback: "I looked through the corpus but found nothing relevant.",
		},
		Rules: []ScriptRule{
			{
				Name:     "hello",
				Match:    MatchConfig{Contains: "hello"},
				Priority: 10,
				Events: []ScriptEvent{
					{Text: "Hel"},
					{Text: "lo"},
					{ToolCall: &ScriptToolCall{Name: "search", Status: "running", Args: map[string]any{"query": "greeting"}}},
					{ToolCall: &ScriptToolCall{
						Name:   "search",
						Status: "complete",
						Result: map[string]any{"sources": []map[string]any{{"type": "text", "content": "tool-doc"}}},
					}},
					{Sources: []ScriptSource{{Type: "text", Content: "doc1", Score: &score}}},
					{Complete: true},
				},
			},
			{
				Name:     "summarize",
				Match:    MatchConfig{ContainsAll: []string{"summarize", "report"}},
				Response: "The report covers quarterly filings.",
				Priority: 10,
			},
			{
				Name:     "hang",
				Match:    MatchConfig{Contains: "take your time"},
				Priority: 10,
				Events:   []ScriptEvent{{Text: "Par"}},
				Hold:     true,
			},
			{
				Name:     "flaky",
				Match:    MatchConfig{Contains: "flaky"},
				Priority: 10,
				Events:   []ScriptEvent{{Text: "Par"}},
				Drop:     true,
			},
			{
				Name:     "broken",
				Match:    MatchConfig{Contains: "break"},
				Priority: 10,
				Events: []ScriptEvent{
					{Text: "part"},
					{Error: "model backend unavailable"},
				},
			},
		},
	}
}

// LoadScript loads a script from a YAML file.
func LoadScript(path string) (*ScriptConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config ScriptConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadScriptFromDir looks for console.yaml (or console.yml) in a directory.
func LoadScriptFromDir(dir string) (*ScriptConfig, error) {
	path := filepath.Join(dir, "console.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, "console.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadScript(path)
}

// SaveScript writes a script to a YAML file.
func SaveScript(config *ScriptConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Matches checks whether a user message satisfies this matcher.
func (m *MatchConfig) Matches(message string) bool {
	messageLower := strings.ToLower(message)

	if m.Exact != "" {
		return strings.EqualFold(message, m.Exact)
	}
	if m.Contains != "" {
		return strings.Contains(messageLower, strings.ToLower(m.Contains))
	}
	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(messageLower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(messageLower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}
	return false
}

// FindRule returns the highest-priority rule matching the message, or nil.
func (c *ScriptConfig) FindRule(message string) *ScriptRule {
	var best *ScriptRule
	bestPriority := -1

	for i := range c.Rules {
		rule := &c.Rules[i]
		if rule.Match.Matches(message) && rule.Priority > bestPriority {
			best = rule
			bestPriority = rule.Priority
		}
	}
	return best
}
