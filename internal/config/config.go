package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Defaults applied by Normalize when a field is unset.
const (
	DefaultBaseURL           = "http://localhost:3000"
	DefaultTimeout           = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
)

// Config holds the client-side settings for the doclens console.
type Config struct {
	// BaseURL is the console endpoint, e.g. "https://console.example.com".
	BaseURL string `json:"baseURL,omitempty"`
	// Timeout bounds request/response calls; streams are not subject to it.
	Timeout Duration `json:"timeout,omitempty"`
	// HeartbeatInterval between channel pings.
	HeartbeatInterval Duration `json:"heartbeatInterval,omitempty"`
	// ReconnectDelay between a lost channel connection and the next dial.
	ReconnectDelay Duration `json:"reconnectDelay,omitempty"`
	// DocumentIDs scopes retrieval for every sent turn when set.
	DocumentIDs []string `json:"documentIDs,omitempty"`
	Log         Log      `json:"log"`
}

// Log configures the zerolog output.
type Log struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

// Duration is a time.Duration that unmarshals from either a JSON number of
// nanoseconds or a Go duration string like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// Load assembles configuration from every known source (priority order):
// global dot-dir, XDG config dir, project config in directory, the
// DOCLENS_CONFIG file, DOCLENS_CONFIG_CONTENT inline JSON, then environment
// variables. Missing files are skipped silently.
func Load(directory string) (*Config, error) {
	config := &Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		dotDir := filepath.Join(home, ".doclens")
		loadOnce(filepath.Join(dotDir, "doclens.json"), dotDir)
		loadOnce(filepath.Join(dotDir, "doclens.jsonc"), dotDir)
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "doclens.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "doclens.jsonc"), globalPath)

	if directory != "" {
		projectDir := filepath.Join(directory, ".doclens")
		loadOnce(filepath.Join(directory, "doclens.json"), directory)
		loadOnce(filepath.Join(directory, "doclens.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "doclens.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "doclens.jsonc"), projectDir)
	}

	if configPath := os.Getenv("DOCLENS_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if content := os.Getenv("DOCLENS_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)
	config.Normalize()

	return config, nil
}

// Normalize fills defaults and trims the base URL's trailing slash.
func (c *Config) Normalize() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = Duration(DefaultTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = Duration(DefaultReconnectDelay)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target, later sources winning per field.
func mergeConfig(target, source *Config) {
	if source.BaseURL != "" {
		target.BaseURL = source.BaseURL
	}
	if source.Timeout > 0 {
		target.Timeout = source.Timeout
	}
	if source.HeartbeatInterval > 0 {
		target.HeartbeatInterval = source.HeartbeatInterval
	}
	if source.ReconnectDelay > 0 {
		target.ReconnectDelay = source.ReconnectDelay
	}
	if len(source.DocumentIDs) > 0 {
		target.DocumentIDs = append([]string(nil), source.DocumentIDs...)
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	if baseURL := os.Getenv("DOCLENS_BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	if timeout := os.Getenv("DOCLENS_TIMEOUT"); timeout != "" {
		if parsed, err := time.ParseDuration(timeout); err == nil {
			config.Timeout = Duration(parsed)
		}
	}
	if level := os.Getenv("DOCLENS_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if pretty := os.Getenv("DOCLENS_LOG_PRETTY"); pretty == "true" || pretty == "1" {
		config.Log.Pretty = true
	}
}

// Save writes the configuration to a file, creating parent directories.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
