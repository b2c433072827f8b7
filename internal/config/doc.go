// Package config provides configuration loading, merging, and path management
// for the doclens client.
//
// # Configuration Loading
//
// The Load function searches for and merges configuration from multiple
// sources in priority order:
//
//  1. Global config (~/.doclens/)
//  2. Global config (~/.config/doclens/ - XDG compatible)
//  3. Project config (doclens.json/doclens.jsonc and .doclens/ in the
//     working directory)
//  4. DOCLENS_CONFIG file
//  5. DOCLENS_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Later sources override earlier ones field by field; environment variables
// always win.
//
// # Supported Formats
//
// Both JSON and JSONC (JSON with Comments) are accepted:
//   - doclens.json - standard JSON
//   - doclens.jsonc - JSON with comments, processed using tidwall/jsonc
//
// # Variable Interpolation
//
// Configuration files support two placeholder forms:
//   - {env:VAR_NAME} - expands to the environment variable's value
//   - {file:path} - expands to the file's contents, escaped for JSON
//
// Paths in {file:path} may be absolute, relative to the config file's
// directory, or ~/-prefixed.
//
// # Path Management
//
// The Paths type follows the XDG Base Directory Specification:
//   - Data: ~/.local/share/doclens (XDG_DATA_HOME)
//   - Config: ~/.config/doclens (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/doclens (XDG_CACHE_HOME)
//   - State: ~/.local/state/doclens (XDG_STATE_HOME)
//
// On Windows these fall back to APPDATA.
//
// # Environment Variable Overrides
//
//   - DOCLENS_BASE_URL - console endpoint base URL
//   - DOCLENS_TIMEOUT - request timeout, Go duration syntax
//   - DOCLENS_LOG_LEVEL - zerolog level name
//   - DOCLENS_LOG_PRETTY - "true" for console-formatted logs
//   - DOCLENS_CONFIG - path to a specific config file
//   - DOCLENS_CONFIG_CONTENT - inline JSON configuration
package config
