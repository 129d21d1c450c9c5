package vibedb

// Config is the engine's immutable configuration, constructed once at
// startup and passed by value into every session. There is no process-wide
// mutable state.
type Config struct {
	ListenAddr  string         `json:"listen_addr"`
	UpstreamURL string         `json:"upstream_url"`
	Limits      LimitsConfig   `json:"limits"`
	Security    SecurityConfig `json:"security"`
	Probe       ProbeConfig    `json:"probe"`
}

// LimitsConfig bounds the row impact of destructive statements. MaxRows <= 0
// disables the row-impact rule entirely. Enforce selects whether an
// over-threshold estimate blocks the statement or only produces an advisory
// audit record; probe failures block in both modes.
type LimitsConfig struct {
	MaxRows int64 `json:"max_rows"`
	Enforce bool  `json:"enforce"`
}

// SecurityConfig holds the canary table patterns. Patterns are shell-style
// and compared case-insensitively against the classified target table;
// wildcard-free patterns also match anywhere in the statement text.
type SecurityConfig struct {
	Honeytokens []string `json:"honeytokens"`
}

// ProbeConfig holds side-channel settings for the row-impact estimator.
type ProbeConfig struct {
	MaxConns              int           `json:"max_conns"`
	DefaultTimeoutSeconds int           `json:"default_timeout_seconds"`
	TimeoutRules          []TimeoutRule `json:"timeout_rules"`
}

// TimeoutRule maps a SQL pattern to a specific probe timeout.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Audit   AuditConfig   `json:"audit"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, stderr, or file path
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"` // e.g. ":9187"
	Path    string `json:"path"` // e.g. "/metrics"
}

// AuditConfig controls where audit records are appended.
type AuditConfig struct {
	Output string `json:"output"` // stdout, stderr, or file path
}

// Defaults mirrored from the reference deployment.
const (
	DefaultListenAddr = "0.0.0.0:6543"
	DefaultMaxRows    = 500
	DefaultCanary     = "_vibedb_canary"

	defaultProbeMaxConns       = 4
	defaultProbeTimeoutSeconds = 5
)
