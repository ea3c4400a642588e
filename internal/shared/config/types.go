package config

import "time"

// Config is the full runtime configuration of the control plane.
type Config struct {
	Recovery  RecoveryConfig  `mapstructure:"recovery" yaml:"recovery"`
	Approval  ApprovalConfig  `mapstructure:"approval" yaml:"approval"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Tools     ToolsConfig     `mapstructure:"tools" yaml:"tools"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Planner   PlannerConfig   `mapstructure:"planner" yaml:"planner"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	IDs       IDConfig        `mapstructure:"ids" yaml:"ids"`
}

// RecoveryConfig bounds automatic failure recovery per task.
type RecoveryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxAlternatives int           `mapstructure:"max_alternatives" yaml:"max_alternatives"`
	GlobalTimeoutMS int64         `mapstructure:"global_timeout_ms" yaml:"global_timeout_ms"`
	AutoRetry       bool          `mapstructure:"auto_retry" yaml:"auto_retry"`
	LogRecovery     bool          `mapstructure:"log_recovery" yaml:"log_recovery"`
	Backoff         BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

// GlobalTimeout returns the global recovery timeout as a duration.
func (c RecoveryConfig) GlobalTimeout() time.Duration {
	return time.Duration(c.GlobalTimeoutMS) * time.Millisecond
}

// BackoffConfig shapes the delay between retries of exhausted resources.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
	Factor  float64       `mapstructure:"factor" yaml:"factor"`
}

// ApprovalConfig controls human approval requests.
type ApprovalConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// TTL returns the approval time-to-live.
func (c ApprovalConfig) TTL() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QueueConfig controls per-channel admission.
type QueueConfig struct {
	MaxDepth      int `mapstructure:"max_depth" yaml:"max_depth"`
	RatePerMinute int `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	Burst         int `mapstructure:"burst" yaml:"burst"`
}

// ToolsConfig configures built-in tools and their equivalences.
type ToolsConfig struct {
	Timeout      time.Duration       `mapstructure:"timeout" yaml:"timeout"`
	Alternatives map[string][]string `mapstructure:"alternatives" yaml:"alternatives"`
	Shell        ShellConfig         `mapstructure:"shell" yaml:"shell"`
	Browser      BrowserConfig       `mapstructure:"browser" yaml:"browser"`
	FileRoot     string              `mapstructure:"file_root" yaml:"file_root"`

	// AllowPrivateNetworks lets fetch tools reach loopback and private
	// addresses.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks" yaml:"allow_private_networks"`
}

// ShellConfig toggles the approval-gated shell tool.
type ShellConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// BrowserConfig configures the headless browser tool.
type BrowserConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path"`
}

// RetentionConfig bounds in-memory retention of terminal tasks.
type RetentionConfig struct {
	MaxTerminalTasks int `mapstructure:"max_terminal_tasks" yaml:"max_terminal_tasks"`
}

// StoreConfig selects the audit and archive backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// SchedulerConfig lists cron triggers producing tasks.
type SchedulerConfig struct {
	Enabled  bool            `mapstructure:"enabled" yaml:"enabled"`
	Triggers []TriggerConfig `mapstructure:"triggers" yaml:"triggers"`
}

// TriggerConfig is one scheduled task source.
type TriggerConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	Message  string `mapstructure:"message" yaml:"message"`
}

// PlannerConfig points at the YAML rules used by the static planner.
type PlannerConfig struct {
	PlansFile string `mapstructure:"plans_file" yaml:"plans_file"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter       string  `mapstructure:"exporter" yaml:"exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
}

// IDConfig selects the identifier strategy.
type IDConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}
