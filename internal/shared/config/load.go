package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. TASKPLANE_RECOVERY_MAX_RETRIES.
const EnvPrefix = "TASKPLANE"

// DefaultAlternatives is the capability-equivalence table used when none is configured.
var DefaultAlternatives = map[string][]string{
	"web_fetch":     {"browser_fetch"},
	"browser_fetch": {"web_fetch"},
}

// Defaults returns the configuration used when no file or environment overrides exist.
func Defaults() Config {
	return Config{
		Recovery: RecoveryConfig{
			MaxRetries:      3,
			MaxAlternatives: 2,
			GlobalTimeoutMS: 600000,
			AutoRetry:       true,
			Backoff: BackoffConfig{
				Initial: 500 * time.Millisecond,
				Max:     10 * time.Second,
				Factor:  2,
			},
		},
		Approval:  ApprovalConfig{TimeoutSeconds: 300},
		Queue:     QueueConfig{Burst: 1},
		Tools:     ToolsConfig{Timeout: 60 * time.Second, Browser: BrowserConfig{Headless: true}},
		Retention: RetentionConfig{MaxTerminalTasks: 1024},
		Store:     StoreConfig{Driver: "memory", Dir: ".taskplane"},
		Server:    ServerConfig{Addr: ":8080"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Tracing:   TracingConfig{Exporter: "otlp", SampleRate: 1, ServiceName: "taskplane"},
		IDs:       IDConfig{Strategy: "uuidv4"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("recovery.max_retries", d.Recovery.MaxRetries)
	v.SetDefault("recovery.max_alternatives", d.Recovery.MaxAlternatives)
	v.SetDefault("recovery.global_timeout_ms", d.Recovery.GlobalTimeoutMS)
	v.SetDefault("recovery.auto_retry", d.Recovery.AutoRetry)
	v.SetDefault("recovery.log_recovery", d.Recovery.LogRecovery)
	v.SetDefault("recovery.backoff.initial", d.Recovery.Backoff.Initial)
	v.SetDefault("recovery.backoff.max", d.Recovery.Backoff.Max)
	v.SetDefault("recovery.backoff.factor", d.Recovery.Backoff.Factor)
	v.SetDefault("approval.timeout_seconds", d.Approval.TimeoutSeconds)
	v.SetDefault("queue.max_depth", d.Queue.MaxDepth)
	v.SetDefault("queue.rate_per_minute", d.Queue.RatePerMinute)
	v.SetDefault("queue.burst", d.Queue.Burst)
	v.SetDefault("tools.timeout", d.Tools.Timeout)
	v.SetDefault("tools.shell.enabled", false)
	v.SetDefault("tools.browser.enabled", false)
	v.SetDefault("tools.browser.headless", d.Tools.Browser.Headless)
	v.SetDefault("tools.browser.exec_path", "")
	v.SetDefault("tools.file_root", "")
	v.SetDefault("tools.allow_private_networks", false)
	v.SetDefault("retention.max_terminal_tasks", d.Retention.MaxTerminalTasks)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dir", d.Store.Dir)
	v.SetDefault("store.dsn", "")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("planner.plans_file", "")
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.zipkin_endpoint", "")
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("ids.strategy", d.IDs.Strategy)
}

// Load reads configuration from path (optional) and TASKPLANE_* environment
// variables on top of the defaults, then validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Tools.Alternatives) == 0 {
		cfg.Tools.Alternatives = cloneAlternatives(DefaultAlternatives)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cloneAlternatives(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Validate rejects configurations the runtime cannot honour.
func (c Config) Validate() error {
	var errs []error
	if c.Recovery.MaxRetries < 0 {
		errs = append(errs, errors.New("recovery.max_retries must be >= 0"))
	}
	if c.Recovery.MaxAlternatives < 0 {
		errs = append(errs, errors.New("recovery.max_alternatives must be >= 0"))
	}
	if c.Recovery.GlobalTimeoutMS <= 0 {
		errs = append(errs, errors.New("recovery.global_timeout_ms must be > 0"))
	}
	if c.Recovery.Backoff.Factor < 1 && c.Recovery.Backoff.Factor != 0 {
		errs = append(errs, errors.New("recovery.backoff.factor must be >= 1"))
	}
	if c.Approval.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("approval.timeout_seconds must be > 0"))
	}
	if c.Queue.MaxDepth < 0 || c.Queue.RatePerMinute < 0 || c.Queue.Burst < 0 {
		errs = append(errs, errors.New("queue limits must be >= 0"))
	}
	if c.Retention.MaxTerminalTasks < 0 {
		errs = append(errs, errors.New("retention.max_terminal_tasks must be >= 0"))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", "memory", "file":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "otlp", "zipkin", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}
	for _, trigger := range c.Scheduler.Triggers {
		if strings.TrimSpace(trigger.Schedule) == "" || strings.TrimSpace(trigger.Message) == "" {
			errs = append(errs, fmt.Errorf("scheduler trigger %q needs schedule and message", trigger.Name))
		}
	}
	return errors.Join(errs...)
}
