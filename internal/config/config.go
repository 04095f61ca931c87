// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. REVSEARCH_PROXY_USERNAME.
const EnvPrefix = "REVSEARCH"

// Output backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Search    SearchConfig    `mapstructure:"search"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Solver    SolverConfig    `mapstructure:"solver"`
	Output    OutputConfig    `mapstructure:"output"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProxyConfig describes the egress proxy pool.
type ProxyConfig struct {
	Addresses        []string `mapstructure:"addresses"`
	Scheme           string   `mapstructure:"scheme"`
	Port             int      `mapstructure:"port"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	Shuffle          bool     `mapstructure:"shuffle"`
	FailureThreshold int      `mapstructure:"failure_threshold"`
	MinPoolSize      int      `mapstructure:"min_pool_size"`
}

// FetchConfig configures the single-shot HTTP fetcher.
type FetchConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout"`
	UserAgent       string            `mapstructure:"user_agent"`
	UserAgents      []string          `mapstructure:"user_agents"`
	RandomUserAgent bool              `mapstructure:"random_user_agent"`
	GoodCodes       []int             `mapstructure:"good_codes"`
	RetryableCodes  []int             `mapstructure:"retryable_codes"`
	Headers         map[string]string `mapstructure:"headers"`
}

// RateLimitConfig sets the inter-request delay.
type RateLimitConfig struct {
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	RPS         float64       `mapstructure:"rps"`
	Burst       int           `mapstructure:"burst"`
	AlwaysDelay bool          `mapstructure:"always_delay"`
}

// PolicyConfig selects the escalation bookkeeping for one search path.
type PolicyConfig struct {
	TrackHealth bool `mapstructure:"track_health"`
	Solve       bool `mapstructure:"solve"`
}

// SearchConfig controls reverse lookups.
type SearchConfig struct {
	BaseURL           string       `mapstructure:"base_url"`
	Lang              string       `mapstructure:"lang"`
	MaxPredictions    int          `mapstructure:"max_predictions"`
	PrimaryTries      int          `mapstructure:"primary_tries"`
	SecondChanceTries int          `mapstructure:"second_chance_tries"`
	SecondChance      bool         `mapstructure:"second_chance"`
	ShuffleParams     bool         `mapstructure:"shuffle_params"`
	CaptchaCodes      []int        `mapstructure:"captcha_codes"`
	Primary           PolicyConfig `mapstructure:"primary"`
	Secondary         PolicyConfig `mapstructure:"secondary"`
}

// ParserConfig sets the selectors used to find the prediction.
type ParserConfig struct {
	CardSelector string `mapstructure:"card_selector"`
	LinkSelector string `mapstructure:"link_selector"`
}

// SolverConfig configures the headless fallback.
type SolverConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Headless    bool          `mapstructure:"headless"`
	Interactive bool          `mapstructure:"interactive"`
	ResumeToken string        `mapstructure:"resume_token"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	ExecPath    string        `mapstructure:"exec_path"`
}

// OutputConfig selects where run outputs are written.
type OutputConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres. An empty DSN disables it.
type DBConfig struct {
	DSN              string        `mapstructure:"dsn"`
	PredictionsTable string        `mapstructure:"predictions_table"`
	RunsTable        string        `mapstructure:"runs_table"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema     bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds batch notification settings. An empty topic disables it.
// DryRun keeps the events in process instead of sending them.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	DryRun    bool   `mapstructure:"dry_run"`
}

// ServerConfig controls the status HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	// APIKey guards /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("proxy.addresses", []string{})
	v.SetDefault("proxy.scheme", "http")
	v.SetDefault("proxy.port", 0)
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.shuffle", true)
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.min_pool_size", 1)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.random_user_agent", false)
	v.SetDefault("fetch.good_codes", []int{200})
	v.SetDefault("fetch.retryable_codes", []int{429, 500, 502, 503, 504})
	v.SetDefault("ratelimit.min_delay", 2*time.Second)
	v.SetDefault("ratelimit.max_delay", 3*time.Second)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("ratelimit.always_delay", true)
	v.SetDefault("search.base_url", "https://www.google.com/searchbyimage?")
	v.SetDefault("search.lang", "")
	v.SetDefault("search.max_predictions", 20)
	v.SetDefault("search.primary_tries", 2)
	v.SetDefault("search.second_chance_tries", 1)
	v.SetDefault("search.second_chance", true)
	v.SetDefault("search.shuffle_params", true)
	v.SetDefault("search.captcha_codes", []int{503})
	v.SetDefault("search.primary.track_health", true)
	v.SetDefault("search.primary.solve", true)
	v.SetDefault("search.secondary.track_health", false)
	v.SetDefault("search.secondary.solve", false)
	v.SetDefault("parser.card_selector", "div.card-section")
	v.SetDefault("parser.link_selector", "a")
	v.SetDefault("solver.enabled", false)
	v.SetDefault("solver.headless", true)
	v.SetDefault("solver.interactive", false)
	v.SetDefault("solver.resume_token", "cont")
	v.SetDefault("solver.nav_timeout", 45*time.Second)
	v.SetDefault("solver.exec_path", "")
	v.SetDefault("output.backend", BackendLocal)
	v.SetDefault("output.base_dir", "reverse-img-preds")
	v.SetDefault("output.bucket", "")
	v.SetDefault("output.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.predictions_table", "predictions")
	v.SetDefault("db.runs_table", "search_runs")
	v.SetDefault("db.ensure_schema", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.dry_run", false)
	v.SetDefault("server.port", 0)
	v.SetDefault("server.api_key", "")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "revcrawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch strings.ToLower(c.Proxy.Scheme) {
	case "http", "socks5":
	default:
		return fmt.Errorf("proxy.scheme must be http or socks5")
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be between 0 and 65535")
	}
	if c.Proxy.FailureThreshold <= 0 {
		return fmt.Errorf("proxy.failure_threshold must be > 0")
	}
	if c.Proxy.MinPoolSize <= 0 {
		return fmt.Errorf("proxy.min_pool_size must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.RateLimit.MinDelay < 0 || c.RateLimit.MaxDelay < 0 {
		return fmt.Errorf("ratelimit delays must be >= 0")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("ratelimit.rps must be >= 0")
	}
	if c.Search.PrimaryTries <= 0 || c.Search.SecondChanceTries <= 0 {
		return fmt.Errorf("search tries must be > 0")
	}
	if u, err := url.Parse(c.Search.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("search.base_url must be an absolute url")
	}
	if c.Solver.Enabled && c.Solver.Interactive && c.Solver.Headless {
		return fmt.Errorf("solver.interactive requires solver.headless=false")
	}
	switch c.Output.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Output.BaseDir) == "" {
			return fmt.Errorf("output.base_dir is required for the local backend")
		}
	case BackendGCS:
		if strings.TrimSpace(c.Output.Bucket) == "" {
			return fmt.Errorf("output.bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("output.backend must be one of local, memory, gcs")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" && !c.PubSub.DryRun {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}
