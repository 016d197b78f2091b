// Package config loads autopr.yaml and applies environment overrides. Every
// tunable default lives here; components receive plain values, never the
// file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autopr/autopr/internal/errkind"
)

// Env variable names honored at load time.
const (
	EnvConfigDir = "AUTOPR_CONFIG_DIR"
	EnvStateDir  = "AUTOPR_STATE_DIR"
	EnvLogLevel  = "AUTOPR_LOG_LEVEL"
)

// FileName is the config document expected under the config dir.
const FileName = "autopr.yaml"

// Duration accepts Go duration strings ("30s", "10m") and bare second
// counts.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return errkind.New(errkind.InvalidInput, "invalid duration: %q", raw)
}

type IngressConfig struct {
	Addr           string   `yaml:"addr"`
	DedupWindow    Duration `yaml:"dedup_window"`
	QueueSize      int      `yaml:"queue_size"`
	Workers        int      `yaml:"workers"`
	RatePerMinute  int      `yaml:"rate_per_minute"`
	SecretPrefix   string   `yaml:"secret_prefix"`
	RetryAfterSecs int      `yaml:"retry_after_secs"`
}

type EngineConfig struct {
	IntraRunParallelism int      `yaml:"intra_run_parallelism"`
	RunDeadline         Duration `yaml:"run_deadline"`
	PRLockWait          Duration `yaml:"pr_lock_wait"`
}

type ResilienceConfig struct {
	BreakerFailMax    int      `yaml:"breaker_fail_max"`
	BreakerResetAfter Duration `yaml:"breaker_reset_after"`
	BucketCapacity    int      `yaml:"bucket_capacity"`
	BucketRefillRate  float64  `yaml:"bucket_refill_rate"`
	RetryMaxAttempts  int      `yaml:"retry_max_attempts"`
	RetryMaxElapsed   Duration `yaml:"retry_max_elapsed"`
}

type CacheConfig struct {
	TTL      Duration `yaml:"ttl"`
	MaxBytes int64    `yaml:"max_bytes"`
}

type BudgetConfig struct {
	PerRunUSD   float64 `yaml:"per_run_usd"`
	DailyUSD    float64 `yaml:"daily_usd"`
	MonthlyUSD  float64 `yaml:"monthly_usd"`
	ChatChannel string  `yaml:"chat_channel"`
}

type ReviewConfig struct {
	SeverityThreshold string  `yaml:"severity_threshold"`
	MinConfidence     float64 `yaml:"min_confidence"`
}

type PlatformConfig struct {
	SignaturesFile string `yaml:"signatures_file"`
}

// LLMConfig points at an OpenAI-compatible completions endpoint. The API
// key is a secret name, resolved at startup, never a literal.
type LLMConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKeySecret string `yaml:"api_key_secret"`
}

// Config is the whole autopr.yaml document. Unknown fields are rejected.
type Config struct {
	StateDir   string                  `yaml:"state_dir"`
	LogLevel   string                  `yaml:"log_level"`
	Workflows  string                  `yaml:"workflows_dir"`
	Ingress    IngressConfig           `yaml:"ingress"`
	Engine     EngineConfig            `yaml:"engine"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Cache      map[string]CacheConfig  `yaml:"cache"`
	Budget     BudgetConfig            `yaml:"budget"`
	Review     ReviewConfig            `yaml:"review"`
	Platform   PlatformConfig          `yaml:"platform"`
	LLM        LLMConfig               `yaml:"llm"`
	Sources    map[string]SourceConfig `yaml:"sources"`
}

// SourceConfig names the webhook secret for one event source.
type SourceConfig struct {
	Secret string `yaml:"secret"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		StateDir:  ".autopr",
		LogLevel:  "info",
		Workflows: "workflows",
		Ingress: IngressConfig{
			Addr:           ":8080",
			DedupWindow:    Duration(60 * time.Second),
			QueueSize:      256,
			Workers:        4,
			RatePerMinute:  120,
			RetryAfterSecs: 5,
		},
		Engine: EngineConfig{
			IntraRunParallelism: 4,
			RunDeadline:         Duration(10 * time.Minute),
			PRLockWait:          Duration(30 * time.Second),
		},
		Resilience: ResilienceConfig{
			BreakerFailMax:    5,
			BreakerResetAfter: Duration(60 * time.Second),
			BucketCapacity:    30,
			BucketRefillRate:  10,
			RetryMaxAttempts:  3,
			RetryMaxElapsed:   Duration(30 * time.Second),
		},
		Budget: BudgetConfig{
			PerRunUSD:   1.00,
			DailyUSD:    50,
			MonthlyUSD:  1000,
			ChatChannel: "#reviews",
		},
		Review: ReviewConfig{
			SeverityThreshold: "low",
			MinConfidence:     0,
		},
		Platform: PlatformConfig{
			SignaturesFile: "signatures.yaml",
		},
		LLM: LLMConfig{
			APIKeySecret: "llm-api-key",
		},
	}
}

// Load reads autopr.yaml from the config dir (AUTOPR_CONFIG_DIR, default
// ".") over the defaults, then applies env overrides. A missing file is not
// an error; a malformed one is.
func Load() (Config, error) {
	dir := os.Getenv(EnvConfigDir)
	if dir == "" {
		dir = "."
	}
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile loads a specific config document over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return cfg, errkind.Wrap(errkind.InvalidInput, err, "read config %s", path)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errkind.Wrap(errkind.InvalidInput, err, "parse config %s", path)
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv(EnvStateDir)); v != "" {
		cfg.StateDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}
