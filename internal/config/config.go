package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP         HTTPConfig                   `mapstructure:"http"`
	MySQL        DatabaseConfig               `mapstructure:"mysql"`
	ClickHouse   DatabaseConfig               `mapstructure:"clickhouse"`
	Redis        RedisConfig                  `mapstructure:"redis"`
	Kafka        KafkaConfig                  `mapstructure:"kafka"`
	Log          LogConfig                    `mapstructure:"log"`
	Auth         AuthConfig                   `mapstructure:"auth"`
	Secrets      SecretsConfig                `mapstructure:"secrets"`
	Dispatcher   DispatcherConfig             `mapstructure:"dispatcher"`
	Integrations map[string]IntegrationConfig `mapstructure:"integrations"`
	Webhooks     WebhooksConfig               `mapstructure:"webhooks"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	RateLimitRPS int    `mapstructure:"rate_limit_rps"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	EventsTopic  string        `mapstructure:"events_topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig holds the static API keys for the two caller roles. The
// operator key also satisfies producer routes.
type AuthConfig struct {
	ProducerAPIKey string `mapstructure:"producer_api_key"`
	OperatorAPIKey string `mapstructure:"operator_api_key"`
}

type SecretsConfig struct {
	EnvPrefix string `mapstructure:"env_prefix"`
}

type DispatcherConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Interval        time.Duration `mapstructure:"interval"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	AdapterTimeout  time.Duration `mapstructure:"adapter_timeout"`
	SharedRateLimit bool          `mapstructure:"shared_rate_limit"` // use Redis windows across instances
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

// IntegrationConfig is one row of the static rate-limit table.
type IntegrationConfig struct {
	RPS            int    `mapstructure:"rps"`
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	BaseURL        string `mapstructure:"base_url"` // override for tests/sandboxes
}

type WebhooksConfig struct {
	Tolerance   time.Duration       `mapstructure:"tolerance"`
	ReplayTTL   time.Duration       `mapstructure:"replay_ttl"`
	AllowedURLs map[string][]string `mapstructure:"allowed_urls"`
	Providers   []string            `mapstructure:"providers"` // providers with an inbound endpoint
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (INTGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (INTGW_*)
	v.SetEnvPrefix("INTGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
