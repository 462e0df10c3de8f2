package config

import (
	"time"

	"github.com/spf13/viper"
)

type EndpointConfig struct {
	BaseURL                string        `mapstructure:"base_url"`
	Dialect                string        `mapstructure:"dialect"`
	AuthType               string        `mapstructure:"auth_type"` // basic | client_credentials | assertion | mtls | none
	Username               string        `mapstructure:"username"`
	Password               string        `mapstructure:"password"`
	TokenURL               string        `mapstructure:"token_url"`
	ClientID               string        `mapstructure:"client_id"`
	ClientSecret           string        `mapstructure:"client_secret"`
	Scope                  string        `mapstructure:"scope"`
	CompanyID              string        `mapstructure:"company_id"`
	CertFile               string        `mapstructure:"cert_file"`
	KeyFile                string        `mapstructure:"key_file"`
	Timeout                time.Duration `mapstructure:"timeout"`
	Retries                int           `mapstructure:"retries"`
	CircuitBreakerThreshold int          `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerResetMs  int           `mapstructure:"circuit_breaker_reset_ms"`
}

type OrchestratorConfig struct {
	BatchSize     int      `mapstructure:"batch_size"`
	MaxRecords    int      `mapstructure:"max_records"`
	CheckpointDir string   `mapstructure:"checkpoint_dir"`
	Modules       []string `mapstructure:"modules"`
	CutoffDate    string   `mapstructure:"cutoff_date"`
	FailFast      bool     `mapstructure:"fail_fast"`
}

type ReconciliationConfig struct {
	AmountTolerance     float64            `mapstructure:"amount"`
	CountTolerance      float64            `mapstructure:"count"`
	PercentageTolerance float64            `mapstructure:"percentage"`
	Overrides           map[string]float64 `mapstructure:"overrides"`
}

type Config struct {
	Source         EndpointConfig       `mapstructure:"source"`
	Target         EndpointConfig       `mapstructure:"target"`
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Mock           bool                 `mapstructure:"mock"`
	LogLevel       string               `mapstructure:"log_level"`
}

// Load reads the configuration from a YAML file and returns a Config
// instance with fallback defaults applied. A missing file yields the
// defaults alone, which is enough for mock mode.
func Load() (*Config, error) {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(config *Config) {
	for _, endpoint := range []*EndpointConfig{&config.Source, &config.Target} {
		if endpoint.Dialect == "" {
			endpoint.Dialect = "v2"
		}
		if endpoint.AuthType == "" {
			endpoint.AuthType = "none"
		}
		if endpoint.Timeout == 0 {
			endpoint.Timeout = 30 * time.Second
		}
		if endpoint.Retries == 0 {
			endpoint.Retries = 3
		}
		if endpoint.CircuitBreakerThreshold == 0 {
			endpoint.CircuitBreakerThreshold = 5
		}
		if endpoint.CircuitBreakerResetMs == 0 {
			endpoint.CircuitBreakerResetMs = 60_000
		}
	}

	if config.Orchestrator.BatchSize == 0 {
		config.Orchestrator.BatchSize = 500
	}
	if config.Orchestrator.CheckpointDir == "" {
		config.Orchestrator.CheckpointDir = ".checkpoints"
	}

	if config.Reconciliation.AmountTolerance == 0 {
		config.Reconciliation.AmountTolerance = 0.01
	}
	if config.Reconciliation.PercentageTolerance == 0 {
		config.Reconciliation.PercentageTolerance = 1.0
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}
