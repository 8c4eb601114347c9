package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// HostConfig seeds one media-server backend into the balancer.
type HostConfig struct {
	ID       string   `mapstructure:"id"`
	IP       string   `mapstructure:"ip"`
	Profiles []string `mapstructure:"profiles"`
}

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	ReadLimit int64  `mapstructure:"read_limit"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	BalanceStrategy string        `mapstructure:"balance_strategy"`
	ProbePeriod     time.Duration `mapstructure:"probe_period"`
	Hosts           []HostConfig  `mapstructure:"hosts"`

	// Composed routes each media profile to its own adapter instance.
	Composed bool `mapstructure:"composed"`

	DtmfTimeout time.Duration `mapstructure:"dtmf_timeout"`
	DtmfLength  int           `mapstructure:"dtmf_length"`

	RedisAddress        string `mapstructure:"redis_address"`
	RedisIngressChannel string `mapstructure:"redis_ingress_channel"`
	RedisEgressChannel  string `mapstructure:"redis_egress_channel"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("balance_strategy", "ROUND_ROBIN")
	v.SetDefault("probe_period", "10s")
	v.SetDefault("dtmf_timeout", "3s")
	v.SetDefault("dtmf_length", 2)
	v.SetDefault("redis_ingress_channel", "from-legacy-bus")
	v.SetDefault("redis_egress_channel", "to-legacy-bus")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
