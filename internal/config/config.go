// Package config loads the engine configuration from a YAML file with
// SWAPD_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	DB       DBConfig       `mapstructure:"db"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Chains   []ChainConfig  `mapstructure:"chains"`
	Bridges  []BridgeConfig `mapstructure:"bridges"`
	Executor ExecutorConfig `mapstructure:"executor"`
}

type HTTPConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// ChainConfig describes one settleable chain.
type ChainConfig struct {
	ChainID            uint64 `mapstructure:"chain_id"`
	RPC                string `mapstructure:"rpc"`
	SettlementContract string `mapstructure:"settlement_contract"`
}

// BridgeConfig maps a target chain to the bridge endpoint (deployed on the
// source chain) that reaches it. The settlement router's adapter mapping
// is built from these entries.
type BridgeConfig struct {
	TargetChain uint64 `mapstructure:"target_chain"`
	SourceChain uint64 `mapstructure:"source_chain"`
	Protocol    string `mapstructure:"protocol"`
	Endpoint    string `mapstructure:"endpoint"`
}

// ExecutorConfig holds the settlement key. Prefer the SWAPD_EXECUTOR_KEY
// environment variable over the file.
type ExecutorConfig struct {
	Key string `mapstructure:"key"`
}

// Load reads the config file at path and applies env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SWAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.port", 8080)
	v.SetDefault("db.path", "swapd.db")
	v.SetDefault("engine.cycle_interval", 5*time.Second)
	v.SetDefault("engine.sweep_interval", 30*time.Second)
	v.SetDefault("engine.call_timeout", 30*time.Second)
	v.SetDefault("engine.max_retries", 3)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("chain_id must be non-zero")
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("duplicate chain_id %d", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if ch.RPC == "" || ch.SettlementContract == "" {
			return fmt.Errorf("chain %d: rpc and settlement_contract are required", ch.ChainID)
		}
	}
	bridged := make(map[uint64]bool, len(c.Bridges))
	for _, b := range c.Bridges {
		if b.TargetChain == b.SourceChain {
			return fmt.Errorf("bridge to chain %d: target and source chain must differ", b.TargetChain)
		}
		if bridged[b.TargetChain] {
			return fmt.Errorf("duplicate bridge for target chain %d", b.TargetChain)
		}
		bridged[b.TargetChain] = true
		if !seen[b.SourceChain] {
			return fmt.Errorf("bridge to chain %d: unknown source chain %d", b.TargetChain, b.SourceChain)
		}
		if b.Protocol == "" || b.Endpoint == "" {
			return fmt.Errorf("bridge to chain %d: protocol and endpoint are required", b.TargetChain)
		}
	}
	if c.Executor.Key == "" {
		return fmt.Errorf("executor key is required (set SWAPD_EXECUTOR_KEY)")
	}
	return nil
}

// Chain returns the configuration for a chain id.
func (c *Config) Chain(id uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
