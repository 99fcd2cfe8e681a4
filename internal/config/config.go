// Package config provides EngineConfig, the process-wide configuration
// surface loaded from a file and environment overrides via viper. The
// teacher's go.mod carries spf13/viper but cmd/server/main.go never
// actually wires it (reads flags/env directly instead) — this package
// wires it for real, in the teacher's general idiom of a config struct
// per concern feeding Default*Config() constructors.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/solweave/ammengine/internal/capital"
	"github.com/solweave/ammengine/internal/core"
	"github.com/solweave/ammengine/internal/execution"
	"github.com/solweave/ammengine/internal/learning"
	"github.com/solweave/ammengine/internal/marketdata"
)

// RegimeMultipliers mirrors capital.RegimeParams for the three named
// regimes as plain config fields (viper cannot decode into a
// map[core.Regime]capital.RegimeParams without a custom hook).
type RegimeMultipliers struct {
	ConservativeMaxSize   float64 `mapstructure:"conservative_max_size"`
	ConservativeMaxConcur int     `mapstructure:"conservative_max_concurrent"`
	ConservativeMultiplier float64 `mapstructure:"conservative_multiplier"`

	ScaledMaxSize   float64 `mapstructure:"scaled_max_size"`
	ScaledMaxConcur int     `mapstructure:"scaled_max_concurrent"`
	ScaledMultiplier float64 `mapstructure:"scaled_multiplier"`

	HyperMaxSize   float64 `mapstructure:"hyper_max_size"`
	HyperMaxConcur int     `mapstructure:"hyper_max_concurrent"`
	HyperMultiplier float64 `mapstructure:"hyper_multiplier"`
}

// EngineConfig carries the §9 enumerated runtime knobs plus connection
// settings for the execution/marketdata adapters.
type EngineConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	PaperTrading bool `mapstructure:"paper_trading"`

	RebalanceEveryNOutcomes     int     `mapstructure:"rebalance_every_n_outcomes"`
	RebalanceEverySeconds       int     `mapstructure:"rebalance_every_seconds"`
	LearningRate                float64 `mapstructure:"learning_rate"`
	MinSamplesForClusterSwap    int     `mapstructure:"min_samples_for_cluster_swap"`
	TrailingActivationThreshold float64 `mapstructure:"trailing_activation_threshold"`
	MaxConcurrentPositions      int     `mapstructure:"max_concurrent_positions"`

	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	CandidatesPerSecond float64 `mapstructure:"candidates_per_second"`

	TotalCapitalBase float64 `mapstructure:"total_capital_base"`
	RiskBudgetBase   float64 `mapstructure:"risk_budget_base"`

	RegimeMultipliers RegimeMultipliers `mapstructure:"regime_multipliers"`

	JupiterQuoteURL string `mapstructure:"jupiter_quote_url"`
	JupiterSwapURL  string `mapstructure:"jupiter_swap_url"`
	SolanaRPCURL    string `mapstructure:"solana_rpc_url"`
	PriceFeedWSURL  string `mapstructure:"price_feed_ws_url"`
}

// Default returns the spec's stated defaults (§9).
func Default() EngineConfig {
	return EngineConfig{
		Host:     "localhost",
		Port:     8080,
		DataDir:  "./data",
		LogLevel: "info",

		PaperTrading: true,

		RebalanceEveryNOutcomes:     20,
		RebalanceEverySeconds:       3600,
		LearningRate:                0.1,
		MinSamplesForClusterSwap:    5,
		TrailingActivationThreshold: 0.05,
		MaxConcurrentPositions:      3,

		ConfidenceThreshold: 60,
		CandidatesPerSecond: 5,

		TotalCapitalBase: 10000,
		RiskBudgetBase:   2000,

		RegimeMultipliers: RegimeMultipliers{
			ConservativeMaxSize: 0.02, ConservativeMaxConcur: 3, ConservativeMultiplier: 0.3,
			ScaledMaxSize: 0.05, ScaledMaxConcur: 8, ScaledMultiplier: 1.0,
			HyperMaxSize: 0.10, HyperMaxConcur: 15, HyperMultiplier: 2.0,
		},

		SolanaRPCURL:   "https://api.mainnet-beta.solana.com",
		PriceFeedWSURL: "wss://price-feed.example/v1/stream",
	}
}

// Load reads configPath (if non-empty) via viper and falls back to
// Default() for anything unset. Environment variables prefixed AMM_
// override only keys that the config file also sets; no defaults or env
// bindings are registered with viper, so other keys ignore the environment.
func Load(configPath string) (EngineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("amm")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// CapitalRegimeParams converts the flat config fields into the map
// capital.New expects.
func (c EngineConfig) CapitalRegimeParams() map[core.Regime]capital.RegimeParams {
	return map[core.Regime]capital.RegimeParams{
		core.RegimeConservative: {
			MaxPositionSize: decimal.NewFromFloat(c.RegimeMultipliers.ConservativeMaxSize),
			MaxConcurrent:   c.RegimeMultipliers.ConservativeMaxConcur,
			Multiplier:      decimal.NewFromFloat(c.RegimeMultipliers.ConservativeMultiplier),
		},
		core.RegimeScaled: {
			MaxPositionSize: decimal.NewFromFloat(c.RegimeMultipliers.ScaledMaxSize),
			MaxConcurrent:   c.RegimeMultipliers.ScaledMaxConcur,
			Multiplier:      decimal.NewFromFloat(c.RegimeMultipliers.ScaledMultiplier),
		},
		core.RegimeHyper: {
			MaxPositionSize: decimal.NewFromFloat(c.RegimeMultipliers.HyperMaxSize),
			MaxConcurrent:   c.RegimeMultipliers.HyperMaxConcur,
			Multiplier:      decimal.NewFromFloat(c.RegimeMultipliers.HyperMultiplier),
		},
	}
}

// LearningConfig converts the flat config fields into learning.Config.
func (c EngineConfig) LearningConfig() learning.Config {
	return learning.Config{
		RebalanceEveryN:       c.RebalanceEveryNOutcomes,
		RebalanceEverySeconds: time.Duration(c.RebalanceEverySeconds) * time.Second,
		LearningRate:          decimal.NewFromFloat(c.LearningRate),
		MinSamplesForSwap:     c.MinSamplesForClusterSwap,
	}
}

// JupiterConfig converts the flat config fields into execution.JupiterConfig.
func (c EngineConfig) JupiterConfig() execution.JupiterConfig {
	jc := execution.DefaultJupiterConfig()
	jc.QuoteURL = c.JupiterQuoteURL
	jc.SwapURL = c.JupiterSwapURL
	jc.RPCURL = c.SolanaRPCURL
	return jc
}

// MarketDataConfig converts the flat config fields into marketdata.Config.
func (c EngineConfig) MarketDataConfig() marketdata.Config {
	mc := marketdata.DefaultConfig()
	mc.URL = c.PriceFeedWSURL
	return mc
}
