// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/spf13/viper"
)

// Load reads the engine configuration from the given file (YAML), layered
// over the built-in defaults, with HELIOS_-prefixed environment overrides.
// An empty path loads defaults only. The returned config is validated; a
// config the engine cannot trade safely under is an error, not a warning.
func Load(path string) (*types.EngineConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HELIOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := types.DefaultEngineConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults mirrors DefaultEngineConfig for the scalar keys so environment
// overrides work without a config file. Structured sections (bands, groups,
// strategies) come from the defaults struct or the file.
func setDefaults(v *viper.Viper) {
	d := types.DefaultEngineConfig()

	v.SetDefault("regime.max_age", d.Regime.MaxAge)
	v.SetDefault("sizing.kelly_fraction", d.Sizing.KellyFraction)
	v.SetDefault("sizing.min_trades_for_edge", d.Sizing.MinTradesForEdge)
	v.SetDefault("sizing.min_units", d.Sizing.MinUnits)
	v.SetDefault("sizing.max_units", d.Sizing.MaxUnits)
	v.SetDefault("sizing.lookback_trades", d.Sizing.LookbackTrades)
	v.SetDefault("risk.per_underlying_max", d.Risk.PerUnderlyingMax)
	v.SetDefault("risk.global_short_vol_max", d.Risk.GlobalShortVolMax)
	v.SetDefault("breakers.drawdown_window", d.Breakers.DrawdownWindow)
	v.SetDefault("breakers.drawdown_fraction", d.Breakers.DrawdownFraction)
	v.SetDefault("breakers.margin_usage_max", d.Breakers.MarginUsageMax)
	v.SetDefault("breakers.consecutive_losses", d.Breakers.ConsecutiveLosses)
	v.SetDefault("breakers.cooldown", d.Breakers.Cooldown)
	v.SetDefault("execution.ledger_path", d.Execution.LedgerPath)
	v.SetDefault("execution.confirm_timeout", d.Execution.ConfirmTimeout)
	v.SetDefault("execution.remediation_timeout", d.Execution.RemediationTimeout)
	v.SetDefault("execution.poll_interval", d.Execution.PollInterval)
	v.SetDefault("market_data.staleness_threshold", d.MarketData.StalenessThreshold)
	v.SetDefault("market_data.risk_free_rate", d.MarketData.RiskFreeRate)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.websocket_path", d.Server.WebSocketPath)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
}
