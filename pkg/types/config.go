// Package types provides configuration types for the options engine.
package types

import (
	"fmt"
	"time"
)

// EngineConfig is the root configuration loaded at startup.
type EngineConfig struct {
	Regime     RegimeConfig     `json:"regime" mapstructure:"regime"`
	Sizing     SizingConfig     `json:"sizing" mapstructure:"sizing"`
	Risk       RiskConfig       `json:"risk" mapstructure:"risk"`
	Breakers   BreakerConfig    `json:"breakers" mapstructure:"breakers"`
	Execution  ExecutionConfig  `json:"execution" mapstructure:"execution"`
	MarketData MarketDataConfig `json:"marketData" mapstructure:"market_data"`
	Strategies []StrategyConfig `json:"strategies" mapstructure:"strategies"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
}

// RegimeBand maps a half-open volatility interval [0, Upper) to a regime and
// its buying-power ceiling. The last band's Upper is ignored.
type RegimeBand struct {
	Name            string  `json:"name" mapstructure:"name"`
	Upper           float64 `json:"upper" mapstructure:"upper"`
	CeilingFraction float64 `json:"ceilingFraction" mapstructure:"ceiling_fraction"`
}

// RegimeConfig configures the volatility regime classifier.
type RegimeConfig struct {
	Bands  []RegimeBand  `json:"bands" mapstructure:"bands"`
	MaxAge time.Duration `json:"maxAge" mapstructure:"max_age"`
}

// SizingConfig configures position sizing.
type SizingConfig struct {
	KellyFraction    float64 `json:"kellyFraction" mapstructure:"kelly_fraction"`
	MinTradesForEdge int     `json:"minTradesForEdge" mapstructure:"min_trades_for_edge"`
	MinUnits         int     `json:"minUnits" mapstructure:"min_units"`
	MaxUnits         int     `json:"maxUnits" mapstructure:"max_units"`
	LookbackTrades   int     `json:"lookbackTrades" mapstructure:"lookback_trades"`
}

// CorrelationGroup is a static bucket of underlyings treated as one exposure.
type CorrelationGroup struct {
	Name         string   `json:"name" mapstructure:"name"`
	Symbols      []string `json:"symbols" mapstructure:"symbols"`
	MaxPositions int      `json:"maxPositions" mapstructure:"max_positions"`
}

// RiskConfig configures the correlation limiter.
type RiskConfig struct {
	Groups            []CorrelationGroup `json:"groups" mapstructure:"groups"`
	PerUnderlyingMax  int                `json:"perUnderlyingMax" mapstructure:"per_underlying_max"`
	GlobalShortVolMax int                `json:"globalShortVolMax" mapstructure:"global_short_vol_max"`
}

// BreakerConfig configures the portfolio circuit breakers.
type BreakerConfig struct {
	DrawdownWindow    time.Duration `json:"drawdownWindow" mapstructure:"drawdown_window"`
	DrawdownFraction  float64       `json:"drawdownFraction" mapstructure:"drawdown_fraction"`
	MarginUsageMax    float64       `json:"marginUsageMax" mapstructure:"margin_usage_max"`
	ConsecutiveLosses int           `json:"consecutiveLosses" mapstructure:"consecutive_losses"`
	Cooldown          time.Duration `json:"cooldown" mapstructure:"cooldown"`
}

// ExecutionConfig configures the atomic order executor and recovery ledger.
type ExecutionConfig struct {
	LedgerPath         string        `json:"ledgerPath" mapstructure:"ledger_path"`
	ConfirmTimeout     time.Duration `json:"confirmTimeout" mapstructure:"confirm_timeout"`
	RemediationTimeout time.Duration `json:"remediationTimeout" mapstructure:"remediation_timeout"`
	PollInterval       time.Duration `json:"pollInterval" mapstructure:"poll_interval"`
}

// MarketDataConfig configures the feed boundary.
type MarketDataConfig struct {
	StalenessThreshold time.Duration `json:"stalenessThreshold" mapstructure:"staleness_threshold"`
	RiskFreeRate       float64       `json:"riskFreeRate" mapstructure:"risk_free_rate"`
}

// StrategyConfig declares one strategy instance.
type StrategyConfig struct {
	ID            string   `json:"id" mapstructure:"id"`
	Type          string   `json:"type" mapstructure:"type"` // iron_condor, put_spread, strangle
	Underlying    string   `json:"underlying" mapstructure:"underlying"`
	Tier          int      `json:"tier" mapstructure:"tier"` // lower is higher priority
	MinRegime     string   `json:"minRegime" mapstructure:"min_regime"`
	MaxRegime     string   `json:"maxRegime" mapstructure:"max_regime"`
	EntryWeekdays []string `json:"entryWeekdays" mapstructure:"entry_weekdays"`
	ProfitTarget  float64  `json:"profitTarget" mapstructure:"profit_target"` // fraction of entry credit/debit
	StopMultiple  float64  `json:"stopMultiple" mapstructure:"stop_multiple"`
	DefensiveDTE  int      `json:"defensiveDte" mapstructure:"defensive_dte"`
	MaxAllocation float64  `json:"maxAllocation" mapstructure:"max_allocation"`
	TargetDelta   float64  `json:"targetDelta" mapstructure:"target_delta"`
	WingWidth     float64  `json:"wingWidth" mapstructure:"wing_width"` // strikes, for defined-risk wings
	TargetDTE     int      `json:"targetDte" mapstructure:"target_dte"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
}

// Validate checks the configuration invariants that must hold before the
// engine is allowed to trade.
func (c *EngineConfig) Validate() error {
	if len(c.Regime.Bands) == 0 {
		return fmt.Errorf("regime: at least one band required")
	}
	prev := 0.0
	for i, b := range c.Regime.Bands {
		if _, ok := ParseRegime(b.Name); !ok {
			return fmt.Errorf("regime: unknown regime name %q", b.Name)
		}
		if b.CeilingFraction <= 0 || b.CeilingFraction > 1 {
			return fmt.Errorf("regime: band %q ceiling fraction %.2f out of (0,1]", b.Name, b.CeilingFraction)
		}
		if i < len(c.Regime.Bands)-1 && b.Upper <= prev {
			return fmt.Errorf("regime: band upper bounds must be strictly increasing")
		}
		prev = b.Upper
	}
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return fmt.Errorf("sizing: kelly fraction %.2f out of (0,1]", c.Sizing.KellyFraction)
	}
	if c.Sizing.MinUnits < 1 || c.Sizing.MaxUnits < c.Sizing.MinUnits {
		return fmt.Errorf("sizing: unit bounds [%d,%d] invalid", c.Sizing.MinUnits, c.Sizing.MaxUnits)
	}
	if c.Risk.PerUnderlyingMax < 1 {
		return fmt.Errorf("risk: per-underlying max must be at least 1")
	}
	groupFor := make(map[string]string)
	for _, g := range c.Risk.Groups {
		if g.MaxPositions < 1 {
			return fmt.Errorf("risk: group %q max positions must be at least 1", g.Name)
		}
		for _, sym := range g.Symbols {
			if other, dup := groupFor[sym]; dup {
				return fmt.Errorf("risk: symbol %s in both %q and %q", sym, other, g.Name)
			}
			groupFor[sym] = g.Name
		}
	}
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy: missing id")
		}
		if _, ok := groupFor[s.Underlying]; !ok {
			return fmt.Errorf("strategy %s: underlying %s not in any correlation group", s.ID, s.Underlying)
		}
		if _, ok := ParseRegime(s.MinRegime); s.MinRegime != "" && !ok {
			return fmt.Errorf("strategy %s: unknown min regime %q", s.ID, s.MinRegime)
		}
		if _, ok := ParseRegime(s.MaxRegime); s.MaxRegime != "" && !ok {
			return fmt.Errorf("strategy %s: unknown max regime %q", s.ID, s.MaxRegime)
		}
		if s.ProfitTarget <= 0 || s.StopMultiple <= 0 || s.DefensiveDTE < 0 {
			return fmt.Errorf("strategy %s: exit thresholds invalid", s.ID)
		}
		if s.MaxAllocation <= 0 || s.MaxAllocation > 1 {
			return fmt.Errorf("strategy %s: max allocation %.2f out of (0,1]", s.ID, s.MaxAllocation)
		}
	}
	if c.Execution.ConfirmTimeout <= 0 || c.Execution.RemediationTimeout <= 0 {
		return fmt.Errorf("execution: timeouts must be positive")
	}
	if c.MarketData.StalenessThreshold <= 0 {
		return fmt.Errorf("market data: staleness threshold must be positive")
	}
	return nil
}

// DefaultEngineConfig returns conservative defaults matching the documented
// methodology. Production deployments override these from the config file.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Regime: RegimeConfig{
			Bands: []RegimeBand{
				{Name: "very_low", Upper: 12, CeilingFraction: 0.30},
				{Name: "low", Upper: 16, CeilingFraction: 0.40},
				{Name: "normal", Upper: 22, CeilingFraction: 0.50},
				{Name: "elevated", Upper: 30, CeilingFraction: 0.40},
				{Name: "extreme", Upper: 0, CeilingFraction: 0.25},
			},
			MaxAge: 2 * time.Minute,
		},
		Sizing: SizingConfig{
			KellyFraction:    0.25,
			MinTradesForEdge: 30,
			MinUnits:         1,
			MaxUnits:         10,
			LookbackTrades:   100,
		},
		Risk: RiskConfig{
			Groups: []CorrelationGroup{
				{Name: "equity-index", Symbols: []string{"SPX", "NDX", "RUT"}, MaxPositions: 3},
				{Name: "energy", Symbols: []string{"CL", "NG"}, MaxPositions: 2},
				{Name: "precious-metals", Symbols: []string{"GC", "SI"}, MaxPositions: 2},
			},
			PerUnderlyingMax:  2,
			GlobalShortVolMax: 4,
		},
		Breakers: BreakerConfig{
			DrawdownWindow:    15 * time.Minute,
			DrawdownFraction:  0.03,
			MarginUsageMax:    0.60,
			ConsecutiveLosses: 3,
			Cooldown:          2 * time.Hour,
		},
		Execution: ExecutionConfig{
			LedgerPath:         "./data/pending_combinations.jsonl",
			ConfirmTimeout:     30 * time.Second,
			RemediationTimeout: 60 * time.Second,
			PollInterval:       500 * time.Millisecond,
		},
		MarketData: MarketDataConfig{
			StalenessThreshold: 30 * time.Second,
			RiskFreeRate:       0.045,
		},
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8090,
			WebSocketPath: "/ws",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
		},
	}
}
