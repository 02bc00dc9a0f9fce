package trust

import (
	"fmt"
	"time"

	"github.com/harun/toolgate/pkg/tool"
)

// Config holds trust gate parameters.
type Config struct {
	Initial       float64           `json:"initial" mapstructure:"initial"`
	SuccessDelta  float64           `json:"success_delta" mapstructure:"success_delta"`
	FailureDelta  float64           `json:"failure_delta" mapstructure:"failure_delta"`
	FlaggedDelta  float64           `json:"flagged_delta" mapstructure:"flagged_delta"`
	HistorySize   int               `json:"history_size" mapstructure:"history_size"`
	HalfLife      time.Duration     `json:"half_life" mapstructure:"half_life"`
	DecaySchedule string            `json:"decay_schedule" mapstructure:"decay_schedule"`
	Thresholds    Thresholds        `json:"thresholds" mapstructure:"thresholds"`
	MinLevels     map[string]string `json:"min_levels" mapstructure:"min_levels"`
}

// Thresholds are the lowest scores of each level above Blocked.
type Thresholds struct {
	Restricted float64 `json:"restricted" mapstructure:"restricted"`
	Standard   float64 `json:"standard" mapstructure:"standard"`
	Elevated   float64 `json:"elevated" mapstructure:"elevated"`
}

// DefaultConfig returns default trust parameters.
func DefaultConfig() Config {
	return Config{
		Initial:       0.5,
		SuccessDelta:  0.01,
		FailureDelta:  0.1,
		FlaggedDelta:  0.3,
		HistorySize:   32,
		HalfLife:      time.Hour,
		DecaySchedule: "@every 1m",
		Thresholds: Thresholds{
			Restricted: 0.25,
			Standard:   0.5,
			Elevated:   0.75,
		},
		MinLevels: map[string]string{
			string(tool.ClassRead):    "restricted",
			string(tool.ClassNetwork): "standard",
			string(tool.ClassRemote):  "standard",
			string(tool.ClassExec):    "elevated",
			string(tool.ClassWrite):   "elevated",
		},
	}
}

// Validate checks the parameters are usable.
func (c Config) Validate() error {
	if c.Initial < 0 || c.Initial > 1 {
		return fmt.Errorf("initial score must be within [0,1], got %v", c.Initial)
	}
	if c.SuccessDelta < 0 || c.FailureDelta < 0 || c.FlaggedDelta < 0 {
		return fmt.Errorf("score deltas must be non-negative")
	}
	if c.FailureDelta <= c.SuccessDelta {
		return fmt.Errorf("failure delta (%v) must exceed success delta (%v)", c.FailureDelta, c.SuccessDelta)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history size must be positive")
	}
	t := c.Thresholds
	if !(0 < t.Restricted && t.Restricted < t.Standard && t.Standard < t.Elevated && t.Elevated <= 1) {
		return fmt.Errorf("thresholds must be increasing within (0,1]")
	}
	for class, level := range c.MinLevels {
		if !tool.IsValidClass(class) {
			return fmt.Errorf("unknown risk class %q in min_levels", class)
		}
		if _, err := tool.ParseTrustLevel(level); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) minLevels() map[tool.RiskClass]tool.TrustLevel {
	levels := make(map[tool.RiskClass]tool.TrustLevel, len(c.MinLevels))
	for class, name := range c.MinLevels {
		level, err := tool.ParseTrustLevel(name)
		if err != nil {
			continue
		}
		levels[tool.RiskClass(class)] = level
	}
	return levels
}
