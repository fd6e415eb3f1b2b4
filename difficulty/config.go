package difficulty

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/powsubnet/shared"
)

func DefaultConfig() Config {
	return Config{
		Initial:       16,
		Min:           8,
		Max:           64,
		TargetLatency: 30 * time.Second,
		Tolerance:     0.25,
		Window:        8,
		MaxStep:       4,
	}
}

//nolint:lll
type Config struct {
	Initial       shared.Difficulty `long:"initial-difficulty" description:"Difficulty of a new miner's first challenge, in leading zero bits (or nibbles with an 'n' suffix)"`
	Min           shared.Difficulty `long:"min-difficulty"     description:"Lower bound of the difficulty"`
	Max           shared.Difficulty `long:"max-difficulty"     description:"Upper bound of the difficulty"`
	TargetLatency time.Duration     `long:"target-latency"     description:"The solve latency the difficulty is steered towards"`
	Tolerance     float64           `long:"latency-tolerance"  description:"Relative deviation from the target latency that does not trigger an adjustment"`
	Window        int               `long:"latency-window"     description:"The number of accepted solutions averaged per miner"`
	MaxStep       uint              `long:"max-difficulty-step" description:"The maximum change of the difficulty in a single adjustment, in bits"`
}

func (c Config) Validate() error {
	switch {
	case c.Min > c.Max:
		return fmt.Errorf("min difficulty %d above max %d", c.Min, c.Max)
	case c.Max > shared.MaxDifficulty:
		return fmt.Errorf("max difficulty %d above %d", c.Max, shared.MaxDifficulty)
	case c.Initial < c.Min || c.Initial > c.Max:
		return fmt.Errorf("initial difficulty %d outside [%d, %d]", c.Initial, c.Min, c.Max)
	case c.TargetLatency <= 0:
		return fmt.Errorf("target latency must be positive, got %v", c.TargetLatency)
	case c.Tolerance < 0 || c.Tolerance >= 1:
		return fmt.Errorf("tolerance must be in [0, 1), got %v", c.Tolerance)
	case c.Window < 1:
		return fmt.Errorf("window must be at least 1, got %d", c.Window)
	case c.MaxStep < 1:
		return fmt.Errorf("max step must be at least 1, got %d", c.MaxStep)
	}
	return nil
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint("initial", uint(c.Initial))
	enc.AddUint("min", uint(c.Min))
	enc.AddUint("max", uint(c.Max))
	enc.AddDuration("target_latency", c.TargetLatency)
	enc.AddFloat64("tolerance", c.Tolerance)
	enc.AddInt("window", c.Window)
	enc.AddUint("max_step", c.MaxStep)
	return nil
}
