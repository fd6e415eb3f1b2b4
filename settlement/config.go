package settlement

import (
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		Interval:          800 * time.Second,
		MaxAllowedWeights: 400,
		WeightScale:       1000,
	}
}

//nolint:lll
type Config struct {
	Interval          time.Duration `long:"settlement-interval"  description:"The interval between weight settlements"`
	MaxAllowedWeights int           `long:"max-allowed-weights"  description:"The maximum number of miners receiving a non-zero weight in a settlement"`
	WeightScale       uint64        `long:"weight-scale"         description:"The sum the weights of a settlement are normalized to (before rounding down)"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("interval", c.Interval)
	enc.AddInt("max_allowed_weights", c.MaxAllowedWeights)
	enc.AddUint64("weight_scale", c.WeightScale)
	return nil
}
