package challenge

import (
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		TTL:              time.Minute,
		SweepInterval:    5 * time.Second,
		RetiredRetention: time.Hour,
		RequestRate:      1,
		RequestBurst:     5,
		LimiterCacheSize: 1 << 16,
	}
}

//nolint:lll
type Config struct {
	TTL              time.Duration `long:"challenge-ttl"               description:"How long an issued challenge stays solvable"`
	SweepInterval    time.Duration `long:"challenge-sweep-interval"    description:"The interval between sweeps of expired challenges"`
	RetiredRetention time.Duration `long:"challenge-retired-retention" description:"How long consumed, expired and revoked challenges are remembered"`

	RequestRate      float64 `long:"challenge-request-rate"  description:"Sustained challenge requests per second allowed per miner (0 disables throttling)"`
	RequestBurst     int     `long:"challenge-request-burst" description:"Burst of challenge requests allowed per miner"`
	LimiterCacheSize int     `long:"limiter-cache-size"      description:"The number of per-miner rate limiters kept in memory"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("ttl", c.TTL)
	enc.AddDuration("sweep_interval", c.SweepInterval)
	enc.AddDuration("retired_retention", c.RetiredRetention)
	enc.AddFloat64("request_rate", c.RequestRate)
	enc.AddInt("request_burst", c.RequestBurst)
	enc.AddInt("limiter_cache_size", c.LimiterCacheSize)
	return nil
}
