package ledger

import (
	"time"

	"go.uber.org/zap/zapcore"
)

func DefaultConfig() Config {
	return Config{
		PenaltyThreshold:  10,
		PenaltyAmount:     100,
		SuspensionPeriod:  10 * time.Minute,
		InactivityTimeout: 24 * time.Hour,
		SweepInterval:     time.Minute,
		MinAccepted:       1,
	}
}

//nolint:lll
type Config struct {
	PenaltyThreshold uint64        `long:"penalty-threshold" description:"Consecutive rejections that trigger a penalty (and every multiple thereof)"`
	PenaltyAmount    uint64        `long:"penalty-amount"    description:"Amount deducted from the reward balance by a penalty"`
	SuspensionPeriod time.Duration `long:"suspension-period" description:"How long a penalized miner is suspended"`

	InactivityTimeout time.Duration `long:"inactivity-timeout"     description:"Miners without activity for this long are marked inactive"`
	SweepInterval     time.Duration `long:"inactivity-sweep-interval" description:"The interval between inactivity sweeps"`

	MinAccepted uint64 `long:"min-accepted" description:"Accepted solutions required before a miner is eligible for tasks"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("penalty_threshold", c.PenaltyThreshold)
	enc.AddUint64("penalty_amount", c.PenaltyAmount)
	enc.AddDuration("suspension_period", c.SuspensionPeriod)
	enc.AddDuration("inactivity_timeout", c.InactivityTimeout)
	enc.AddDuration("sweep_interval", c.SweepInterval)
	enc.AddUint64("min_accepted", c.MinAccepted)
	return nil
}
