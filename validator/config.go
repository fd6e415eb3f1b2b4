package validator

import (
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/powsubnet/challenge"
	"github.com/spacemeshos/powsubnet/difficulty"
	"github.com/spacemeshos/powsubnet/ledger"
	"github.com/spacemeshos/powsubnet/settlement"
)

func DefaultConfig() Config {
	return Config{
		Challenge:        challenge.DefaultConfig(),
		Difficulty:       difficulty.DefaultConfig(),
		Ledger:           ledger.DefaultConfig(),
		Settlement:       settlement.DefaultConfig(),
		RewardBase:       1,
		VerdictCacheSize: 4096,
	}
}

//nolint:lll
type Config struct {
	Challenge  challenge.Config  `group:"Challenges"`
	Difficulty difficulty.Config `group:"Difficulty"`
	Ledger     ledger.Config     `group:"Ledger"`
	Settlement settlement.Config `group:"Settlement"`

	RewardBase       uint64 `long:"reward-base"        description:"Reward per difficulty bit of a solution found at the target latency"`
	VerdictCacheSize int    `long:"verdict-cache-size" description:"The number of verdicts kept in memory for replay detection"`
}

// implement zap.ObjectMarshaler interface.
func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := enc.AddObject("challenge", c.Challenge); err != nil {
		return err
	}
	if err := enc.AddObject("difficulty", c.Difficulty); err != nil {
		return err
	}
	if err := enc.AddObject("ledger", c.Ledger); err != nil {
		return err
	}
	if err := enc.AddObject("settlement", c.Settlement); err != nil {
		return err
	}
	enc.AddUint64("reward_base", c.RewardBase)
	enc.AddInt("verdict_cache_size", c.VerdictCacheSize)
	return nil
}
