package challenge

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
)

var (
	ErrInvalidMinerID = errors.New("invalid miner ID")
	ErrRateLimited    = errors.New("too many challenge requests")
	ErrWeakSeed       = errors.New("entropy source produced a weak seed")
)

// DifficultySource provides the difficulty for the next challenge of a miner.
type DifficultySource interface {
	Difficulty(minerID string) shared.Difficulty
}

// Issuer hands out per-miner challenges.
type Issuer struct {
	cfg        Config
	table      *Table
	difficulty DifficultySource
	clock      clock.Clock
	entropy    io.Reader

	limiters *lru.Cache

	seedMu   sync.Mutex
	lastSeed []byte
}

type issuerOptions struct {
	cfg     Config
	clock   clock.Clock
	entropy io.Reader
}

type OptionFunc func(*issuerOptions) error

func WithConfig(cfg Config) OptionFunc {
	return func(o *issuerOptions) error {
		o.cfg = cfg
		return nil
	}
}

func WithClock(clk clock.Clock) OptionFunc {
	return func(o *issuerOptions) error {
		o.clock = clk
		return nil
	}
}

// WithEntropy sets the source of challenge seeds. Defaults to crypto/rand.
func WithEntropy(r io.Reader) OptionFunc {
	return func(o *issuerOptions) error {
		if r == nil {
			return errors.New("entropy source cannot be nil")
		}
		o.entropy = r
		return nil
	}
}

func NewIssuer(table *Table, difficulty DifficultySource, opts ...OptionFunc) (*Issuer, error) {
	options := issuerOptions{
		cfg:     DefaultConfig(),
		clock:   clock.New(),
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, err
		}
	}
	if options.cfg.TTL <= 0 {
		return nil, fmt.Errorf("challenge TTL must be positive, got %v", options.cfg.TTL)
	}
	if options.cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", options.cfg.SweepInterval)
	}

	limiters, err := lru.New(max(options.cfg.LimiterCacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("creating limiter cache: %w", err)
	}

	return &Issuer{
		cfg:        options.cfg,
		table:      table,
		difficulty: difficulty,
		clock:      options.clock,
		entropy:    options.entropy,
		limiters:   limiters,
	}, nil
}

// Issue returns the miner's outstanding challenge, or issues a new one.
// A miner holds at most one unexpired challenge, so asking again returns the same challenge.
func (i *Issuer) Issue(ctx context.Context, minerID string) (shared.Challenge, error) {
	if minerID == "" {
		return shared.Challenge{}, ErrInvalidMinerID
	}
	now := i.clock.Now()
	if !i.allow(minerID, now) {
		rateLimitedMetric.Inc()
		return shared.Challenge{}, fmt.Errorf("%w: miner %s", ErrRateLimited, minerID)
	}

	c, created, err := i.table.GetOrCreate(minerID, now, func() (shared.Challenge, error) {
		return i.newChallenge(minerID, now)
	})
	if err != nil {
		return shared.Challenge{}, err
	}
	if created {
		issuedMetric.Inc()
		logging.FromContext(ctx).Debug(
			"issued challenge",
			zap.String("miner", minerID),
			zap.String("id", c.ID),
			zap.Stringer("difficulty", c.Difficulty),
			zap.Time("expires", c.ExpiresAt),
		)
	}
	return c, nil
}

func (i *Issuer) newChallenge(minerID string, now time.Time) (shared.Challenge, error) {
	seed, err := i.drawSeed()
	if err != nil {
		return shared.Challenge{}, err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return shared.Challenge{}, fmt.Errorf("generating challenge ID: %w", err)
	}
	return shared.Challenge{
		ID:         id.String(),
		MinerID:    minerID,
		Seed:       seed,
		Difficulty: i.difficulty.Difficulty(minerID),
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.cfg.TTL),
	}, nil
}

// drawSeed reads a fresh seed and refuses obviously predictable ones.
func (i *Issuer) drawSeed() ([]byte, error) {
	seed := make([]byte, shared.SeedSize)
	if _, err := io.ReadFull(i.entropy, seed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWeakSeed, err)
	}

	i.seedMu.Lock()
	defer i.seedMu.Unlock()
	if bytes.Equal(seed, make([]byte, shared.SeedSize)) {
		return nil, fmt.Errorf("%w: all zero", ErrWeakSeed)
	}
	if bytes.Equal(seed, i.lastSeed) {
		return nil, fmt.Errorf("%w: repeated", ErrWeakSeed)
	}
	i.lastSeed = seed
	return seed, nil
}

func (i *Issuer) allow(minerID string, now time.Time) bool {
	if i.cfg.RequestRate <= 0 {
		return true
	}
	if l, ok := i.limiters.Get(minerID); ok {
		return l.(*rate.Limiter).AllowN(now, 1)
	}
	fresh := rate.NewLimiter(rate.Limit(i.cfg.RequestRate), max(i.cfg.RequestBurst, 1))
	prev, ok, _ := i.limiters.PeekOrAdd(minerID, fresh)
	if ok {
		return prev.(*rate.Limiter).AllowN(now, 1)
	}
	return fresh.AllowN(now, 1)
}

// Revoke retires the miner's outstanding challenge.
func (i *Issuer) Revoke(minerID string) (bool, error) {
	return i.table.Revoke(minerID, i.clock.Now())
}

// Run expires and garbage-collects challenges until ctx is canceled.
func (i *Issuer) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("challenges")
	ticker := i.clock.Ticker(i.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, removed, err := i.table.Sweep(i.clock.Now())
			if err != nil {
				logger.Error("failed to sweep challenges", zap.Error(err))
				continue
			}
			total, outstanding := i.table.Len()
			outstandingMetric.Set(float64(outstanding))
			if expired+removed > 0 {
				logger.Debug(
					"swept challenges",
					zap.Int("expired", expired),
					zap.Int("removed", removed),
					zap.Int("remembered", total),
				)
			}
		}
	}
}

// Table exposes the backing challenge table.
func (i *Issuer) Table() *Table {
	return i.table
}
