// Package solver searches for nonces that satisfy a challenge's difficulty.
package solver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/shared"
)

var ErrInvalidChallenge = errors.New("invalid challenge")

// Stats describes a finished search.
type Stats struct {
	Hashes  uint64
	Elapsed time.Duration
	Workers int
}

// HashRate returns hashes per second.
func (s Stats) HashRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Hashes) / s.Elapsed.Seconds()
}

type Solver struct {
	minerID string
	workers int
	start   *uint64
}

type OptionFunc func(*Solver) error

// WithWorkers sets the number of parallel search goroutines.
func WithWorkers(n int) OptionFunc {
	return func(s *Solver) error {
		if n < 1 {
			return fmt.Errorf("workers must be positive, got %d", n)
		}
		s.workers = n
		return nil
	}
}

// WithStart fixes the first nonce of the search. By default every search starts at a random offset.
func WithStart(start uint64) OptionFunc {
	return func(s *Solver) error {
		s.start = &start
		return nil
	}
}

func New(minerID string, opts ...OptionFunc) (*Solver, error) {
	if minerID == "" {
		return nil, errors.New("miner ID cannot be empty")
	}
	s := &Solver{
		minerID: minerID,
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Solve searches the nonce space of c with all workers. Worker i scans base+i, base+i+n, ...
// so the workers never hash the same nonce. The first worker to succeed stops the others.
// Canceling ctx aborts the search with ctx.Err().
func (s *Solver) Solve(ctx context.Context, c shared.Challenge) (shared.Solution, Stats, error) {
	if len(c.Seed) == 0 || c.Difficulty > shared.MaxDifficulty {
		return shared.Solution{}, Stats{}, ErrInvalidChallenge
	}
	base, err := s.base()
	if err != nil {
		return shared.Solution{}, Stats{}, err
	}

	logger := logging.FromContext(ctx).Named("solver")
	started := time.Now()

	var (
		found  atomic.Bool
		nonce  uint64
		hashes atomic.Uint64
	)
	searchCtx, stop := context.WithCancel(ctx)
	defer stop()
	eg, egCtx := errgroup.WithContext(searchCtx)
	for i := 0; i < s.workers; i++ {
		first := base + uint64(i)
		stride := uint64(s.workers)
		eg.Go(func() error {
			n, count, err := shared.SearchNonce(egCtx, c.Seed, c.Difficulty, first, stride)
			hashes.Add(count)
			if err != nil {
				return nil
			}
			if found.CompareAndSwap(false, true) {
				nonce = n
				stop()
			}
			return nil
		})
	}
	_ = eg.Wait()

	stats := Stats{Hashes: hashes.Load(), Elapsed: time.Since(started), Workers: s.workers}
	if !found.Load() {
		return shared.Solution{}, stats, ctx.Err()
	}

	nonceBytes := shared.EncodeNonce(nonce)
	solution := shared.Solution{
		ChallengeID: c.ID,
		MinerID:     s.minerID,
		Nonce:       nonceBytes,
		Digest:      shared.Digest(c.Seed, nonceBytes),
	}
	logger.Debug(
		"found nonce",
		zap.String("challenge", c.ID),
		zap.Uint64("nonce", nonce),
		zap.Uint64("hashes", stats.Hashes),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return solution, stats, nil
}

func (s *Solver) base() (uint64, error) {
	if s.start != nil {
		return *s.start, nil
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("drawing start nonce: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
