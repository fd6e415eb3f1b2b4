// Package validator is the core service: it issues challenges, judges solutions
// and keeps the miners' reputation, difficulty and settlements in step.
//
// Work on a single miner is serialized; different miners never contend.
package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spacemeshos/powsubnet/challenge"
	"github.com/spacemeshos/powsubnet/db"
	"github.com/spacemeshos/powsubnet/difficulty"
	"github.com/spacemeshos/powsubnet/ledger"
	"github.com/spacemeshos/powsubnet/logging"
	"github.com/spacemeshos/powsubnet/settlement"
	"github.com/spacemeshos/powsubnet/shared"
	"github.com/spacemeshos/powsubnet/util"
	"github.com/spacemeshos/powsubnet/verifier"
)

var ErrMinerSuspended = errors.New("miner is suspended")

type Validator struct {
	cfg   Config
	db    *leveldb.DB
	clock clock.Clock

	issuer     *challenge.Issuer
	controller *difficulty.Controller
	verifier   *verifier.Verifier
	ledger     *ledger.Ledger
	settler    *settlement.Settler

	locks *util.KeyedLocks
}

type newValidatorOptions struct {
	cfg     Config
	clock   clock.Clock
	sink    ledger.EventSink
	setter  settlement.WeightSetter
	entropy io.Reader
}

type OptionFunc func(*newValidatorOptions)

func WithConfig(cfg Config) OptionFunc {
	return func(o *newValidatorOptions) {
		o.cfg = cfg
	}
}

func WithClock(clk clock.Clock) OptionFunc {
	return func(o *newValidatorOptions) {
		o.clock = clk
	}
}

// WithEventSink sets the payment collaborator notified of rewards and penalties.
func WithEventSink(sink ledger.EventSink) OptionFunc {
	return func(o *newValidatorOptions) {
		o.sink = sink
	}
}

func WithWeightSetter(setter settlement.WeightSetter) OptionFunc {
	return func(o *newValidatorOptions) {
		o.setter = setter
	}
}

// WithEntropy sets the source of challenge seeds. Defaults to crypto/rand.
func WithEntropy(r io.Reader) OptionFunc {
	return func(o *newValidatorOptions) {
		o.entropy = r
	}
}

// New opens (or creates) the validator's database in dbdir and restores its state.
func New(ctx context.Context, dbdir string, opts ...OptionFunc) (*Validator, error) {
	options := newValidatorOptions{
		cfg:   DefaultConfig(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.cfg.Difficulty.Validate(); err != nil {
		return nil, fmt.Errorf("invalid difficulty config: %w", err)
	}

	database, err := db.Open(ctx, filepath.Join(dbdir, "powsubnet"))
	if err != nil {
		return nil, err
	}
	v, err := newValidator(ctx, database, options)
	if err != nil {
		return nil, multierror.Append(err, database.Close()).ErrorOrNil()
	}
	return v, nil
}

func newValidator(ctx context.Context, db *leveldb.DB, options newValidatorOptions) (*Validator, error) {
	cfg := options.cfg
	logger := logging.FromContext(ctx)

	ledgerOpts := []ledger.OptionFunc{ledger.WithConfig(cfg.Ledger), ledger.WithClock(options.clock)}
	if options.sink != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithEventSink(options.sink))
	}
	l, err := ledger.New(ctx, db, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	controller, err := difficulty.New(cfg.Difficulty)
	if err != nil {
		return nil, err
	}
	for _, rec := range l.Snapshots() {
		controller.Restore(rec.MinerID, rec.CurrentDifficulty)
	}

	table, err := challenge.NewTable(ctx, db, cfg.Challenge.RetiredRetention)
	if err != nil {
		return nil, err
	}
	issuerOpts := []challenge.OptionFunc{challenge.WithConfig(cfg.Challenge), challenge.WithClock(options.clock)}
	if options.entropy != nil {
		issuerOpts = append(issuerOpts, challenge.WithEntropy(options.entropy))
	}
	issuer, err := challenge.NewIssuer(table, controller, issuerOpts...)
	if err != nil {
		return nil, err
	}

	ver, err := verifier.New(
		table,
		db,
		verifier.WithClock(options.clock),
		verifier.WithReward(verifier.ProportionalReward(cfg.RewardBase)),
		verifier.WithExpectedLatency(controller.TargetLatency()),
		verifier.WithCacheSize(cfg.VerdictCacheSize),
	)
	if err != nil {
		return nil, err
	}

	settlerOpts := []settlement.OptionFunc{settlement.WithConfig(cfg.Settlement), settlement.WithClock(options.clock)}
	if options.setter != nil {
		settlerOpts = append(settlerOpts, settlement.WithWeightSetter(options.setter))
	}
	settler, err := settlement.New(ctx, db, l, settlerOpts...)
	if err != nil {
		return nil, err
	}

	logger.Info("validator ready", zap.Object("config", cfg))
	return &Validator{
		cfg:        cfg,
		db:         db,
		clock:      options.clock,
		issuer:     issuer,
		controller: controller,
		verifier:   ver,
		ledger:     l,
		settler:    settler,
		locks:      util.NewKeyedLocks(),
	}, nil
}

// Run drives the background work (challenge sweeping, inactivity sweeping, settlements)
// until ctx is canceled.
func (v *Validator) Run(ctx context.Context) error {
	ctx = logging.NewContext(ctx, logging.FromContext(ctx).Named("validator"))
	var eg errgroup.Group
	eg.Go(func() error { return v.issuer.Run(ctx) })
	eg.Go(func() error { return v.ledger.Run(ctx) })
	eg.Go(func() error { return v.settler.Run(ctx) })
	return eg.Wait()
}

func (v *Validator) Close() error {
	var result *multierror.Error
	if err := v.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing database: %w", err))
	}
	return result.ErrorOrNil()
}

// RequestChallenge returns the miner's outstanding challenge, or issues a new one
// at the miner's current difficulty. Suspended miners are refused.
func (v *Validator) RequestChallenge(ctx context.Context, minerID string) (shared.Challenge, error) {
	if minerID == "" {
		return shared.Challenge{}, challenge.ErrInvalidMinerID
	}
	unlock := v.locks.Lock(minerID)
	defer unlock()

	if suspended, until := v.ledger.Suspended(minerID); suspended {
		return shared.Challenge{}, fmt.Errorf("%w until %s", ErrMinerSuspended, until.Format(time.RFC3339))
	}
	return v.issuer.Issue(ctx, minerID)
}

// SubmitSolution judges a solution and applies the verdict to the miner's record.
// The verdict, the challenge's retirement and the record change are written together.
// Once started, it runs to completion regardless of ctx cancellation.
//
// Replays return the original verdict and unknown challenges are not attributed to anyone,
// so neither touches the ledger.
func (v *Validator) SubmitSolution(ctx context.Context, s *shared.Solution) (*shared.Outcome, error) {
	if err := verifier.Validate(s); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx).With(zap.String("miner", s.MinerID))

	unlock := v.locks.Lock(s.MinerID)
	defer unlock()

	var staged *stagedOutcome
	outcome, err := v.verifier.Verify(ctx, s, verifier.WithStage(
		func(o *shared.Outcome, batch *leveldb.Batch) (verifier.Staged, error) {
			st, err := v.stage(o, batch)
			if err != nil {
				return nil, fmt.Errorf("recording outcome of %s: %w", o.ChallengeID, err)
			}
			staged = st
			return st, nil
		},
	))
	if err != nil {
		return nil, err
	}
	if staged == nil || !staged.committed {
		return outcome, nil
	}
	if staged.adj.Changed() {
		logger.Info(
			"adjusted difficulty",
			zap.Stringer("from", staged.adj.From),
			zap.Stringer("to", staged.adj.To),
			zap.Duration("observed", staged.adj.Observed),
		)
	}
	if staged.rec.Suspended(v.clock.Now()) {
		v.revoke(ctx, s.MinerID)
	}
	return outcome, nil
}

// stagedOutcome is the ledger transition and difficulty adjustment caused by one verdict.
type stagedOutcome struct {
	v         *Validator
	tr        *ledger.Transition
	minerID   string
	adj       difficulty.Adjustment
	rec       shared.MinerRecord
	committed bool
}

// stage observes the difficulty controller and stages the ledger transition for o.
func (v *Validator) stage(o *shared.Outcome, batch *leveldb.Batch) (*stagedOutcome, error) {
	st := &stagedOutcome{v: v, minerID: o.MinerID}
	var recordOpts []ledger.RecordOption
	if o.Accepted() {
		st.adj = v.controller.Observe(o.MinerID, o.Difficulty, o.SolveLatency)
		recordOpts = append(recordOpts, ledger.WithDifficulty(st.adj.To))
	}
	tr, err := v.ledger.Stage(o, batch, recordOpts...)
	if err != nil {
		st.restore()
		return nil, err
	}
	st.tr = tr
	return st, nil
}

func (st *stagedOutcome) Commit(ctx context.Context) {
	st.rec = st.tr.Commit(ctx)
	st.committed = true
}

func (st *stagedOutcome) Abort() {
	st.tr.Abort()
	st.restore()
}

func (st *stagedOutcome) restore() {
	if st.adj.Changed() {
		st.v.controller.Restore(st.minerID, st.adj.From)
	}
}

// Penalize deducts amount from the miner's balance on behalf of an external party
// (e.g. the task scheduler reporting a failed task).
func (v *Validator) Penalize(ctx context.Context, minerID string, amount uint64, reason string) (shared.MinerRecord, error) {
	unlock := v.locks.Lock(minerID)
	defer unlock()
	return v.ledger.Penalize(ctx, minerID, amount, reason)
}

// revoke retires a suspended miner's outstanding challenge so it cannot be solved.
func (v *Validator) revoke(ctx context.Context, minerID string) {
	revoked, err := v.issuer.Revoke(minerID)
	switch {
	case err != nil:
		logging.FromContext(ctx).Error("failed to revoke challenge", zap.String("miner", minerID), zap.Error(err))
	case revoked:
		logging.FromContext(ctx).Info("revoked challenge of suspended miner", zap.String("miner", minerID))
	}
}

// MinerEligible reports whether the miner may currently accept compute tasks.
func (v *Validator) MinerEligible(minerID string) (bool, string) {
	return v.ledger.Eligible(minerID)
}

// Miner returns a snapshot of the miner's record.
func (v *Validator) Miner(minerID string) (shared.MinerRecord, bool) {
	return v.ledger.Snapshot(minerID)
}

// Miners returns snapshots of all miners' records.
func (v *Validator) Miners() []shared.MinerRecord {
	return v.ledger.Snapshots()
}

// History returns up to limit of the miner's outcomes, newest first.
func (v *Validator) History(minerID string, limit int) ([]shared.Outcome, error) {
	return v.ledger.History(minerID, limit)
}

// Penalties returns up to limit of the miner's penalties, newest first.
func (v *Validator) Penalties(minerID string, limit int) ([]ledger.Penalty, error) {
	return v.ledger.Penalties(minerID, limit)
}

// Settle runs a settlement immediately.
func (v *Validator) Settle(ctx context.Context) (*settlement.Settlement, error) {
	return v.settler.Settle(ctx)
}

// LastSettlement returns the last committed settlement.
func (v *Validator) LastSettlement() (settlement.Settlement, bool) {
	return v.settler.Last()
}
