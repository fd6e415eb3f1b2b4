// Package db opens the validator's leveldb database and keeps its layout versioned.
package db

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/spacemeshos/powsubnet/logging"
)

var ErrNewerSchema = errors.New("database was written by a newer version")

var versionKey = []byte("meta/version")

// Migration upgrades the layout from version N-1 to N, where N is its position in the list plus one.
type Migration func(tx *leveldb.Transaction) error

// migrations lists every layout change in order.
var migrations = []Migration{
	// 1: challenges, verdicts, miners, outcomes, penalties and settlements under their own prefixes.
	func(*leveldb.Transaction) error { return nil },
}

// Version is the layout written by this build.
func Version() uint64 {
	return uint64(len(migrations))
}

// Open opens (or creates) the database in dir and brings its layout up to date.
func Open(ctx context.Context, dir string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := Migrate(ctx, db, migrations); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return db, nil
}

// Migrate runs the migrations db has not seen yet in a single transaction.
func Migrate(ctx context.Context, db *leveldb.DB, migrations []Migration) error {
	log := logging.FromContext(ctx)
	current, err := StoredVersion(db)
	if err != nil {
		return err
	}
	target := uint64(len(migrations))
	switch {
	case current > target:
		return fmt.Errorf("%w: layout %d, supported %d", ErrNewerSchema, current, target)
	case current == target:
		log.Debug("database layout is up to date", zap.Uint64("version", current))
		return nil
	}

	tx, err := db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening DB transaction: %w", err)
	}
	for v := current; v < target; v++ {
		log.Info("migrating database", zap.Uint64("from", v), zap.Uint64("to", v+1))
		if err := migrations[v](tx); err != nil {
			tx.Discard()
			return fmt.Errorf("migrating to version %d: %w", v+1, err)
		}
	}
	if err := tx.Put(versionKey, binary.BigEndian.AppendUint64(nil, target), nil); err != nil {
		tx.Discard()
		return fmt.Errorf("storing version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing DB transaction: %w", err)
	}
	return nil
}

// StoredVersion returns the layout version recorded in db, 0 for a database that never recorded one.
func StoredVersion(db *leveldb.DB) (uint64, error) {
	data, err := db.Get(versionKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading version: %w", err)
	case len(data) != 8:
		return 0, fmt.Errorf("corrupt version record of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
