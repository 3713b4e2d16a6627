// Package storage schema management for the on-disk layout.
//
// The layout is versioned by a single integer kept under the meta prefix.
// A SchemaManager owns an ordered chain of migrations 0→1→…→Latest and
// upgrades an older store one step at a time when it is opened.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Migration upgrades the layout from version From to version To.
//
// Apply runs inside its own update transaction together with the write of
// the new version number, so a step either fully lands or leaves the store
// at From.
type Migration struct {
	From        int
	To          int
	Description string
	Apply       func(txn *badger.Txn) error
}

// SchemaManager validates and applies a migration chain.
type SchemaManager struct {
	migrations []Migration
	logger     *zap.Logger
}

// NewSchemaManager sorts the migrations by From and checks that they form a
// contiguous chain starting at version 0 where every step advances by one.
//
// Example:
//
//	sm, err := storage.NewSchemaManager(storage.DefaultMigrations(), logger)
//	if err != nil {
//		return err
//	}
//	fmt.Println(sm.Latest()) // 3
func NewSchemaManager(migrations []Migration, logger *zap.Logger) (*SchemaManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	for i, m := range sorted {
		if m.From != i {
			return nil, fmt.Errorf("%w: expected step from version %d, got %d", ErrInvalidMigrations, i, m.From)
		}
		if m.To != m.From+1 {
			return nil, fmt.Errorf("%w: step %d->%d must advance by exactly one", ErrInvalidMigrations, m.From, m.To)
		}
		if m.Apply == nil {
			return nil, fmt.Errorf("%w: step %d->%d has no Apply", ErrInvalidMigrations, m.From, m.To)
		}
	}
	return &SchemaManager{migrations: sorted, logger: logger}, nil
}

// Latest is the version this build writes.
func (m *SchemaManager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].To
}

// Pending returns the steps needed to bring a store at version current up to
// Latest, in application order.
func (m *SchemaManager) Pending(current int) []Migration {
	if current < 0 || current >= m.Latest() {
		return nil
	}
	out := make([]Migration, len(m.migrations)-current)
	copy(out, m.migrations[current:])
	return out
}

// Upgrade brings db to Latest.
//
// Behavior by stored version:
//   - equal to Latest: nothing happens
//   - lower: each pending step runs in its own transaction; the first failure
//     stops the upgrade with ErrMigrationFailed and the stored version stays
//     at the last step that committed
//   - higher: ErrIncompatibleSchema, and no step runs
//
// A read-only store that needs an upgrade fails with ErrMigrationFailed
// wrapping ErrReadOnly before touching the database.
func (m *SchemaManager) Upgrade(db *badger.DB, mode AccessMode) (int, error) {
	current, err := schemaVersion(db)
	if err != nil {
		return 0, err
	}
	latest := m.Latest()
	switch {
	case current == latest:
		return current, nil
	case current > latest:
		return current, fmt.Errorf("%w: stored version %d, supported up to %d", ErrIncompatibleSchema, current, latest)
	case mode == ReadOnly:
		return current, fmt.Errorf("%w: version %d needs upgrade to %d: %w", ErrMigrationFailed, current, latest, ErrReadOnly)
	}

	for _, step := range m.Pending(current) {
		start := time.Now()
		err := db.Update(func(txn *badger.Txn) error {
			if err := step.Apply(txn); err != nil {
				return err
			}
			return txn.Set(metaKey(metaSchemaVersion), encodeUint(uint64(step.To)))
		})
		if err != nil {
			m.logger.Error("schema migration failed",
				zap.Int("from", step.From),
				zap.Int("to", step.To),
				zap.String("description", step.Description),
				zap.Error(err))
			return current, fmt.Errorf("%w: step %d->%d (%s): %w", ErrMigrationFailed, step.From, step.To, step.Description, err)
		}
		current = step.To
		m.logger.Info("schema migrated",
			zap.Int("from", step.From),
			zap.Int("to", step.To),
			zap.String("description", step.Description),
			zap.Duration("elapsed", time.Since(start)))
	}
	return current, nil
}

func schemaVersion(db *badger.DB) (int, error) {
	var version int
	err := db.View(func(txn *badger.Txn) error {
		v, err := readSchemaVersion(txn)
		version = v
		return err
	})
	return version, err
}

// readSchemaVersion treats a missing key as version 0 (a fresh store).
func readSchemaVersion(txn *badger.Txn) (int, error) {
	item, err := txn.Get(metaKey(metaSchemaVersion))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version uint64
	err = item.Value(func(val []byte) error {
		v, err := decodeUint(val)
		version = v
		return err
	})
	return int(version), err
}
