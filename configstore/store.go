// Package configstore implements the versioned config store: a
// key/value store with compare-and-swap updates and a retrying
// ReadModifyWrite, backed by badger.DB transactions, grounded on
// i5heu-ouroboros-db's badgerDB.Update(func(txn *badger.Txn) error {...})
// pattern.
package configstore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/RakhithJK/LogDevice/errs"
	"github.com/RakhithJK/LogDevice/logging"
	"github.com/RakhithJK/LogDevice/messages"
)

// ExtractVersion interprets stored bytes to recover their version, a
// caller-supplied function since the store treats values as opaque bytes.
type ExtractVersion func(value []byte) (uint64, bool)

// Store is backed by a badger.DB opened by the caller (mirroring
// i5heu-ouroboros-db's KeyValStore, which takes ownership of an already
// opened badger.DB rather than opening its own).
type Store struct {
	db             *badger.DB
	extractVersion ExtractVersion
	logPrefix      string

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

type Options struct {
	DB             *badger.DB
	ExtractVersion ExtractVersion
	LogPrefix      string
}

func NewStore(opts *Options) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("%s: nil DB", opts.LogPrefix)
	}
	if opts.ExtractVersion == nil {
		return nil, fmt.Errorf("%s: nil ExtractVersion", opts.LogPrefix)
	}

	return &Store{
		db:             opts.DB,
		extractVersion: opts.ExtractVersion,
		logPrefix:      opts.LogPrefix,
	}, nil
}

// Get reads the value stored under key. A non-nil baseVersion turns the
// read into a freshness check: UpToDate when baseVersion is already at or
// past the stored version. Reads are not required to be linearizable with
// writes — badger's default View transaction snapshot
// satisfies this without extra coordination.
func (s *Store) Get(key []byte, baseVersion *uint64) (messages.StoreStatus, []byte, error) {
	if s.shutdown.Load() {
		return messages.StoreShutdown, nil, nil
	}
	s.wg.Add(1)
	defer s.wg.Done()

	var value []byte
	var status messages.StoreStatus

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			status = messages.StoreNotFound
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			version, ok := s.extractVersion(val)
			if !ok {
				status = messages.StoreBadMessage
				return nil
			}
			if baseVersion != nil && *baseVersion >= version {
				status = messages.StoreUpToDate
				return nil
			}
			value = append([]byte(nil), val...)
			status = messages.StoreOk
			return nil
		})
	})
	if err != nil {
		logging.For(s.logPrefix).WithError(err).Debug("Get: transaction failed")
		return messages.StoreAccess, nil, err
	}

	return status, value, nil
}

// Update writes value under key. baseVersion == nil means unconditional
// overwrite (also used for initial creation); baseVersion != nil means
// compare-and-swap against the currently stored version, verified inside a
// single badger.Txn.
func (s *Store) Update(key []byte, value []byte, baseVersion *uint64) (messages.StoreStatus, uint64, []byte, error) {
	if s.shutdown.Load() {
		return messages.StoreShutdown, 0, nil, nil
	}
	s.wg.Add(1)
	defer s.wg.Done()

	newVersion, ok := s.extractVersion(value)
	if !ok {
		return messages.StoreInvalidParam, 0, nil, nil
	}

	var status messages.StoreStatus
	var existing []byte
	var existingVersion uint64

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if baseVersion != nil {
				status = messages.StoreNotFound
				return nil
			}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				v, ok := s.extractVersion(val)
				if !ok {
					return nil
				}
				existingVersion = v
				existing = append([]byte(nil), val...)
				return nil
			})
			if err != nil {
				return err
			}

			if baseVersion != nil && *baseVersion != existingVersion {
				status = messages.StoreVersionMismatch
				return nil
			}
			if newVersion <= existingVersion {
				status = messages.StoreInvalidParam
				return nil
			}
		}

		if err := txn.Set(key, value); err != nil {
			return err
		}
		status = messages.StoreOk
		return nil
	})
	if err != nil {
		logging.For(s.logPrefix).WithError(err).Debug("Update: transaction failed")
		return messages.StoreAccess, existingVersion, existing, err
	}

	if status == messages.StoreOk {
		return status, newVersion, nil, nil
	}
	return status, existingVersion, existing, nil
}

// MutateFunc is the read_modify_write mutator: given the current value (nil
// if absent), it returns the status Ok|VersionMismatch|Shutdown and, when
// Ok, the new value to commit.
type MutateFunc func(current []byte) (messages.StoreStatus, []byte)

const maxReadModifyWriteRetries = 32

// ReadModifyWrite reads the current value, calls mcb, and on Ok performs
// a conditional update against the
// just-read version, retrying from the top on VersionMismatch until either
// success or mcb returns non-Ok. Any other status from the update is
// returned as is. After maxReadModifyWriteRetries attempts it stops and
// returns StoreAgain with errs.ErrReadModifyWriteExhausted.
func (s *Store) ReadModifyWrite(key []byte, mcb MutateFunc) (messages.StoreStatus, error) {
	if s.shutdown.Load() {
		return messages.StoreShutdown, nil
	}
	s.wg.Add(1)
	defer s.wg.Done()

	for attempt := 0; attempt < maxReadModifyWriteRetries; attempt++ {
		if s.shutdown.Load() {
			return messages.StoreShutdown, nil
		}

		status, current, err := s.Get(key, nil)
		if err != nil {
			return messages.StoreAccess, err
		}
		if status != messages.StoreOk && status != messages.StoreNotFound {
			return status, nil
		}

		var baseVersion *uint64
		if status == messages.StoreOk {
			v, _ := s.extractVersion(current)
			baseVersion = &v
		}

		mcbStatus, newValue := mcb(current)
		switch mcbStatus {
		case messages.StoreOk:
			// fall through to attempt the conditional write
		case messages.StoreShutdown:
			return messages.StoreShutdown, nil
		default:
			return mcbStatus, nil
		}

		writeStatus, _, _, err := s.Update(key, newValue, baseVersion)
		if err != nil {
			return messages.StoreAccess, err
		}
		if writeStatus == messages.StoreVersionMismatch {
			continue
		}
		return writeStatus, nil
	}

	return messages.StoreAgain, errs.ErrReadModifyWriteExhausted
}

// Shutdown guarantees: no new operations accepted; every outstanding
// callback (here, every in-flight Get/Update/ReadModifyWrite call) observes
// completion before this returns. Must be called from a dedicated
// coordinator goroutine, not from inside a callback running on this Store.
func (s *Store) Shutdown() {
	s.shutdown.Store(true)
	s.wg.Wait()
}
