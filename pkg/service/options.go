package service

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/lock"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

// Logger defines the logging interface used by the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Option customizes a service.
type Option func(*options)

type options struct {
	now      func() time.Time
	locker   lock.Locker
	notifier AlertNotifier
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = lock.NewLocalLocker()
	}
	return o
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLocker sets the keyed locker. Services sharing records across
// processes must share a distributed locker.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithNotifier sets where alert lifecycle events are published.
func WithNotifier(n AlertNotifier) Option {
	return func(o *options) { o.notifier = n }
}

// inTx runs fn inside a store transaction, committing on success.
func inTx(store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// notFound translates storage.ErrNotFound into ErrNotFound.
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
