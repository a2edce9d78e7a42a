package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/tasktrack/pkg/storage"
	"github.com/pkg/errors"
)

type txKey struct{}

// txState is the ambient unit of work carried in the context.
type txState struct {
	store storage.Store
	hooks []func()
}

// TransactionCoordinator runs units of work atomically. The open transaction
// travels in the context, so nested calls join it instead of opening another.
type TransactionCoordinator struct {
	store  storage.Store
	logger Logger
}

func NewTransactionCoordinator(store storage.Store, logger Logger) *TransactionCoordinator {
	return &TransactionCoordinator{store: store, logger: logger}
}

func ambient(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

// Store returns the ambient transaction store, or the base store when ctx
// carries no transaction.
func (c *TransactionCoordinator) Store(ctx context.Context) storage.Store {
	if st := ambient(ctx); st != nil {
		return st.store
	}
	return c.store
}

// InTransaction reports whether ctx carries an open transaction.
func (c *TransactionCoordinator) InTransaction(ctx context.Context) bool {
	return ambient(ctx) != nil
}

// maxTxAttempts bounds how often a unit of work is replayed after a
// serialization failure or deadlock.
const maxTxAttempts = 3

var retryBackoff = 20 * time.Millisecond

// WithTransaction runs fn inside a transaction. Any error or panic from fn, and
// a cancelled ctx, roll the whole unit back before returning. Hooks registered
// through AfterCommit run only once the outermost transaction has committed.
// The outermost call replays fn on storage.ErrRetryable, so fn must not have
// effects outside the transaction other than AfterCommit hooks.
func (c *TransactionCoordinator) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	if st := ambient(ctx); st != nil {
		return fn(ctx, st.store)
	}

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = c.attempt(ctx, fn)
		if err == nil || !errors.Is(err, storage.ErrRetryable) || ctx.Err() != nil {
			return err
		}
		if attempt == maxTxAttempts {
			break
		}
		c.logger.Warnf("Retrying transaction (attempt %d of %d): %v", attempt+1, maxTxAttempts, err)
		select {
		case <-ctx.Done():
			return internalError(errors.Wrap(ctx.Err(), "transaction cancelled"), "transaction")
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	c.logger.Errorf("Giving up on transaction after %d attempts: %v", maxTxAttempts, err)
	return err
}

func (c *TransactionCoordinator) attempt(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) (err error) {
	txStore, err := c.store.Begin(ctx)
	if err != nil {
		c.logger.Errorf("Failed to begin transaction: %v", err)
		return internalError(errors.Wrap(err, "begin transaction"), "transaction")
	}
	st := &txState{store: txStore}
	txCtx := context.WithValue(ctx, txKey{}, st)

	defer func() {
		if p := recover(); p != nil {
			c.rollback(txStore, fmt.Errorf("panic: %v", p))
			panic(p)
		}
		if err == nil && ctx.Err() != nil {
			err = internalError(errors.Wrap(ctx.Err(), "transaction cancelled"), "transaction")
		}
		if err != nil {
			c.rollback(txStore, err)
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			c.logger.Errorf("Failed to commit: %v", commitErr)
			err = internalError(errors.Wrap(commitErr, "commit"), "transaction")
			return
		}
		c.runHooks(st.hooks)
	}()

	return fn(txCtx, txStore)
}

// AfterCommit registers hook to run after the ambient transaction commits. It is
// dropped on rollback. Without an ambient transaction the hook runs immediately.
func (c *TransactionCoordinator) AfterCommit(ctx context.Context, hook func()) {
	if st := ambient(ctx); st != nil {
		st.hooks = append(st.hooks, hook)
		return
	}
	c.runHooks([]func(){hook})
}

func (c *TransactionCoordinator) rollback(txStore storage.Store, cause error) {
	if rollbackErr := txStore.Rollback(); rollbackErr != nil {
		c.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, cause)
	}
}

// runHooks isolates post-commit hooks: the mutation is already durable, so a
// failing hook is logged and the remaining hooks still run.
func (c *TransactionCoordinator) runHooks(hooks []func()) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Errorf("Post-commit hook panicked: %v", p)
				}
			}()
			hook()
		}()
	}
}
