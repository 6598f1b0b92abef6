package core

// transaction.go tracks one transaction context per running operation.
//
// State machine per operation id:
//
//	absent -> active -> committed | rolled_back
//
// Create fails when the id is already active. Commit on an unknown id fails
// loudly because it means work was committed that was never begun. Rollback
// on an unknown id is a no-op so retries are safe. Finished contexts are kept
// for a short while so Status can still report them.
//
// The goroutine that owns an operation reaches its resource through Do. An
// external Rollback takes the same per-entry lock, so it waits for the
// record in flight and the owner's next Do fails instead of touching a
// resource that was already rolled back.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TxState is the lifecycle state of a transaction context.
type TxState string

const (
	TxActive     TxState = "active"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
)

// TransactionContext describes one operation's transaction.
type TransactionContext struct {
	OperationID string    `json:"operation_id"`
	Active      bool      `json:"active"`
	State       TxState   `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Resource is the revertible work bound to a transaction context.
// StoreTx satisfies it.
type Resource interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DefaultTxRetention is how long finished contexts stay visible to Status.
const DefaultTxRetention = 5 * time.Minute

type txEntry struct {
	info     TransactionContext
	resource Resource
	cancel   context.CancelFunc

	use    sync.Mutex
	closed bool
}

// TransactionCoordinator is the process-wide table of active operations.
type TransactionCoordinator struct {
	mu       sync.Mutex
	active   map[string]*txEntry
	finished map[string]TransactionContext
	retain   time.Duration
	now      func() time.Time
}

// NewTransactionCoordinator creates an empty coordinator.
func NewTransactionCoordinator() *TransactionCoordinator {
	return &TransactionCoordinator{
		active:   make(map[string]*txEntry),
		finished: make(map[string]TransactionContext),
		retain:   DefaultTxRetention,
		now:      time.Now,
	}
}

// SetRetention changes how long finished contexts are kept. Zero drops
// them immediately.
func (c *TransactionCoordinator) SetRetention(d time.Duration) {
	c.mu.Lock()
	c.retain = d
	c.mu.Unlock()
}

// Create registers an active context for operationID. res may be nil when
// there is nothing to commit or roll back.
func (c *TransactionCoordinator) Create(operationID string, res Resource) (TransactionContext, error) {
	return c.register(operationID, res, nil)
}

// Begin registers an active context like Create and returns a context that
// is cancelled when the operation is committed or rolled back, including a
// rollback issued by another goroutine.
func (c *TransactionCoordinator) Begin(ctx context.Context, operationID string, res Resource) (context.Context, error) {
	opCtx, cancel := context.WithCancel(ctx)
	if _, err := c.register(operationID, res, cancel); err != nil {
		cancel()
		return nil, err
	}
	return opCtx, nil
}

// Do runs fn while no other goroutine can commit or roll back operationID.
// It fails with ErrTransactionNotFound once the context has ended.
func (c *TransactionCoordinator) Do(operationID string, fn func() error) error {
	c.mu.Lock()
	entry, ok := c.active[operationID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, operationID)
	}

	entry.use.Lock()
	defer entry.use.Unlock()
	if entry.closed {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, operationID)
	}
	return fn()
}

func (c *TransactionCoordinator) register(operationID string, res Resource, cancel context.CancelFunc) (TransactionContext, error) {
	if operationID == "" {
		return TransactionContext{}, errors.New("operation id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.active[operationID]; exists {
		return TransactionContext{}, fmt.Errorf("%w: %s", ErrTransactionExists, operationID)
	}

	info := TransactionContext{
		OperationID: operationID,
		Active:      true,
		State:       TxActive,
		StartedAt:   c.now().UTC(),
	}
	c.active[operationID] = &txEntry{info: info, resource: res, cancel: cancel}
	delete(c.finished, operationID)
	metrics().activeTransactions.Set(float64(len(c.active)))

	return info, nil
}

// Commit commits the resource and removes the context.
// If the resource fails to commit it is rolled back and the context ends
// rolled back.
func (c *TransactionCoordinator) Commit(ctx context.Context, operationID string) error {
	entry, err := c.take(operationID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, operationID)
	}

	entry.use.Lock()
	defer entry.use.Unlock()
	entry.closed = true

	if entry.resource != nil {
		if err := entry.resource.Commit(ctx); err != nil {
			if rbErr := entry.resource.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				slog.Error("rollback after failed commit",
					"operation_id", operationID,
					"error", rbErr,
				)
			}
			c.finish(entry, TxRolledBack, err)
			return fmt.Errorf("commit %s: %w", operationID, err)
		}
	}

	c.finish(entry, TxCommitted, nil)
	return nil
}

// Rollback rolls back the resource and removes the context.
// Unknown ids are ignored.
func (c *TransactionCoordinator) Rollback(ctx context.Context, operationID string) error {
	entry, err := c.take(operationID)
	if err != nil || entry == nil {
		return err
	}

	entry.use.Lock()
	entry.closed = true
	var rbErr error
	if entry.resource != nil {
		rbErr = entry.resource.Rollback(ctx)
	}
	entry.use.Unlock()

	c.finish(entry, TxRolledBack, rbErr)
	if rbErr != nil {
		return fmt.Errorf("rollback %s: %w", operationID, rbErr)
	}
	return nil
}

// CleanupAll rolls back every active context and returns how many there were.
func (c *TransactionCoordinator) CleanupAll(ctx context.Context) int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := c.Rollback(ctx, id); err != nil {
			slog.Warn("cleanup rollback failed", "operation_id", id, "error", err)
		}
		n++
	}
	if n > 0 {
		slog.Info("rolled back active transactions", "count", n)
	}
	return n
}

// ListActive returns active contexts ordered by start time.
func (c *TransactionCoordinator) ListActive() []TransactionContext {
	c.mu.Lock()
	out := make([]TransactionContext, 0, len(c.active))
	for _, e := range c.active {
		out = append(out, e.info)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].OperationID < out[j].OperationID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Status returns the context for an active or recently finished operation.
func (c *TransactionCoordinator) Status(operationID string) (TransactionContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.active[operationID]; ok {
		return e.info, true
	}
	info, ok := c.finished[operationID]
	return info, ok
}

// ActiveCount returns the number of active contexts.
func (c *TransactionCoordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// take removes and returns the active entry, or nil when absent.
func (c *TransactionCoordinator) take(operationID string) (*txEntry, error) {
	if operationID == "" {
		return nil, errors.New("operation id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.active[operationID]
	if !ok {
		return nil, nil
	}
	delete(c.active, operationID)
	metrics().activeTransactions.Set(float64(len(c.active)))
	return entry, nil
}

func (c *TransactionCoordinator) finish(entry *txEntry, state TxState, err error) {
	if entry.cancel != nil {
		entry.cancel()
	}
	info := entry.info
	info.Active = false
	info.State = state
	info.FinishedAt = c.now().UTC()
	if err != nil {
		info.Error = err.Error()
	}

	c.mu.Lock()
	retain := c.retain
	if retain > 0 {
		c.finished[info.OperationID] = info
	}
	c.mu.Unlock()

	if retain <= 0 {
		return
	}
	time.AfterFunc(retain, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.finished[info.OperationID]; ok && cur.FinishedAt.Equal(info.FinishedAt) {
			delete(c.finished, info.OperationID)
		}
	})
}
