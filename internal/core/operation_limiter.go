package core

// operation_limiter.go bounds the imports and exports in flight.
//
// Every running operation pins a storage transaction and a whole dataset.
// Callers past the limit queue for at most maxWait, then get
// ErrTooManyOperations. Shutdown waits on the idle channel, which is closed
// whenever no slot is held.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTooManyOperations is returned when no slot frees up within the wait
// limit. Clients should retry after a short delay.
var ErrTooManyOperations = errors.New("too many concurrent operations, please try again later")

const (
	DefaultMaxConcurrentOperations = 4
	DefaultMaxWaitTime             = 30 * time.Second
)

// OperationLimiter is a counting semaphore with queue accounting.
type OperationLimiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu       sync.Mutex
	active   int
	waiting  int
	rejected int
	lastWait time.Duration
	idle     chan struct{}
}

// NewOperationLimiter allows maxConcurrent operations at once. Non-positive
// arguments select the defaults.
func NewOperationLimiter(maxConcurrent int, maxWait time.Duration) *OperationLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentOperations
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	idle := make(chan struct{})
	close(idle)
	return &OperationLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
		idle:    idle,
	}
}

// Acquire takes a slot, queueing when none is free. The caller must call
// Release when done.
func (l *OperationLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.TryAcquire() {
		return nil
	}

	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		wait := time.Since(start)
		l.mu.Lock()
		l.waiting--
		l.lastWait = wait
		l.take()
		l.mu.Unlock()
		metrics().limiterWait.Observe(wait.Seconds())
		return nil

	case <-ctx.Done():
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
		return ctx.Err()

	case <-timer.C:
		l.mu.Lock()
		l.waiting--
		l.rejected++
		l.mu.Unlock()
		return ErrTooManyOperations
	}
}

// TryAcquire takes a slot without queueing.
func (l *OperationLimiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		l.mu.Lock()
		l.take()
		l.mu.Unlock()
		return true
	default:
		return false
	}
}

// take counts a held slot. l.mu must be held.
func (l *OperationLimiter) take() {
	if l.active == 0 {
		l.idle = make(chan struct{})
	}
	l.active++
	metrics().limiterActive.Set(float64(l.active))
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *OperationLimiter) Release() {
	l.mu.Lock()
	l.active--
	if l.active == 0 {
		close(l.idle)
	}
	metrics().limiterActive.Set(float64(l.active))
	l.mu.Unlock()
	<-l.slots
}

// ActiveCount returns the number of operations holding a slot.
func (l *OperationLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MaxConcurrent returns the slot count.
func (l *OperationLimiter) MaxConcurrent() int { return cap(l.slots) }

// Available returns the number of free slots.
func (l *OperationLimiter) Available() int { return cap(l.slots) - len(l.slots) }

// WaitForDrain blocks until no slot is held or ctx is done.
func (l *OperationLimiter) WaitForDrain(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LimiterStatus is a point-in-time view of the limiter.
type LimiterStatus struct {
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	Available     int   `json:"available"`
	MaxConcurrent int   `json:"max_concurrent"`
	Rejected      int   `json:"rejected"`
	MaxWaitMS     int64 `json:"max_wait_ms"`
	LastWaitMS    int64 `json:"last_wait_ms"`
}

func (l *OperationLimiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStatus{
		Active:        l.active,
		Waiting:       l.waiting,
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
		Rejected:      l.rejected,
		MaxWaitMS:     l.maxWait.Milliseconds(),
		LastWaitMS:    l.lastWait.Milliseconds(),
	}
}
