package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultOperationTimeout is the default upper bound for a single
// operation. Callers may impose a shorter deadline through ctx.
const DefaultOperationTimeout = 10 * time.Minute

// DefaultResultRetention is how long finished results stay queryable.
const DefaultResultRetention = 30 * time.Minute

// Service is the import/export engine. It composes the validator, the
// dependency resolver, the conflict resolver and the transaction coordinator
// around a Store.
type Service struct {
	reg       *Registry
	store     Store
	validator *Validator
	deps      *DependencyResolver
	conflicts *ConflictResolver
	tx        *TransactionCoordinator
	limiter   *OperationLimiter
	audit     AuditSink
	now       func() time.Time
	logger    *slog.Logger

	rules      []BusinessRule
	errorLimit int
	retention  time.Duration
	timeout    time.Duration

	mu      sync.RWMutex
	results map[string]*OperationResult
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAuditSink sets where audit entries go.
func WithAuditSink(sink AuditSink) ServiceOption {
	return func(s *Service) { s.audit = sink }
}

// WithServiceClock overrides the clock for timestamps and versioning.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithLimiter caps concurrent operations.
func WithLimiter(l *OperationLimiter) ServiceOption {
	return func(s *Service) { s.limiter = l }
}

// WithCoordinator shares a transaction coordinator between services.
func WithCoordinator(c *TransactionCoordinator) ServiceOption {
	return func(s *Service) { s.tx = c }
}

// WithRules registers business rules with the validator.
func WithRules(rules ...BusinessRule) ServiceOption {
	return func(s *Service) { s.rules = append(s.rules, rules...) }
}

// WithServiceErrorLimit sets the per-kind validation error ceiling.
func WithServiceErrorLimit(n int) ServiceOption {
	return func(s *Service) { s.errorLimit = n }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithResultRetention sets how long finished results are kept.
func WithResultRetention(d time.Duration) ServiceOption {
	return func(s *Service) { s.retention = d }
}

// WithOperationTimeout bounds each import, preview and export.
// Zero or less disables the bound.
func WithOperationTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.timeout = d }
}

// NewService creates a Service over reg and store.
func NewService(reg *Registry, store Store, opts ...ServiceOption) *Service {
	s := &Service{
		reg:        reg,
		store:      store,
		now:        time.Now,
		logger:     slog.Default(),
		errorLimit: DefaultErrorLimit,
		retention:  DefaultResultRetention,
		timeout:    DefaultOperationTimeout,
		results:    make(map[string]*OperationResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = NewTransactionCoordinator()
	}
	s.validator = NewValidator(reg,
		WithBusinessRules(s.rules...),
		WithErrorLimit(s.errorLimit),
		WithValidatorLogger(s.logger),
	)
	s.deps = NewDependencyResolver(reg)
	s.conflicts = NewConflictResolver(reg, WithClock(s.now))
	return s
}

// Registry returns the schema registry.
func (s *Service) Registry() *Registry { return s.reg }

// Validator returns the record validator.
func (s *Service) Validator() *Validator { return s.validator }

// Coordinator returns the transaction coordinator.
func (s *Service) Coordinator() *TransactionCoordinator { return s.tx }

// Limiter returns the operation limiter, or nil.
func (s *Service) Limiter() *OperationLimiter { return s.limiter }

// Operation returns the result of a recent operation.
func (s *Service) Operation(id string) (*OperationResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

// Operations returns recent results, newest first.
func (s *Service) Operations() []*OperationResult {
	s.mu.RLock()
	out := make([]*OperationResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Rollback aborts an active operation. Unknown ids are ignored.
func (s *Service) Rollback(ctx context.Context, operationID string) error {
	return s.tx.Rollback(ctx, operationID)
}

// Shutdown rolls back anything still active and waits for running
// operations to release their limiter slots.
func (s *Service) Shutdown(ctx context.Context) error {
	s.tx.CleanupAll(ctx)
	if s.limiter != nil {
		return s.limiter.WaitForDrain(ctx)
	}
	return nil
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	if s.limiter == nil {
		return func() {}, nil
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return s.limiter.Release, nil
}

// bound applies the operation timeout to ctx.
func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func newOperationID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// finish stamps duration, publishes metrics and keeps the result queryable.
func (s *Service) finish(res *OperationResult) {
	res.Duration = s.now().Sub(res.StartedAt)
	metrics().observe(res)

	s.mu.Lock()
	s.results[res.OperationID] = res
	s.mu.Unlock()

	s.cleanup(res.OperationID, res.StartedAt, s.retention)
}

// cleanup removes a result from tracking after a delay.
func (s *Service) cleanup(id string, started time.Time, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r, ok := s.results[id]; ok && r.StartedAt.Equal(started) {
			delete(s.results, id)
		}
	})
}

func (s *Service) recordAudit(ctx context.Context, logger *slog.Logger, entries []AuditEntry) {
	if s.audit == nil || len(entries) == 0 {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), entries); err != nil {
		logger.Warn("audit sink failed", "entries", len(entries), "error", err)
	}
}
