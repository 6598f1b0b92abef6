// Package scheduler runs periodic exports.
//
// Each job exports the store on a cron schedule and writes a timestamped
// file into the export directory, e.g. "nightly-20240601T020000Z.json". CSV
// jobs write a directory of per-kind files under the same name. A failed run
// is logged and the schedule continues; overlapping runs of one job are
// skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// Exporter is the part of core.Service a job needs.
type Exporter interface {
	Export(ctx context.Context, opts core.ExportOptions) (core.Dataset, *core.OperationResult, error)
}

// Job describes one scheduled export.
type Job struct {
	Name     string // File name prefix; letters, digits, '-' and '_'
	Schedule string // Standard five-field cron expression or descriptor ("@daily")
	Format   codec.Format
	Options  core.ExportOptions
}

var jobName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	ErrInvalidJob = errors.New("invalid job")
	ErrExport     = errors.New("export failed")
)

// Run is the outcome of one job execution.
type Run struct {
	Job    string
	Path   string
	Result *core.OperationResult
	Err    error
	At     time.Time
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	exp    Exporter
	codec  *codec.Codec
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	last    map[string]Run
	onRun   func(Run)
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the clock used for file names.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRunHook registers a callback invoked after every run.
func WithRunHook(f func(Run)) Option {
	return func(s *Scheduler) { s.onRun = f }
}

// New creates a scheduler writing into dir.
func New(exp Exporter, c *codec.Codec, dir string, opts ...Option) *Scheduler {
	s := &Scheduler{
		exp:    exp,
		codec:  c,
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    context.Background(),
		last:   make(map[string]Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))
	return s
}

// Add registers job. It may be called before or after Start.
func (s *Scheduler) Add(job Job) error {
	if !jobName.MatchString(job.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidJob, job.Name)
	}
	format, err := codec.ParseFormat(string(job.Format))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJob, job.Name, err)
	}
	job.Format = format
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("%w: %s: schedule %q: %v", ErrInvalidJob, job.Name, job.Schedule, err)
	}
	_, err = s.cron.AddFunc(job.Schedule, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_, _ = s.RunOnce(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJob, job.Name, err)
	}
	s.logger.Info("export job scheduled", "job", job.Name, "schedule", job.Schedule, "format", job.Format)
	return nil
}

// Start runs the cron loop until ctx is cancelled, then waits for running
// jobs to finish. Jobs see ctx, so cancellation also aborts an export in
// flight.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("export scheduler started", "jobs", len(s.cron.Entries()), "dir", s.dir)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("export scheduler stopped")
}

// RunOnce exports and writes one file for job now.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (Run, error) {
	start := s.now()
	run := Run{Job: job.Name, At: start}
	logger := s.logger.With("job", job.Name)
	logger.Debug("export job started")

	ds, res, err := s.exp.Export(ctx, job.Options)
	run.Result = res
	switch {
	case err != nil:
		run.Err = err
	case res != nil && !res.Success:
		run.Err = fmt.Errorf("%w: %d errors", ErrExport, len(res.Errors))
	default:
		run.Path = s.path(job, start)
		if werr := s.codec.WriteFile(job.Format, run.Path, ds, nil); werr != nil {
			run.Err = werr
			run.Path = ""
		}
	}

	if run.Err != nil {
		logger.Error("export job failed", "error", run.Err)
	} else {
		logger.Info("export job completed",
			"path", run.Path,
			"records", res.Totals().Created,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	s.mu.Lock()
	s.last[job.Name] = run
	hook := s.onRun
	s.mu.Unlock()
	if hook != nil {
		hook(run)
	}
	return run, run.Err
}

// Last returns the most recent run of each job.
func (s *Scheduler) Last() map[string]Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Run, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// Next returns the next activation time of every job. Times are zero
// until Start.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) path(job Job, at time.Time) string {
	name := job.Name + "-" + at.UTC().Format("20060102T150405Z")
	if job.Format != codec.FormatCSV {
		name += "." + string(job.Format)
	}
	return filepath.Join(s.dir, name)
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
