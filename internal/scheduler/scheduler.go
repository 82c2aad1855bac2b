// Package scheduler runs the periodic lifecycle tasks of the blocking
// engine. Each task is independent: a failing or panicking task never
// stops the others.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/metrics"
	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
	"github.com/lfrfrfr/beon-ipshield/pkg/models"
)

// Task names, also used as metric labels
const (
	TaskSweep           = "sweep_expired"
	TaskEvictReputation = "evict_reputation"
	TaskRefreshGeo      = "refresh_geo"
	TaskPruneHistory    = "prune_history"
	TaskExport          = "export_blocklist"
)

// ThreatStore is the part of the threat store the sweep needs
type ThreatStore interface {
	SweepExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*models.BlockStats, error)
}

// ReputationCache is cleared wholesale on eviction
type ReputationCache interface {
	Evict(ctx context.Context) error
}

// GeoRefresher refreshes the geo-threat table
type GeoRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// HistoryPruner drops old violation events
type HistoryPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// FiringPruner drops old rule firing markers
type FiringPruner interface {
	PruneFirings(before time.Time) int
}

// Exporter writes the blocklist snapshot
type Exporter interface {
	Export(ctx context.Context) (int, error)
}

// Tasks holds the collaborators of each task. A nil collaborator disables
// its task.
type Tasks struct {
	Store      ThreatStore
	Reputation ReputationCache
	Geo        GeoRefresher
	History    HistoryPruner
	Firings    FiringPruner
	Exporter   Exporter
}

// Config holds task intervals. A zero interval disables the task.
type Config struct {
	SweepInterval           time.Duration
	ReputationEvictInterval time.Duration
	GeoRefreshInterval      time.Duration
	HistoryPruneInterval    time.Duration
	ExportInterval          time.Duration

	HistoryRetention    time.Duration
	EscalationRetention time.Duration
}

// DefaultConfig returns the default intervals
func DefaultConfig() Config {
	return Config{
		SweepInterval:           time.Hour,
		ReputationEvictInterval: 6 * time.Hour,
		GeoRefreshInterval:      24 * time.Hour,
		HistoryPruneInterval:    time.Hour,
		HistoryRetention:        24 * time.Hour,
		EscalationRetention:     7 * 24 * time.Hour,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source used for retention cutoffs
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.now = clock }
}

// Scheduler runs the lifecycle tasks on cron schedules
type Scheduler struct {
	tasks Tasks
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler
func New(tasks Tasks, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks: tasks,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type job struct {
	name     string
	interval time.Duration
	enabled  bool
	run      func(ctx context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{TaskSweep, s.cfg.SweepInterval, s.tasks.Store != nil, func(ctx context.Context) error {
			_, err := s.RunSweep(ctx)
			return err
		}},
		{TaskEvictReputation, s.cfg.ReputationEvictInterval, s.tasks.Reputation != nil, s.RunEvictReputation},
		{TaskRefreshGeo, s.cfg.GeoRefreshInterval, s.tasks.Geo != nil, func(ctx context.Context) error {
			_, err := s.RunRefreshGeo(ctx)
			return err
		}},
		{TaskPruneHistory, s.cfg.HistoryPruneInterval, s.tasks.History != nil || s.tasks.Firings != nil, func(ctx context.Context) error {
			_, err := s.RunPruneHistory(ctx)
			return err
		}},
		{TaskExport, s.cfg.ExportInterval, s.tasks.Exporter != nil, func(ctx context.Context) error {
			_, err := s.RunExport(ctx)
			return err
		}},
	}
}

// Start schedules every enabled task. Tasks stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	clog := cronLogger{}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)),
	)

	ctx, cancel := context.WithCancel(ctx)

	scheduled := 0
	for _, j := range s.jobs() {
		if !j.enabled || j.interval <= 0 {
			logger.Debug("Scheduler task disabled", zap.String("task", j.name))
			continue
		}
		spec := fmt.Sprintf("@every %s", j.interval)
		if _, err := c.AddFunc(spec, func() {
			// errors are logged and counted by track
			_ = s.track(ctx, j.name, j.run)
		}); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		logger.Info(fmt.Sprintf("Scheduled task %s every %s", j.name, j.interval))
		scheduled++
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true

	logger.Info(fmt.Sprintf("Scheduler started with %d tasks", scheduled))
	return nil
}

// Stop cancels running tasks and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false
	logger.Info("Scheduler stopped")
}

// Running reports whether the scheduler has been started
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// track runs fn with metrics and logging. A panicking task is reported as
// a failed run.
func (s *Scheduler) track(ctx context.Context, task string, fn func(context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task, r)
			elapsed := time.Since(start)
			metrics.RecordSchedulerRun(task, err, elapsed.Seconds())
			logger.Error("Scheduler task panicked", zap.String("task", task), zap.Duration("took", elapsed), zap.Error(err))
		}
	}()

	err = fn(ctx)
	elapsed := time.Since(start)

	metrics.RecordSchedulerRun(task, err, elapsed.Seconds())
	if err != nil {
		logger.Error("Scheduler task failed", zap.String("task", task), zap.Duration("took", elapsed), zap.Error(err))
		return err
	}
	logger.Debug("Scheduler task completed", zap.String("task", task), zap.Duration("took", elapsed))
	return nil
}

// RunSweep deactivates expired entries and refreshes the active gauge
func (s *Scheduler) RunSweep(ctx context.Context) (int, error) {
	if s.tasks.Store == nil {
		return 0, nil
	}
	n, err := s.tasks.Store.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	if n > 0 {
		logger.Info(fmt.Sprintf("Expired %d block entries", n))
	}

	if stats, err := s.tasks.Store.Stats(ctx); err != nil {
		logger.Warn("Failed to refresh active entry gauge", zap.Error(err))
	} else {
		metrics.ActiveEntries.Set(float64(stats.Active))
	}
	return n, nil
}

// RunEvictReputation clears the reputation cache
func (s *Scheduler) RunEvictReputation(ctx context.Context) error {
	if s.tasks.Reputation == nil {
		return nil
	}
	if err := s.tasks.Reputation.Evict(ctx); err != nil {
		return fmt.Errorf("evict reputation cache: %w", err)
	}
	logger.Info("Reputation cache evicted")
	return nil
}

// RunRefreshGeo refreshes the geo-threat table
func (s *Scheduler) RunRefreshGeo(ctx context.Context) (int, error) {
	if s.tasks.Geo == nil {
		return 0, nil
	}
	n, err := s.tasks.Geo.Refresh(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh geo table: %w", err)
	}
	return n, nil
}

// RunPruneHistory drops violation events past the history retention and
// firing markers past the escalation retention
func (s *Scheduler) RunPruneHistory(ctx context.Context) (int, error) {
	now := s.now()
	pruned := 0

	if s.tasks.History != nil && s.cfg.HistoryRetention > 0 {
		n, err := s.tasks.History.Prune(ctx, now.Add(-s.cfg.HistoryRetention))
		if err != nil {
			return 0, fmt.Errorf("prune violation history: %w", err)
		}
		pruned = n
	}

	if s.tasks.Firings != nil && s.cfg.EscalationRetention > 0 {
		if n := s.tasks.Firings.PruneFirings(now.Add(-s.cfg.EscalationRetention)); n > 0 {
			logger.Debug(fmt.Sprintf("Pruned %d rule firing markers", n))
		}
	}

	if pruned > 0 {
		logger.Info(fmt.Sprintf("Pruned %d violation events", pruned))
	}
	return pruned, nil
}

// RunExport writes the blocklist snapshot
func (s *Scheduler) RunExport(ctx context.Context) (int, error) {
	if s.tasks.Exporter == nil {
		return 0, nil
	}
	n, err := s.tasks.Exporter.Export(ctx)
	if err != nil {
		return 0, fmt.Errorf("export blocklist: %w", err)
	}
	return n, nil
}

// cronLogger routes cron's own logging to zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
