package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/services/broker"
	"marketfeed/services/market"
)

// JobsConfig sets the housekeeping job intervals.
type JobsConfig struct {
	MarketInterval   time.Duration `mapstructure:"market_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	ArchiveInterval  time.Duration `mapstructure:"archive_interval"`
	// Bound on one persistence run.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// DefaultJobsConfig returns the job intervals used when none are configured.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		MarketInterval:   30 * time.Second,
		SweepInterval:    10 * time.Minute,
		SnapshotInterval: time.Minute,
		ArchiveInterval:  time.Hour,
		JobTimeout:       30 * time.Second,
	}
}

// MarketView reads cached values without touching upstream sources.
type MarketView interface {
	CachedMarket() *market.MarketSummary
	CachedQuote(symbol string) (*models.Quote, bool)
	CachedBars(symbol string, w models.Window) (*models.BarSeries, bool)
}

type Sweeper interface {
	Sweep() int
}

type SnapshotWriter interface {
	SaveSnapshots(ctx context.Context, quotes []*models.Quote) (int, error)
}

type BarWriter interface {
	SaveMany(ctx context.Context, series []*models.BarSeries) (int, error)
}

type SymbolLister interface {
	Tracked() []string
}

// Scheduler runs the periodic housekeeping jobs around the refresh loops.
type Scheduler struct {
	cron      *gocron.Scheduler
	cfg       JobsConfig
	view      MarketView
	pub       Publisher
	cache     Sweeper
	symbols   SymbolLister
	snapshots SnapshotWriter
	archive   BarWriter
	logger    *slog.Logger
}

// JobsOption configures a Scheduler.
type JobsOption func(*Scheduler)

// WithSnapshots enables the last-quote snapshot job.
func WithSnapshots(w SnapshotWriter) JobsOption { return func(s *Scheduler) { s.snapshots = w } }

// WithBarArchive enables the bar archive job.
func WithBarArchive(w BarWriter) JobsOption { return func(s *Scheduler) { s.archive = w } }

func WithJobsLogger(l *slog.Logger) JobsOption { return func(s *Scheduler) { s.logger = l } }

// NewScheduler creates the housekeeping scheduler. Call Start to run it.
func NewScheduler(cfg JobsConfig, view MarketView, pub Publisher, c Sweeper, symbols SymbolLister, opts ...JobsOption) *Scheduler {
	d := DefaultJobsConfig()
	if cfg.MarketInterval <= 0 {
		cfg.MarketInterval = d.MarketInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = d.SnapshotInterval
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = d.ArchiveInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = d.JobTimeout
	}
	s := &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		cfg:     cfg,
		view:    view,
		pub:     pub,
		cache:   c,
		symbols: symbols,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Component("scheduler")
	}
	return s
}

type job struct {
	tag   string
	every time.Duration
	fn    func()
}

// Start registers every job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.cron.SingletonModeAll()

	jobs := []job{
		{"market_update", s.cfg.MarketInterval, s.publishMarket},
		{"cache_sweep", s.cfg.SweepInterval, s.sweepCache},
	}
	if s.snapshots != nil {
		jobs = append(jobs, job{"quote_snapshots", s.cfg.SnapshotInterval, s.persistSnapshots})
	}
	if s.archive != nil {
		jobs = append(jobs, job{"bar_archive", s.cfg.ArchiveInterval, s.archiveBars})
	}

	for _, j := range jobs {
		if _, err := s.cron.Every(j.every).WaitForSchedule().Tag(j.tag).Do(j.fn); err != nil {
			return fmt.Errorf("schedule %s: %w", j.tag, err)
		}
	}

	s.cron.StartAsync()
	s.logger.Info("scheduler started", slog.Int("jobs", len(jobs)))
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// publishMarket sends the cached index summary while the market topic has listeners.
func (s *Scheduler) publishMarket() {
	if s.pub.SubscriberCount(broker.MarketTopic) == 0 {
		return
	}
	m := s.view.CachedMarket()
	if len(m.Indices) == 0 {
		return
	}
	s.pub.Publish(market.MarketEnvelope(m))
}

func (s *Scheduler) sweepCache() {
	if n := s.cache.Sweep(); n > 0 {
		s.logger.Info("cache swept", slog.Int("evicted", n))
	}
}

func (s *Scheduler) persistSnapshots() {
	var quotes []*models.Quote
	for _, sym := range s.symbols.Tracked() {
		if q, ok := s.view.CachedQuote(sym); ok {
			quotes = append(quotes, q)
		}
	}
	if len(quotes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	n, err := s.snapshots.SaveSnapshots(ctx, quotes)
	if err != nil {
		s.logger.Error("persist snapshots failed", slog.Any("error", err))
		return
	}
	s.logger.Debug("snapshots persisted", slog.Int("written", n), slog.Int("candidates", len(quotes)))
}

func (s *Scheduler) archiveBars() {
	var series []*models.BarSeries
	for _, sym := range s.symbols.Tracked() {
		if bs, ok := s.view.CachedBars(sym, models.DefaultWindow); ok {
			series = append(series, bs)
		}
	}
	if len(series) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	n, err := s.archive.SaveMany(ctx, series)
	if err != nil {
		s.logger.Error("archive bars failed", slog.Any("error", err))
		return
	}
	s.logger.Info("bar series archived", slog.Int("count", n))
}
