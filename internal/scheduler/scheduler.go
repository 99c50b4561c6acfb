package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/domain"
	"golang.org/x/sync/singleflight"
)

// defaultRunTimeout bounds one scheduled run of one user
const defaultRunTimeout = 5 * time.Minute

type SyncRunner interface {
	RunSync(ctx context.Context, userID int64, opts domain.SyncOptions) (*domain.SyncRunResult, error)
}

type UserLister interface {
	ListConnectedUserIDs(ctx context.Context) ([]int64, error)
}

type RunPublisher interface {
	PublishRun(userID int64, result *domain.SyncRunResult, err error)
}

type RunNotifier interface {
	NotifyRun(userID int64, result *domain.SyncRunResult, err error) error
}

// Scheduler runs syncs on a cron schedule and on demand. At most one run per
// user is in flight; concurrent callers for the same user share its outcome.
type Scheduler struct {
	cron       *cron.Cron
	spec       string
	runner     SyncRunner
	users      UserLister
	publisher  RunPublisher
	notifier   RunNotifier
	group      singleflight.Group
	runTimeout time.Duration
	logger     *slog.Logger
}

func New(cfg *config.Config, runner SyncRunner, users UserLister, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	location := cfg.Timezone
	if location == nil {
		location = time.UTC
	}

	cl := cronLogger{logger: logger.With("component", "cron")}
	c := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)

	return &Scheduler{
		cron:       c,
		spec:       cfg.SyncCron,
		runner:     runner,
		users:      users,
		runTimeout: defaultRunTimeout,
		logger:     logger,
	}
}

func (s *Scheduler) SetPublisher(p RunPublisher) {
	s.publisher = p
}

func (s *Scheduler) SetNotifier(n RunNotifier) {
	s.notifier = n
}

// Start registers the sync job and blocks until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.SyncAll(ctx) }); err != nil {
		return fmt.Errorf("add sync job %q: %w", s.spec, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec, "tz", s.cron.Location().String())

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// SyncAll runs a default sync for every connected user, one after another
func (s *Scheduler) SyncAll(ctx context.Context) {
	ids, err := s.users.ListConnectedUserIDs(ctx)
	if err != nil {
		s.logger.Error("list connected users", "err", err)
		return
	}

	for _, userID := range ids {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		_, _ = s.RunNow(runCtx, userID, domain.SyncOptions{})
		cancel()
	}
}

type outcome struct {
	result *domain.SyncRunResult
	err    error
}

// RunNow runs a sync for one user. A caller that arrives while a run for the
// same user is in flight gets that run's outcome, whatever its options.
func (s *Scheduler) RunNow(ctx context.Context, userID int64, opts domain.SyncOptions) (*domain.SyncRunResult, error) {
	v, _, shared := s.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		result, err := s.runner.RunSync(ctx, userID, opts)
		s.report(userID, result, err)
		return outcome{result: result, err: err}, nil
	})
	if shared {
		s.logger.Debug("joined running sync", "user_id", userID)
	}
	out := v.(outcome)
	return out.result, out.err
}

func (s *Scheduler) report(userID int64, result *domain.SyncRunResult, err error) {
	if s.publisher != nil {
		s.publisher.PublishRun(userID, result, err)
	}

	failed := err != nil || (result != nil && result.HasErrors())
	if !failed || s.notifier == nil {
		return
	}
	if nerr := s.notifier.NotifyRun(userID, result, err); nerr != nil {
		s.logger.Warn("sync notification failed", "user_id", userID, "err", nerr)
	}
}
