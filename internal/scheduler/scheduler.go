package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/clock"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	notificationdomain "github.com/smallbiznis/keyforge/internal/notification/domain"
	obscontext "github.com/smallbiznis/keyforge/internal/observability/context"
	obsmetrics "github.com/smallbiznis/keyforge/internal/observability/metrics"
	"github.com/smallbiznis/keyforge/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobResumeStalledFulfillments = "resume_stalled_fulfillments"
	JobRetryFailedNotifications  = "retry_failed_notifications"

	lockKeyPrefix = "keyforge:scheduler:"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Fulfillment   fulfillmentdomain.Service
	Notifications notificationdomain.Service
	Locker        *ratelimit.Locker `optional:"true"`
	Config        Config            `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	fulfillment   fulfillmentdomain.Service
	notifications notificationdomain.Service
	locker        *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Fulfillment == nil || p.Notifications == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		fulfillment:   p.Fulfillment,
		notifications: p.Notifications,
		locker:        p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()

	release, err := s.acquireLeader(ctx, name)
	if err != nil {
		schedMetrics.IncJobError(name, err)
		if errors.Is(err, obsmetrics.ErrLockUnavailable) {
			log.Debug("job skipped, another replica holds the lock")
			return nil
		}
		log.Warn("job lock failed", zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	defer release()

	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics.IncJobRun(name)

	err = fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquireLeader takes the job's redis lock. Without redis every replica runs
// every job, which stays correct because each job claims rows itself.
func (s *Scheduler) acquireLeader(ctx context.Context, job string) (func(), error) {
	if !s.locker.Enabled() {
		return func() {}, nil
	}
	key := lockKeyPrefix + job
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, obsmetrics.ErrLockUnavailable
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("failed to release scheduler lock", zap.String("job", job), zap.Error(err))
		}
	}, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobResumeStalledFulfillments, s.ResumeStalledFulfillmentsJob},
		{JobRetryFailedNotifications, s.RetryFailedNotificationsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ResumeStalledFulfillmentsJob re-drives charges whose fulfillment never
// finished, either because the worker died holding the lease or because
// the event was stored but never picked up.
func (s *Scheduler) ResumeStalledFulfillmentsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobResumeStalledFulfillments, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	chargeIDs, err := s.fulfillment.ListStalled(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	resumed := 0
	for _, chargeID := range chargeIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		chargeCtx := obscontext.WithChargeID(ctx, chargeID)

		res, err := s.fulfillment.Resume(chargeCtx, chargeID)
		var dup *fulfillmentdomain.DuplicateEventError
		switch {
		case err == nil:
			resumed++
			s.logger(chargeCtx).Info("fulfillment resumed",
				zap.String("order_id", res.OrderID.String()),
				zap.String("state", string(res.State)),
			)
		case errors.As(err, &dup):
			run.AddSkipped(1)
		case errors.Is(err, fulfillmentdomain.ErrFulfillmentInProgress):
			run.AddSkipped(1)
		default:
			s.logSchedulerError(chargeCtx, run, "fulfillment resume failed", JobResumeStalledFulfillments, err)
		}
	}

	run.AddProcessed(resumed)
	obsmetrics.Scheduler().AddBatchProcessed(JobResumeStalledFulfillments, "charge", resumed)
	return nil
}

// RetryFailedNotificationsJob redelivers keys for completed orders whose
// email never went out.
func (s *Scheduler) RetryFailedNotificationsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryFailedNotifications, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	res, err := s.notifications.RetryFailed(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	run.AddProcessed(res.Delivered)
	obsmetrics.Scheduler().AddBatchProcessed(JobRetryFailedNotifications, "order", res.Delivered)
	if res.Failed > 0 {
		s.logger(ctx).Warn("notification retries failed",
			zap.Int("attempted", res.Attempted),
			zap.Int("failed", res.Failed),
		)
	}
	return nil
}
