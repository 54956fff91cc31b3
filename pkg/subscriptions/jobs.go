package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// retainUsageDays is how long daily counters are kept for summaries and
// support queries before the rollover job prunes them
const retainUsageDays = 7

// Jobs runs the recurring maintenance work: the nightly usage rollover,
// deferred downgrade application, and trial expiry.
type Jobs struct {
	cron   *cron.Cron
	svc    Service
	usage  UsageTracker
	logger *observability.Logger
}

// NewJobs creates the job runner. Schedules run in UTC so the usage
// rollover lines up with the counters' UTC day boundary.
func NewJobs(svc Service, usage UsageTracker, logger *observability.Logger) *Jobs {
	return &Jobs{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		svc:    svc,
		usage:  usage,
		logger: logger,
	}
}

// Start registers and starts the schedules
func (j *Jobs) Start() error {
	// Shortly after midnight UTC, once the day's counters have rolled over
	if _, err := j.cron.AddFunc("5 0 * * *", j.pruneUsage); err != nil {
		return fmt.Errorf("failed to schedule usage rollover: %w", err)
	}
	if _, err := j.cron.AddFunc("@hourly", j.applyDowngrades); err != nil {
		return fmt.Errorf("failed to schedule downgrade application: %w", err)
	}
	if _, err := j.cron.AddFunc("30 * * * *", j.expireTrials); err != nil {
		return fmt.Errorf("failed to schedule trial expiry: %w", err)
	}
	j.cron.Start()
	j.logger.Info("subscription maintenance jobs started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("subscription maintenance jobs stopped")
}

func (j *Jobs) pruneUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -retainUsageDays)
	count, err := j.usage.PruneStaleCounters(ctx, cutoff)
	if err != nil {
		j.logger.WithError(err).Error("usage rollover failed")
		return
	}
	j.logger.WithField("pruned", count).Info("usage rollover completed")
}

func (j *Jobs) applyDowngrades() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	count, err := j.svc.ApplyPendingDowngrades(ctx)
	if err != nil {
		j.logger.WithError(err).Error("pending downgrade application failed")
		return
	}
	if count > 0 {
		j.logger.WithField("applied", count).Info("pending downgrades applied")
	}
}

func (j *Jobs) expireTrials() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	count, err := j.svc.ExpireLapsedTrials(ctx)
	if err != nil {
		j.logger.WithError(err).Error("trial expiry failed")
		return
	}
	if count > 0 {
		j.logger.WithField("expired", count).Info("lapsed trials expired")
	}
}
