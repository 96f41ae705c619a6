package deployer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron"
	"github.com/rxtech-lab/launchpad-deployer/internal/metrics"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

const (
	DefaultReconcileInterval = time.Minute
	DefaultStaleAfter        = 10 * time.Minute

	staleReason = "deployment interrupted before submission"
)

type OpenUsageLister interface {
	ListOpenUsage(ctx context.Context) ([]models.RateLimitUsage, error)
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// StaleAfter is how long a record without a transaction hash may stay
	// PENDING or DEPLOYING before it is failed.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

type ReconcileReport struct {
	ClosedUsage int
	Resumed     int
	Failed      int
}

// Reconciler repairs state that best-effort bookkeeping or a restart left
// behind: open usage rows of finished deployments, submitted deployments
// nobody watches and deployments stuck before submission.
type Reconciler struct {
	orchestrator *Orchestrator
	usage        OpenUsageLister
	interval     time.Duration
	staleAfter   time.Duration
	now          func() time.Time
	scheduler    *gocron.Scheduler
}

func NewReconciler(o *Orchestrator, usage OpenUsageLister, cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		orchestrator: o,
		usage:        usage,
		interval:     cfg.Interval,
		staleAfter:   cfg.StaleAfter,
		now:          time.Now,
		scheduler:    gocron.NewScheduler(time.UTC),
	}
	if r.interval <= 0 {
		r.interval = DefaultReconcileInterval
	}
	if r.staleAfter <= 0 {
		r.staleAfter = DefaultStaleAfter
	}
	return r
}

// Start runs the first pass immediately and then every interval.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.scheduler.Every(r.interval).SingletonMode().Do(func() {
		r.RunOnce(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "failed to schedule reconciliation")
	}
	r.scheduler.StartAsync()
	return nil
}

func (r *Reconciler) Stop() {
	r.scheduler.Stop()
}

func (r *Reconciler) RunOnce(ctx context.Context) ReconcileReport {
	var report ReconcileReport
	report.ClosedUsage = r.closeFinishedUsage(ctx)
	report.Resumed, report.Failed = r.recoverDeployments(ctx)
	if report != (ReconcileReport{}) {
		log.Info("reconciled deployments", "closed_usage", report.ClosedUsage, "resumed", report.Resumed, "failed", report.Failed)
	}
	return report
}

func (r *Reconciler) closeFinishedUsage(ctx context.Context) int {
	o := r.orchestrator
	open, err := r.usage.ListOpenUsage(ctx)
	if err != nil {
		metrics.UsageStoreError("list_open")
		log.Warn("failed to list open usage", "err", err)
		return 0
	}

	closed := 0
	for _, usage := range open {
		if o.IsActive(usage.TokenID) {
			continue
		}
		outcome := models.UsageOutcomeFailed
		record, err := o.deployments.GetLatestDeploymentByToken(ctx, usage.TokenID)
		switch {
		case err == nil && lo.Contains(models.ActiveDeploymentStatuses, record.Status):
			continue
		case err == nil && record.Status.IsDeployed():
			outcome = models.UsageOutcomeCompleted
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			log.Warn("failed to load deployment for usage", "token", usage.TokenID, "err", err)
			continue
		}
		if err := o.limiter.RecordCompletion(ctx, usage.UserID, usage.ProjectID, usage.TokenID, outcome); err != nil {
			log.Warn("failed to close usage", "token", usage.TokenID, "err", err)
			continue
		}
		metrics.ReconcileAction("close_usage")
		closed++
	}
	return closed
}

func (r *Reconciler) recoverDeployments(ctx context.Context) (resumed, failed int) {
	o := r.orchestrator
	records, err := o.deployments.ListDeploymentsByStatus(ctx, models.ActiveDeploymentStatuses...)
	if err != nil {
		log.Warn("failed to list active deployments", "err", err)
		return 0, 0
	}

	now := r.now()
	for i := range records {
		record := records[i]
		if o.IsActive(record.TokenID) {
			continue
		}
		if record.Status == models.DeploymentStatusDeploying && record.TransactionHash != nil && *record.TransactionHash != "" {
			if o.watcher.IsTracking(*record.TransactionHash) {
				continue
			}
			started, err := o.Resume(ctx, record)
			if err != nil {
				log.Warn("failed to resume deployment", "deployment", record.ID, "err", err)
				continue
			}
			if started {
				metrics.ReconcileAction("resume")
				resumed++
			}
			continue
		}
		if now.Sub(record.UpdatedAt) < r.staleAfter {
			continue
		}
		if err := o.failRecord(ctx, &record, staleReason); err != nil {
			log.Warn("failed to fail stale deployment", "deployment", record.ID, "err", err)
			continue
		}
		log.Warn("failed stale deployment", "deployment", record.ID, "token", record.TokenID, "status", record.Status)
		metrics.ReconcileAction("fail_stale")
		failed++
	}
	return resumed, failed
}
