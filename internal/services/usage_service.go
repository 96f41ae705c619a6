package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"gorm.io/gorm"
)

// UsageService persists rate-limit usage rows. It satisfies
// ratelimit.UsageStore.
type UsageService interface {
	CreateUsage(ctx context.Context, usage *models.RateLimitUsage) error
	// CompleteUsage closes the open usage row of a token. Closing an already
	// closed row is a no-op.
	CompleteUsage(ctx context.Context, userID, projectID, tokenID string, outcome models.UsageOutcome, at time.Time) error
	// ListUsageSince returns rows with started_at >= since, oldest first.
	ListUsageSince(ctx context.Context, userID, projectID string, since time.Time) ([]models.RateLimitUsage, error)
	ListOpenUsage(ctx context.Context) ([]models.RateLimitUsage, error)
}

type usageService struct {
	db *gorm.DB
}

func NewUsageService(db *gorm.DB) UsageService {
	return &usageService{db: db}
}

func (s *usageService) CreateUsage(ctx context.Context, usage *models.RateLimitUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.Outcome == "" {
		usage.Outcome = models.UsageOutcomeStarted
	}
	if usage.StartedAt.IsZero() {
		usage.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(usage).Error
}

func (s *usageService) CompleteUsage(ctx context.Context, userID, projectID, tokenID string, outcome models.UsageOutcome, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.RateLimitUsage{}).
		Where("user_id = ? AND project_id = ? AND token_id = ? AND completed_at IS NULL", userID, projectID, tokenID).
		Updates(map[string]interface{}{
			"completed_at": at,
			"outcome":      outcome,
		}).Error
}

func (s *usageService) ListUsageSince(ctx context.Context, userID, projectID string, since time.Time) ([]models.RateLimitUsage, error) {
	var usages []models.RateLimitUsage
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND project_id = ? AND started_at >= ?", userID, projectID, since).
		Order("started_at ASC").
		Find(&usages).Error
	return usages, err
}

func (s *usageService) ListOpenUsage(ctx context.Context) ([]models.RateLimitUsage, error) {
	var usages []models.RateLimitUsage
	err := s.db.WithContext(ctx).Where("completed_at IS NULL").Order("started_at ASC").Find(&usages).Error
	return usages, err
}
