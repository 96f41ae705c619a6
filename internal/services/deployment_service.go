package services

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition is returned for an edge the state machine does not have.
	ErrInvalidTransition = errors.New("invalid deployment status transition")
	// ErrStaleTransition is returned when the record is no longer in the
	// expected source status.
	ErrStaleTransition = errors.New("deployment status changed concurrently")
)

type DeploymentService interface {
	CreateDeployment(ctx context.Context, deployment *models.DeploymentRecord) error
	GetDeploymentByID(ctx context.Context, id uint) (*models.DeploymentRecord, error)
	GetLatestDeploymentByToken(ctx context.Context, tokenID string) (*models.DeploymentRecord, error)
	GetDeploymentByTransactionHash(ctx context.Context, txHash string) (*models.DeploymentRecord, error)
	ListDeploymentsByToken(ctx context.Context, tokenID string) ([]models.DeploymentRecord, error)
	ListDeploymentsByUser(ctx context.Context, userID string, limit int) ([]models.DeploymentRecord, error)
	ListDeploymentsByStatus(ctx context.Context, statuses ...models.DeploymentStatus) ([]models.DeploymentRecord, error)
	// TransitionStatus moves a record from one status to the next along a
	// valid edge, applying updates in the same statement.
	TransitionStatus(ctx context.Context, id uint, from, to models.DeploymentStatus, updates map[string]interface{}) error
	// UpdateDeployment writes non-status fields (transaction hash,
	// verification sub-fields).
	UpdateDeployment(ctx context.Context, id uint, updates map[string]interface{}) error
}

type deploymentService struct {
	db *gorm.DB
}

// NewDeploymentService creates a new DeploymentService
func NewDeploymentService(db *gorm.DB) DeploymentService {
	return &deploymentService{db: db}
}

func (s *deploymentService) CreateDeployment(ctx context.Context, deployment *models.DeploymentRecord) error {
	if deployment.Status == "" {
		deployment.Status = models.DeploymentStatusPending
	}
	return s.db.WithContext(ctx).Create(deployment).Error
}

func (s *deploymentService) GetDeploymentByID(ctx context.Context, id uint) (*models.DeploymentRecord, error) {
	var deployment models.DeploymentRecord
	if err := s.db.WithContext(ctx).First(&deployment, id).Error; err != nil {
		return nil, err
	}
	return &deployment, nil
}

// GetLatestDeploymentByToken returns the most recent attempt for a token.
func (s *deploymentService) GetLatestDeploymentByToken(ctx context.Context, tokenID string) (*models.DeploymentRecord, error) {
	var deployment models.DeploymentRecord
	err := s.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Order("id DESC").
		First(&deployment).Error
	if err != nil {
		return nil, err
	}
	return &deployment, nil
}

func (s *deploymentService) GetDeploymentByTransactionHash(ctx context.Context, txHash string) (*models.DeploymentRecord, error) {
	var deployment models.DeploymentRecord
	if err := s.db.WithContext(ctx).Where("transaction_hash = ?", txHash).First(&deployment).Error; err != nil {
		return nil, err
	}
	return &deployment, nil
}

func (s *deploymentService) ListDeploymentsByToken(ctx context.Context, tokenID string) ([]models.DeploymentRecord, error) {
	var deployments []models.DeploymentRecord
	err := s.db.WithContext(ctx).Where("token_id = ?", tokenID).Order("id DESC").Find(&deployments).Error
	return deployments, err
}

func (s *deploymentService) ListDeploymentsByUser(ctx context.Context, userID string, limit int) ([]models.DeploymentRecord, error) {
	var deployments []models.DeploymentRecord
	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&deployments).Error
	return deployments, err
}

func (s *deploymentService) ListDeploymentsByStatus(ctx context.Context, statuses ...models.DeploymentStatus) ([]models.DeploymentRecord, error) {
	var deployments []models.DeploymentRecord
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("id ASC").Find(&deployments).Error
	return deployments, err
}

func (s *deploymentService) TransitionStatus(ctx context.Context, id uint, from, to models.DeploymentStatus, updates map[string]interface{}) error {
	if !from.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}

	values := make(map[string]interface{}, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to

	result := s.db.WithContext(ctx).
		Model(&models.DeploymentRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrStaleTransition, "deployment %d is no longer %s", id, from)
	}
	return nil
}

func (s *deploymentService) UpdateDeployment(ctx context.Context, id uint, updates map[string]interface{}) error {
	if _, ok := updates["status"]; ok {
		return errors.New("status must be changed through TransitionStatus")
	}
	return s.db.WithContext(ctx).Model(&models.DeploymentRecord{}).Where("id = ?", id).Updates(updates).Error
}
