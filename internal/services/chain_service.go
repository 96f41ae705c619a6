package services

import (
	"context"

	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChainService handles chain-related operations
type ChainService interface {
	CreateChain(ctx context.Context, chain *models.Chain) error
	// UpsertChain inserts a chain or replaces the one with the same name.
	UpsertChain(ctx context.Context, chain *models.Chain) error
	GetChain(ctx context.Context, blockchain string, environment models.Environment) (*models.Chain, error)
	ListActiveChains(ctx context.Context) ([]models.Chain, error)
	ListChains(ctx context.Context) ([]models.Chain, error)
}

type chainService struct {
	db *gorm.DB
}

// NewChainService creates a new ChainService
func NewChainService(db *gorm.DB) ChainService {
	return &chainService{db: db}
}

func (s *chainService) CreateChain(ctx context.Context, chain *models.Chain) error {
	return s.db.WithContext(ctx).Create(chain).Error
}

func (s *chainService) UpsertChain(ctx context.Context, chain *models.Chain) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"blockchain", "environment", "chain_id", "rpc", "ws_url", "confirmations",
			"explorer_api_url", "explorer_api_key", "poll_interval_seconds", "rps", "is_active", "updated_at",
		}),
	}).Create(chain).Error
}

func (s *chainService) GetChain(ctx context.Context, blockchain string, environment models.Environment) (*models.Chain, error) {
	var chain models.Chain
	err := s.db.WithContext(ctx).
		Where("blockchain = ? AND environment = ? AND is_active = ?", blockchain, environment, true).
		First(&chain).Error
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (s *chainService) ListActiveChains(ctx context.Context) ([]models.Chain, error) {
	var chains []models.Chain
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("name").Find(&chains).Error
	return chains, err
}

// ListChains returns all chains
func (s *chainService) ListChains(ctx context.Context) ([]models.Chain, error) {
	var chains []models.Chain
	err := s.db.WithContext(ctx).Order("name").Find(&chains).Error
	return chains, err
}
