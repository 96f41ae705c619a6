package services

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"gorm.io/gorm"
)

type TokenService interface {
	CreateToken(ctx context.Context, token *models.Token) error
	GetToken(ctx context.Context, id string) (*models.Token, error)
	GetTokenByContractAddress(ctx context.Context, contractAddress string) (*models.Token, error)
	ListDeployedTokens(ctx context.Context) ([]models.Token, error)
	MarkTokenDeployed(ctx context.Context, id string, contractAddress string, deployedAt time.Time) error
}

type createTokenArgs struct {
	ID        string `validate:"required"`
	ProjectID string `validate:"required"`
	UserID    string `validate:"required"`
	Name      string `validate:"required"`
	Symbol    string `validate:"required"`
	Owner     string `validate:"omitempty,eth_addr"`
	Supply    string `validate:"omitempty,numeric"`
}

type tokenService struct {
	db        *gorm.DB
	validator *validator.Validate
}

func NewTokenService(db *gorm.DB) TokenService {
	return &tokenService{db: db, validator: validator.New()}
}

func (s *tokenService) CreateToken(ctx context.Context, token *models.Token) error {
	err := s.validator.Struct(createTokenArgs{
		ID:        token.ID,
		ProjectID: token.ProjectID,
		UserID:    token.UserID,
		Name:      token.Name,
		Symbol:    token.Symbol,
		Owner:     token.Owner,
		Supply:    token.InitialSupply,
	})
	if err != nil {
		return err
	}
	if token.SourceCode == "" && (token.Abi == "" || token.Bytecode == "") {
		return errors.New("token needs either source code or abi and bytecode")
	}
	return s.db.WithContext(ctx).Create(token).Error
}

func (s *tokenService) GetToken(ctx context.Context, id string) (*models.Token, error) {
	var token models.Token
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

// GetTokenByContractAddress matches addresses case-insensitively.
func (s *tokenService) GetTokenByContractAddress(ctx context.Context, contractAddress string) (*models.Token, error) {
	var token models.Token
	err := s.db.WithContext(ctx).
		Where("LOWER(contract_address) = ?", strings.ToLower(contractAddress)).
		First(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *tokenService) ListDeployedTokens(ctx context.Context) ([]models.Token, error) {
	var tokens []models.Token
	err := s.db.WithContext(ctx).Where("contract_address IS NOT NULL AND contract_address <> ''").Find(&tokens).Error
	return tokens, err
}

func (s *tokenService) MarkTokenDeployed(ctx context.Context, id string, contractAddress string, deployedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Token{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"contract_address": contractAddress,
			"deployed_at":      deployedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
