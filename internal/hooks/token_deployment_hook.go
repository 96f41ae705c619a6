package hooks

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
)

// TokenDeploymentHook writes the deployed contract address back onto the
// token.
type TokenDeploymentHook struct {
	tokens services.TokenService
	now    func() time.Time
}

// CanHandle implements Hook.
func (t *TokenDeploymentHook) CanHandle(status models.DeploymentStatus) bool {
	return status == models.DeploymentStatusSuccess
}

// OnDeploymentStatus implements Hook.
func (t *TokenDeploymentHook) OnDeploymentStatus(ctx context.Context, record models.DeploymentRecord) error {
	if record.ContractAddress == nil || *record.ContractAddress == "" {
		return errors.Newf("deployment %d succeeded without a contract address", record.ID)
	}
	return t.tokens.MarkTokenDeployed(ctx, record.TokenID, *record.ContractAddress, t.now())
}

func NewTokenDeploymentHook(tokens services.TokenService) services.Hook {
	return &TokenDeploymentHook{
		tokens: tokens,
		now:    time.Now,
	}
}
