package server

import (
	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/hooks"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
	"gorm.io/gorm"
)

// Services are the database-backed services shared by the deployer, the API
// and the MCP tools.
type Services struct {
	Tokens      services.TokenService
	Deployments services.DeploymentService
	Chains      services.ChainService
	Usage       services.UsageService
	Payloads    services.EvmService
	Hooks       services.HookService
}

func InitializeServices(db *gorm.DB) Services {
	return Services{
		Tokens:      services.NewTokenService(db),
		Deployments: services.NewDeploymentService(db),
		Chains:      services.NewChainService(db),
		Usage:       services.NewUsageService(db),
		Payloads:    services.NewEvmService(),
		Hooks:       services.NewHookService(),
	}
}

func InitializeHooks(tokens services.TokenService, pollers []*watcher.LogPoller) (services.Hook, *hooks.ContractWatchHook) {
	tokenDeploymentHook := hooks.NewTokenDeploymentHook(tokens)
	contractWatchHook := hooks.NewContractWatchHook(pollers...)

	return tokenDeploymentHook, contractWatchHook
}

func RegisterHooks(hookService services.HookService, registered ...services.Hook) error {
	for _, hook := range registered {
		if err := hookService.AddHook(hook); err != nil {
			return errors.Wrap(err, "failed to register deployment hook")
		}
	}
	return nil
}
