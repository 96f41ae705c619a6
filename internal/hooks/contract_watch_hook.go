package hooks

import (
	"context"

	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
)

var log = logging.New("hooks")

// watchedStatuses are the statuses of a record whose contract exists on
// chain.
var watchedStatuses = []models.DeploymentStatus{
	models.DeploymentStatusSuccess,
	models.DeploymentStatusVerifying,
	models.DeploymentStatusVerified,
	models.DeploymentStatusVerificationFailed,
}

// ContractWatchHook starts log polling for a freshly deployed contract on
// the poller of its network.
type ContractWatchHook struct {
	pollers map[string]*watcher.LogPoller
}

func NewContractWatchHook(pollers ...*watcher.LogPoller) *ContractWatchHook {
	h := &ContractWatchHook{pollers: make(map[string]*watcher.LogPoller, len(pollers))}
	for _, p := range pollers {
		h.pollers[p.Network().Key()] = p
	}
	return h
}

// CanHandle implements Hook.
func (h *ContractWatchHook) CanHandle(status models.DeploymentStatus) bool {
	return status == models.DeploymentStatusSuccess
}

// OnDeploymentStatus implements Hook.
func (h *ContractWatchHook) OnDeploymentStatus(ctx context.Context, record models.DeploymentRecord) error {
	_, err := h.watch(record)
	return err
}

// Restore watches every contract that was deployed before the process
// started and returns how many are watched.
func (h *ContractWatchHook) Restore(ctx context.Context, deployments services.DeploymentService) (int, error) {
	records, err := deployments.ListDeploymentsByStatus(ctx, watchedStatuses...)
	if err != nil {
		return 0, err
	}
	watched := 0
	for _, record := range records {
		ok, err := h.watch(record)
		if err != nil {
			log.Warn("failed to watch deployed contract", "deployment", record.ID, "err", err)
			continue
		}
		if ok {
			watched++
		}
	}
	return watched, nil
}

func (h *ContractWatchHook) watch(record models.DeploymentRecord) (bool, error) {
	if record.ContractAddress == nil {
		return false, nil
	}
	key := ledger.Network{Blockchain: record.Blockchain, Environment: record.Environment}.Key()
	poller, ok := h.pollers[key]
	if !ok {
		log.Debug("no log poller for network", "blockchain", record.Blockchain, "environment", record.Environment)
		return false, nil
	}
	if err := poller.Watch(*record.ContractAddress); err != nil {
		return false, err
	}
	return true, nil
}
