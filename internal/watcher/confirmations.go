package watcher

import (
	"strings"

	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

// DefaultConfirmations is the confirmation depth per blockchain and
// environment. Probabilistic-finality chains wait longer than rollups.
var DefaultConfirmations = map[string]map[models.Environment]uint64{
	"ethereum":  {models.EnvironmentMainnet: 12, models.EnvironmentTestnet: 3},
	"polygon":   {models.EnvironmentMainnet: 64, models.EnvironmentTestnet: 5},
	"bsc":       {models.EnvironmentMainnet: 15, models.EnvironmentTestnet: 3},
	"avalanche": {models.EnvironmentMainnet: 1, models.EnvironmentTestnet: 1},
	"arbitrum":  {models.EnvironmentMainnet: 1, models.EnvironmentTestnet: 1},
	"optimism":  {models.EnvironmentMainnet: 1, models.EnvironmentTestnet: 1},
	"base":      {models.EnvironmentMainnet: 1, models.EnvironmentTestnet: 1},
}

const (
	fallbackMainnetConfirmations = 6
	fallbackTestnetConfirmations = 2
)

// RequiredConfirmations picks override, then the network's configured
// depth, then the default table.
func RequiredConfirmations(network ledger.Network, override uint64) uint64 {
	if override > 0 {
		return override
	}
	if network.Confirmations > 0 {
		return network.Confirmations
	}
	if byEnv, ok := DefaultConfirmations[strings.ToLower(network.Blockchain)]; ok {
		if n, ok := byEnv[network.Environment]; ok {
			return n
		}
	}
	if network.Environment == models.EnvironmentMainnet {
		return fallbackMainnetConfirmations
	}
	return fallbackTestnetConfirmations
}
