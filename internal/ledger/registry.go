package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

// Registry maps (blockchain, environment) to an Adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(adapter Adapter) error {
	key := adapter.Network().Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[key]; exists {
		return errors.Newf("network %s already registered", key)
	}
	r.adapters[key] = adapter
	return nil
}

func (r *Registry) Get(blockchain string, environment models.Environment) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[networkKey(blockchain, environment)]
	if !ok {
		return nil, errors.Mark(errors.Newf("no adapter for %s %s", blockchain, environment), ErrUnsupportedNetwork)
	}
	return adapter, nil
}

// Networks lists registered networks ordered by key.
func (r *Registry) Networks() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	networks := make([]Network, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		networks = append(networks, adapter.Network())
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].Key() < networks[j].Key() })
	return networks
}

// Close closes adapters that hold connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, adapter := range r.adapters {
		if closer, ok := adapter.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.adapters, key)
	}
}

// Connect dials an EVMAdapter for every active chain. A chain that cannot be
// reached is logged and skipped so one bad RPC does not take down the rest.
func Connect(ctx context.Context, chains []models.Chain) (*Registry, error) {
	registry := NewRegistry()
	for _, chain := range chains {
		if !chain.IsActive {
			continue
		}
		network, err := NetworkFromChain(chain)
		if err != nil {
			return nil, err
		}
		adapter, err := NewEVMAdapter(ctx, network)
		if err != nil {
			log.Error("failed to connect network", "network", chain.Name, "err", err)
			continue
		}
		if err := registry.Register(adapter); err != nil {
			adapter.Close()
			return nil, err
		}
	}
	return registry, nil
}
