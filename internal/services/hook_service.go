package services

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

type HookService interface {
	AddHook(hook Hook) error
	OnDeploymentStatus(ctx context.Context, record models.DeploymentRecord) error
}

type hookService struct {
	mu    sync.RWMutex
	hooks []Hook
}

func NewHookService() HookService {
	return &hookService{
		hooks: []Hook{},
	}
}

func (h *hookService) AddHook(hook Hook) error {
	if hook == nil {
		return errors.New("hook is nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook)
	return nil
}

// OnDeploymentStatus runs every matching hook in registration order and
// stops at the first error.
func (h *hookService) OnDeploymentStatus(ctx context.Context, record models.DeploymentRecord) error {
	h.mu.RLock()
	hooks := append([]Hook(nil), h.hooks...)
	h.mu.RUnlock()

	for _, hook := range hooks {
		if !hook.CanHandle(record.Status) {
			continue
		}
		if err := hook.OnDeploymentStatus(ctx, record); err != nil {
			return errors.Wrapf(err, "hook failed for deployment %d", record.ID)
		}
	}
	return nil
}
