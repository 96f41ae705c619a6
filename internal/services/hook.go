package services

import (
	"context"

	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

// Hook is used to perform actions when a deployment reaches a status
type Hook interface {
	// CanHandle is used to check if the hook wants records in this status
	CanHandle(status models.DeploymentStatus) bool
	// OnDeploymentStatus is called after the record has been persisted in its new status
	OnDeploymentStatus(ctx context.Context, record models.DeploymentRecord) error
}
