package deployer

import "github.com/rxtech-lab/launchpad-deployer/internal/models"

// Event is published for every deployment status transition. The concrete
// types are StatusChanged, DeploymentSucceeded and DeploymentFailed.
type Event interface {
	Record() models.DeploymentRecord
	isDeploymentEvent()
}

// StatusChanged is published for every transition, terminal or not.
// Previous is empty for a freshly created record.
type StatusChanged struct {
	Deployment models.DeploymentRecord
	Previous   models.DeploymentStatus
}

// DeploymentSucceeded follows the StatusChanged of a SUCCESS transition.
type DeploymentSucceeded struct {
	Deployment models.DeploymentRecord
}

// DeploymentFailed follows the StatusChanged of a FAILED or ABORTED
// transition.
type DeploymentFailed struct {
	Deployment models.DeploymentRecord
	Reason     string
}

func (e StatusChanged) Record() models.DeploymentRecord       { return e.Deployment }
func (e DeploymentSucceeded) Record() models.DeploymentRecord { return e.Deployment }
func (e DeploymentFailed) Record() models.DeploymentRecord    { return e.Deployment }

func (StatusChanged) isDeploymentEvent()       {}
func (DeploymentSucceeded) isDeploymentEvent() {}
func (DeploymentFailed) isDeploymentEvent()    {}
