package models

import "time"

type DeploymentStatus string

const (
	DeploymentStatusPending            DeploymentStatus = "PENDING"
	DeploymentStatusDeploying          DeploymentStatus = "DEPLOYING"
	DeploymentStatusSuccess            DeploymentStatus = "SUCCESS"
	DeploymentStatusFailed             DeploymentStatus = "FAILED"
	DeploymentStatusVerifying          DeploymentStatus = "VERIFYING"
	DeploymentStatusVerified           DeploymentStatus = "VERIFIED"
	DeploymentStatusVerificationFailed DeploymentStatus = "VERIFICATION_FAILED"
	DeploymentStatusAborted            DeploymentStatus = "ABORTED"
)

// TerminalDeploymentStatuses are the statuses the state machine never leaves
// on its own. SUCCESS may still be followed by the verification sub-flow.
var TerminalDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusSuccess,
	DeploymentStatusFailed,
	DeploymentStatusVerified,
	DeploymentStatusVerificationFailed,
	DeploymentStatusAborted,
}

// ActiveDeploymentStatuses hold a token's active-deployment slot.
var ActiveDeploymentStatuses = []DeploymentStatus{
	DeploymentStatusPending,
	DeploymentStatusDeploying,
}

func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusSuccess, DeploymentStatusFailed, DeploymentStatusVerified,
		DeploymentStatusVerificationFailed, DeploymentStatusAborted:
		return true
	}
	return false
}

// IsDeployed reports whether a contract exists on chain for this status.
func (s DeploymentStatus) IsDeployed() bool {
	switch s {
	case DeploymentStatusSuccess, DeploymentStatusVerifying, DeploymentStatusVerified,
		DeploymentStatusVerificationFailed:
		return true
	}
	return false
}

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:   {DeploymentStatusDeploying, DeploymentStatusFailed, DeploymentStatusAborted},
	DeploymentStatusDeploying: {DeploymentStatusSuccess, DeploymentStatusFailed, DeploymentStatusAborted},
	DeploymentStatusSuccess:   {DeploymentStatusVerifying},
	DeploymentStatusVerifying: {DeploymentStatusVerified, DeploymentStatusVerificationFailed},
}

// CanTransition reports whether from -> to is an edge of the deployment
// state machine.
func (s DeploymentStatus) CanTransition(to DeploymentStatus) bool {
	for _, next := range deploymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DeploymentRecord is one attempt to publish a token contract.
type DeploymentRecord struct {
	ID              uint             `gorm:"primaryKey" json:"id"`
	TokenID         string           `gorm:"index;not null;type:varchar(255)" json:"token_id"`
	ProjectID       string           `gorm:"index;not null;type:varchar(255)" json:"project_id"`
	UserID          string           `gorm:"index;not null;type:varchar(255)" json:"user_id"`
	Blockchain      string           `gorm:"not null" json:"blockchain"`
	Environment     Environment      `gorm:"not null" json:"environment"`
	Status          DeploymentStatus `gorm:"index;not null;default:PENDING" json:"status"`
	DeployerAddress string           `json:"deployer_address,omitempty"`
	TransactionHash *string          `gorm:"index" json:"transaction_hash,omitempty"`
	ContractAddress *string          `gorm:"index" json:"contract_address,omitempty"`
	BlockNumber     *uint64          `json:"block_number,omitempty"`
	GasUsed         *uint64          `json:"gas_used,omitempty"`
	Error           *string          `gorm:"type:text" json:"error,omitempty"`

	VerificationGUID  *string    `json:"verification_guid,omitempty"`
	VerificationError *string    `gorm:"type:text" json:"verification_error,omitempty"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
