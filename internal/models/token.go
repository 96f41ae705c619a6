package models

import "time"

// Token is the configuration a deployment publishes. Either SourceCode or
// Abi plus Bytecode must be set.
type Token struct {
	ID              string     `gorm:"primaryKey;type:varchar(255)" json:"id"`
	ProjectID       string     `gorm:"index;not null;type:varchar(255)" json:"project_id"`
	UserID          string     `gorm:"index;not null;type:varchar(255)" json:"user_id"`
	Name            string     `gorm:"not null" json:"name"`
	Symbol          string     `gorm:"not null" json:"symbol"`
	Decimals        uint8      `gorm:"default:18" json:"decimals"`
	InitialSupply   string     `json:"initial_supply"` // whole tokens, scaled by Decimals at encode time
	Owner           string     `json:"owner,omitempty"`
	ContractName    string     `json:"contract_name"`
	CompilerVersion string     `json:"compiler_version,omitempty"`
	SourceCode      string     `gorm:"type:text" json:"source_code,omitempty"`
	Abi             string     `gorm:"type:text" json:"abi,omitempty"`
	Bytecode        string     `gorm:"type:text" json:"bytecode,omitempty"`
	ConstructorArgs []any      `gorm:"serializer:json" json:"constructor_args,omitempty"`
	ContractAddress *string    `gorm:"index" json:"contract_address,omitempty"`
	DeployedAt      *time.Time `json:"deployed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
