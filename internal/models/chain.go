package models

import (
	"time"

	"gorm.io/gorm"
)

// Chain is a network the service can deploy to, keyed by blockchain and
// environment.
type Chain struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	Name                string         `gorm:"uniqueIndex;not null" json:"name"`
	Blockchain          string         `gorm:"index:idx_chain_network;not null" json:"blockchain"`
	Environment         Environment    `gorm:"index:idx_chain_network;not null" json:"environment"`
	NetworkID           string         `gorm:"column:chain_id;not null" json:"chain_id"` // e.g. "1" for Ethereum mainnet
	RPC                 string         `gorm:"not null" json:"rpc"`
	WSURL               string         `json:"ws_url,omitempty"`
	Confirmations       uint64         `json:"confirmations"`
	ExplorerAPIURL      string         `json:"explorer_api_url,omitempty"`
	ExplorerAPIKey      string         `json:"-"`
	PollIntervalSeconds int            `json:"poll_interval_seconds"`
	RPS                 float64        `json:"rps"`
	IsActive            bool           `gorm:"default:true" json:"is_active"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}
