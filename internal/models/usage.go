package models

import "time"

type UsageOutcome string

const (
	UsageOutcomeStarted   UsageOutcome = "started"
	UsageOutcomeCompleted UsageOutcome = "completed"
	UsageOutcomeFailed    UsageOutcome = "failed"
)

// RateLimitUsage is the quota accounting row for one deployment attempt.
// Windows count by StartedAt; an attempt is in flight while CompletedAt is nil.
type RateLimitUsage struct {
	ID          string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID      string       `gorm:"index:idx_usage_key;not null;type:varchar(255)" json:"user_id"`
	ProjectID   string       `gorm:"index:idx_usage_key;not null;type:varchar(255)" json:"project_id"`
	TokenID     string       `gorm:"index;not null;type:varchar(255)" json:"token_id"`
	StartedAt   time.Time    `gorm:"index;not null" json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Outcome     UsageOutcome `gorm:"not null;default:started" json:"outcome"`
}
