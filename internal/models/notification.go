package models

import "time"

type NotificationType string

const (
	NotificationTypeStarted       NotificationType = "started"
	NotificationTypeProgress      NotificationType = "progress"
	NotificationTypeSuccess       NotificationType = "success"
	NotificationTypeFailed        NotificationType = "failed"
	NotificationTypeContractEvent NotificationType = "contract_event"
)

// Notification is one entry of a user's feed. Only Read changes after
// creation.
type Notification struct {
	ID        string           `json:"id"`
	TokenID   string           `json:"token_id"`
	UserID    string           `json:"user_id"`
	ProjectID string           `json:"project_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Status    string           `json:"status,omitempty"`
	Data      JSON             `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
}
