package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/ratelimit"
)

type userIDKey struct{}

// WithUserID attaches the calling user to ctx. Every tool refuses to run
// without one.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey{}).(string)
	return userID, ok && userID != ""
}

// Deployer is satisfied by *deployer.Orchestrator.
type Deployer interface {
	Deploy(ctx context.Context, req deployer.DeployRequest) (*models.DeploymentRecord, error)
	Get(ctx context.Context, tokenID string) (*models.DeploymentRecord, error)
	History(ctx context.Context, tokenID string) ([]models.DeploymentRecord, error)
	Cancel(ctx context.Context, tokenID string) (*models.DeploymentRecord, error)
	IsActive(tokenID string) bool
}

// RateLimits is satisfied by *ratelimit.Limiter.
type RateLimits interface {
	CheckAllowed(ctx context.Context, userID, projectID string) ratelimit.Decision
}

// Notifications is satisfied by *notification.Dispatcher.
type Notifications interface {
	Initialize(ctx context.Context, userID string)
	GetUnreadCount(userID string) int
	ListRecent(userID string, limit, offset int) []models.Notification
	MarkAllRead(userID string) int
}

func requireUser(ctx context.Context) (string, *mcp.CallToolResult) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return "", mcp.NewToolResultError("No authenticated user for this session")
	}
	return userID, nil
}

func textResult(prefix string, payload any) *mcp.CallToolResult {
	resultJSON, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error encoding result: %v", err))
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s: %s", prefix, string(resultJSON)))
}

// deploymentError renders a failed deployment call. Rate limit rejections
// carry the retry hint.
func deploymentError(action string, err error, record *models.DeploymentRecord) *mcp.CallToolResult {
	if rl, ok := deployer.IsRateLimited(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s rejected: %s limit reached, retry after %d seconds", action, rl.Limit, rl.RetryAfterSeconds))
	}
	if record != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v (deployment %d is %s)", action, err, record.ID, record.Status))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err))
}
