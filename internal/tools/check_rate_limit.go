package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func NewCheckRateLimitTool(limits RateLimits) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("check_rate_limit",
		mcp.WithDescription("Check whether a new deployment would be admitted right now, with current usage against the hourly, daily, concurrent and per-project limits."),
		mcp.WithString("project_id",
			mcp.Description("Project to check the per-project limit for. Optional."),
		),
	)

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, errResult := requireUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		decision := limits.CheckAllowed(ctx, userID, request.GetString("project_id", ""))
		return textResult("Rate limit checked", decision), nil
	}

	return tool, handler
}
