package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func NewCancelDeploymentTool(d Deployer) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("cancel_deployment",
		mcp.WithDescription("Cancel a token deployment that has not been submitted to the network yet. Deployments whose transaction is already being broadcast cannot be cancelled."),
		mcp.WithString("token_id",
			mcp.Required(),
			mcp.Description("ID of the token whose deployment should be cancelled"),
		),
	)

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, errResult := requireUser(ctx)
		if errResult != nil {
			return errResult, nil
		}
		tokenID, err := request.RequireString("token_id")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("token_id parameter is required: %v", err)), nil
		}

		if _, err := ownedDeployment(ctx, d, userID, tokenID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error retrieving deployment: %v", err)), nil
		}
		record, err := d.Cancel(ctx, tokenID)
		if err != nil {
			return deploymentError("Cancellation", err, record), nil
		}

		result := map[string]any{"cancelled": true}
		if record != nil {
			result["deployment"] = record
		}
		return textResult("Deployment cancelled", result), nil
	}

	return tool, handler
}
