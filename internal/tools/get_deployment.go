package tools

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

// ownedDeployment returns the latest deployment of tokenID when it belongs
// to userID. Other users' deployments are reported as missing.
func ownedDeployment(ctx context.Context, d Deployer, userID, tokenID string) (*models.DeploymentRecord, error) {
	record, err := d.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if record.UserID != userID {
		return nil, errors.Wrapf(deployer.ErrNotFound, "token %s", tokenID)
	}
	return record, nil
}

func NewGetDeploymentTool(d Deployer) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_deployment",
		mcp.WithDescription("Get the latest deployment of a token including status, transaction hash, contract address and verification state."),
		mcp.WithString("token_id",
			mcp.Required(),
			mcp.Description("ID of the token"),
		),
		mcp.WithString("history",
			mcp.Description("Set to true to include every previous deployment attempt (default: false)"),
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

		record, err := ownedDeployment(ctx, d, userID, tokenID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error retrieving deployment: %v", err)), nil
		}

		result := map[string]any{
			"deployment": record,
			"active":     d.IsActive(tokenID),
		}
		if request.GetString("history", "false") == "true" {
			history, err := d.History(ctx, tokenID)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Error retrieving deployment history: %v", err)), nil
			}
			result["history"] = history
		}
		return textResult("Deployment retrieved", result), nil
	}

	return tool, handler
}
