package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

func NewDeployTokenTool(d Deployer, defaultKeyRef string) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("deploy_token",
		mcp.WithDescription("Deploy a token contract to a blockchain network. Returns once the deployment transaction is submitted; confirmation and verification progress is reported through notifications."),
		mcp.WithString("token_id",
			mcp.Required(),
			mcp.Description("ID of the token to deploy"),
		),
		mcp.WithString("blockchain",
			mcp.Required(),
			mcp.Description("Target blockchain (e.g. ethereum)"),
		),
		mcp.WithString("environment",
			mcp.Required(),
			mcp.Description("Target environment: mainnet or testnet"),
		),
		mcp.WithString("project_id",
			mcp.Description("Project the token belongs to. Optional, defaults to the token's project."),
		),
		mcp.WithString("key_ref",
			mcp.Description("Reference of the signing key to deploy with. Optional."),
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
		blockchain, err := request.RequireString("blockchain")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("blockchain parameter is required: %v", err)), nil
		}
		environment, err := request.RequireString("environment")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("environment parameter is required: %v", err)), nil
		}

		record, err := d.Deploy(ctx, deployer.DeployRequest{
			ProjectID:   request.GetString("project_id", ""),
			TokenID:     tokenID,
			UserID:      userID,
			Blockchain:  blockchain,
			Environment: models.Environment(environment),
			KeyRef:      request.GetString("key_ref", defaultKeyRef),
		})
		if err != nil {
			return deploymentError("Deployment", err, record), nil
		}

		return textResult("Deployment submitted", map[string]any{
			"deployment": record,
			"message":    fmt.Sprintf("Transaction %s submitted, waiting for confirmations", deref(record.TransactionHash)),
		}), nil
	}

	return tool, handler
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
