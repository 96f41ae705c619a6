package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/rxtech-lab/launchpad-deployer/internal/tools"
)

type Deps struct {
	Deployer      tools.Deployer
	RateLimits    tools.RateLimits
	Notifications tools.Notifications
	Chains        services.ChainService
	// DefaultKeyRef signs deployments whose request names no key.
	DefaultKeyRef string
}

type MCPServer struct {
	server *server.MCPServer
}

func NewMCPServer(deps Deps) *MCPServer {
	mcpServer := &MCPServer{}
	mcpServer.InitializeTools(deps)
	return mcpServer
}

func (s *MCPServer) InitializeTools(deps Deps) {
	srv := server.NewMCPServer(
		"Launchpad Deployer MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
	)

	srv.AddPrompt(mcp.NewPrompt("launchpad-deployer-usage",
		mcp.WithPromptDescription("Instructions and guidance for using launchpad deployer MCP tools"),
		mcp.WithArgument("tool_category",
			mcp.ArgumentDescription("Category of tools to get instructions for (deployment, limits, notifications, or all)"),
			mcp.RequiredArgument(),
		),
	), func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		category := request.Params.Arguments["tool_category"]
		if category == "" {
			return nil, fmt.Errorf("tool_category is required")
		}

		return mcp.NewGetPromptResult(
			fmt.Sprintf("Launchpad Deployer Tools - %s", category),
			[]mcp.PromptMessage{
				mcp.NewPromptMessage(
					mcp.RoleUser,
					mcp.NewTextContent(getToolInstructions(category)),
				),
			},
		), nil
	})

	// Deployment Tools
	deployTool, deployHandler := tools.NewDeployTokenTool(deps.Deployer, deps.DefaultKeyRef)
	srv.AddTool(deployTool, deployHandler)

	getDeploymentTool, getDeploymentHandler := tools.NewGetDeploymentTool(deps.Deployer)
	srv.AddTool(getDeploymentTool, getDeploymentHandler)

	cancelTool, cancelHandler := tools.NewCancelDeploymentTool(deps.Deployer)
	srv.AddTool(cancelTool, cancelHandler)

	if deps.Chains != nil {
		listChainsTool, listChainsHandler := tools.NewListChainsTool(deps.Chains)
		srv.AddTool(listChainsTool, listChainsHandler)
	}

	// Admission
	rateLimitTool, rateLimitHandler := tools.NewCheckRateLimitTool(deps.RateLimits)
	srv.AddTool(rateLimitTool, rateLimitHandler)

	// Notifications
	notificationsTool, notificationsHandler := tools.NewListNotificationsTool(deps.Notifications)
	srv.AddTool(notificationsTool, notificationsHandler)

	s.server = srv
}

func getToolInstructions(category string) string {
	switch category {
	case "deployment":
		return `Deployment Tools:

1. list_chains - List the networks tokens can be deployed to
   Usage: Find the blockchain and environment values accepted by deploy_token

2. deploy_token - Deploy a token contract
   Usage: Returns once the transaction is submitted. Confirmation and source
   verification continue in the background and are reported as notifications.

3. get_deployment - Get the latest deployment of a token
   Usage: Pass history=true to see every previous attempt

4. cancel_deployment - Cancel a deployment before its transaction is broadcast`

	case "limits":
		return `Rate Limit Tools:

1. check_rate_limit - Check whether a new deployment would be admitted
   Usage: Shows hourly, daily, concurrent and per-project usage. A rejected
   deployment reports how many seconds to wait before retrying.`

	case "notifications":
		return `Notification Tools:

1. list_notifications - List recent deployment notifications, newest first
   Usage: Use limit and offset to page, mark_read=true to clear the unread count`

	case "all":
		return `Launchpad Deployer Tools Overview:

DEPLOYMENT (4 tools):
- list_chains: Networks available for deployment
- deploy_token: Deploy a token contract
- get_deployment: Deployment status and history
- cancel_deployment: Cancel a pending deployment

LIMITS (1 tool):
- check_rate_limit: Current usage and admission decision

NOTIFICATIONS (1 tool):
- list_notifications: Deployment progress feed

Private keys never leave the server. Deployments are signed with the key
referenced by key_ref.`

	default:
		return `Invalid category. Available categories: deployment, limits, notifications, all`
	}
}

// StreamableHTTPHandler serves the tools over streamable HTTP. Requests must
// already be authenticated; the caller is read from userHeader.
func (s *MCPServer) StreamableHTTPHandler(userHeader string) http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if userID := strings.TrimSpace(r.Header.Get(userHeader)); userID != "" {
				return tools.WithUserID(ctx, userID)
			}
			return ctx
		}),
	)
}

// StartStdioServer serves the tools on stdin/stdout on behalf of userID.
func (s *MCPServer) StartStdioServer(userID string) error {
	return server.ServeStdio(s.server,
		server.WithStdioContextFunc(func(ctx context.Context) context.Context {
			return tools.WithUserID(ctx, userID)
		}),
	)
}

func (s *MCPServer) GetServer() *server.MCPServer {
	return s.server
}
