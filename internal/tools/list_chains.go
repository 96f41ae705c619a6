package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
)

func NewListChainsTool(chainService services.ChainService) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_chains",
		mcp.WithDescription("List the networks tokens can be deployed to with their blockchain, environment and chain id"),
		mcp.WithString("environment",
			mcp.Description("Filter by environment (mainnet, testnet). Optional."),
		),
	)

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		environment := request.GetString("environment", "")

		chains, err := chainService.ListActiveChains(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error listing chains: %v", err)), nil
		}

		var filteredChains []map[string]any
		for _, chain := range chains {
			if environment != "" && string(chain.Environment) != environment {
				continue
			}
			filteredChains = append(filteredChains, map[string]any{
				"name":          chain.Name,
				"blockchain":    chain.Blockchain,
				"environment":   chain.Environment,
				"chain_id":      chain.NetworkID,
				"confirmations": chain.Confirmations,
				"verification":  chain.ExplorerAPIURL != "",
			})
		}

		return textResult("Chains listed", map[string]any{
			"chains": filteredChains,
			"total":  len(filteredChains),
		}), nil
	}

	return tool, handler
}
