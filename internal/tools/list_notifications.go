package tools

import (
	"context"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func NewListNotificationsTool(notifications Notifications) (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_notifications",
		mcp.WithDescription("List your most recent deployment notifications, newest first, with the unread count."),
		mcp.WithString("limit",
			mcp.Description("Number of notifications to return (default: 20, max: 100)"),
		),
		mcp.WithString("offset",
			mcp.Description("Number of notifications to skip (default: 0)"),
		),
		mcp.WithString("mark_read",
			mcp.Description("Set to true to mark every notification as read after listing (default: false)"),
		),
	)

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, errResult := requireUser(ctx)
		if errResult != nil {
			return errResult, nil
		}

		limit, err := strconv.Atoi(request.GetString("limit", "20"))
		if err != nil || limit < 1 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		offset, err := strconv.Atoi(request.GetString("offset", "0"))
		if err != nil || offset < 0 {
			offset = 0
		}

		notifications.Initialize(ctx, userID)
		list := notifications.ListRecent(userID, limit, offset)
		result := map[string]any{
			"notifications": list,
			"count":         len(list),
			"unread":        notifications.GetUnreadCount(userID),
		}
		if request.GetString("mark_read", "false") == "true" {
			result["marked_read"] = notifications.MarkAllRead(userID)
			result["unread"] = 0
		}
		return textResult("Notifications listed", result), nil
	}

	return tool, handler
}
