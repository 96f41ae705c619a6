package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/api/middleware"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

func (s *APIServer) handleListNotifications(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultNotificationLimit)
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	userID := middleware.GetUserID(c)
	return c.JSON(fiber.Map{
		"notifications": s.notifications.ListRecent(userID, limit, offset),
		"unread":        s.notifications.GetUnreadCount(userID),
		"limit":         limit,
		"offset":        offset,
	})
}

func (s *APIServer) handleUnreadCount(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"unread": s.notifications.GetUnreadCount(middleware.GetUserID(c))})
}

func (s *APIServer) handleMarkRead(c *fiber.Ctx) error {
	if err := s.notifications.MarkRead(middleware.GetUserID(c), c.Params("id")); err != nil {
		return writeError(c, err, nil)
	}
	return c.JSON(fiber.Map{"read": true})
}

func (s *APIServer) handleMarkAllRead(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"updated": s.notifications.MarkAllRead(middleware.GetUserID(c))})
}
