package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/utils"
)

// UserIDHeader carries the caller's id. With JWT authentication it is
// overwritten with the token subject before the request reaches a handler.
const UserIDHeader = "X-User-ID"

const (
	localsUser   = "user"
	localsUserID = "user_id"
)

// AuthConfig holds configuration for the auth middleware
type AuthConfig struct {
	// ResourceID is the expected audience for token validation
	ResourceID string
	// JWTAuthenticator validates bearer tokens. Without it the caller is
	// identified by UserIDHeader, which is only suitable behind a trusted
	// proxy or for local development.
	JWTAuthenticator *utils.JwtAuthenticator
	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string
	// SkipWellKnown determines if .well-known endpoints should bypass auth
	SkipWellKnown bool
	// OnAuthenticated runs once the caller is known.
	OnAuthenticated func(c *fiber.Ctx, userID string)
}

// DefaultAuthConfig provides default configuration
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		SkipWellKnown: true,
	}
}

// AuthMiddleware returns a Fiber middleware that identifies the caller
func AuthMiddleware(config ...AuthConfig) fiber.Handler {
	cfg := DefaultAuthConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	return func(c *fiber.Ctx) error {
		// Allow public access to well-known endpoints for metadata discovery
		if cfg.SkipWellKnown && strings.Contains(c.Path(), ".well-known") {
			return c.Next()
		}

		var userID string
		if cfg.JWTAuthenticator != nil {
			authHeader := c.Get(fiber.HeaderAuthorization)
			var token string
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			}
			if token == "" {
				challenge := `Bearer realm="OAuth"`
				if cfg.ResourceMetadataURL != "" {
					challenge += `, resource_metadata="` + cfg.ResourceMetadataURL + `"`
				}
				c.Set(fiber.HeaderWWWAuthenticate, challenge)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Missing or invalid Bearer token",
				})
			}

			user, err := cfg.JWTAuthenticator.ValidateToken(token)
			if err != nil {
				c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="Access to protected resource"`)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error":   "Invalid token",
					"details": err.Error(),
				})
			}
			if cfg.ResourceID != "" && !hasAudience(user, cfg.ResourceID) {
				c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="Access to protected resource"`)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid audience",
				})
			}
			if user.Sub == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Token has no subject",
				})
			}
			c.Locals(localsUser, user)
			userID = user.Sub
		} else {
			userID = strings.TrimSpace(c.Get(UserIDHeader))
			if userID == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Missing " + UserIDHeader + " header",
				})
			}
		}

		c.Locals(localsUserID, userID)
		c.Request().Header.Set(UserIDHeader, userID)
		if cfg.OnAuthenticated != nil {
			cfg.OnAuthenticated(c, userID)
		}
		return c.Next()
	}
}

func hasAudience(user *utils.AuthenticatedUser, audience string) bool {
	for _, aud := range user.Aud {
		if aud == audience {
			return true
		}
	}
	return false
}

// GetAuthenticatedUser retrieves the JWT user from Fiber context
// Returns nil if no user is found or if user is not of correct type
func GetAuthenticatedUser(c *fiber.Ctx) *utils.AuthenticatedUser {
	user, ok := c.Locals(localsUser).(*utils.AuthenticatedUser)
	if !ok {
		return nil
	}
	return user
}

// GetUserID returns the id of the authenticated caller, or "" before
// AuthMiddleware ran.
func GetUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals(localsUserID).(string)
	return userID
}
