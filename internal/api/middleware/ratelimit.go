package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

var log = logging.New("api")

var ErrTooManyRequests = errors.New("err_limit_exceeded")

// RateLimitMiddleware throttles each caller to requestsPerMinute. Callers are
// keyed by user id once authenticated, by IP otherwise.
func RateLimitMiddleware(requestsPerMinute int64) (fiber.Handler, error) {
	rate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", requestsPerMinute))
	if err != nil {
		return nil, errors.Wrap(err, "invalid request rate")
	}
	instance := limiter.New(memory.NewStore(), rate)

	return func(c *fiber.Ctx) error {
		key := GetUserID(c)
		if key == "" {
			key = c.IP()
		}
		limit, err := instance.Get(c.UserContext(), key)
		if err != nil {
			log.Warn("request limiter unavailable", "key", key, "err", err)
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.FormatInt(limit.Limit, 10))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(limit.Remaining, 10))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(limit.Reset, 10))
		if limit.Reached {
			retryAfter := time.Until(time.Unix(limit.Reset, 0))
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": ErrTooManyRequests.Error(),
			})
		}
		return c.Next()
	}, nil
}
