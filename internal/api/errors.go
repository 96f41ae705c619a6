package api

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/notification"
)

type errorKind struct {
	target error
	status int
	code   string
}

// errorKinds is checked in order; the first match wins.
var errorKinds = []errorKind{
	{deployer.ErrInvalidRequest, fiber.StatusBadRequest, "invalid_request"},
	{ledger.ErrUnsupportedNetwork, fiber.StatusBadRequest, "unsupported_network"},
	{deployer.ErrAlreadyInProgress, fiber.StatusConflict, "already_in_progress"},
	{deployer.ErrAlreadyDeployed, fiber.StatusConflict, "already_deployed"},
	{deployer.ErrCancelTooLate, fiber.StatusConflict, "cancel_too_late"},
	{deployer.ErrNotCancellable, fiber.StatusConflict, "not_cancellable"},
	{deployer.ErrAborted, fiber.StatusConflict, "aborted"},
	{deployer.ErrTokenNotFound, fiber.StatusNotFound, "token_not_found"},
	{deployer.ErrNotFound, fiber.StatusNotFound, "not_found"},
	{notification.ErrNotFound, fiber.StatusNotFound, "not_found"},
	{deployer.ErrKeyUnavailable, fiber.StatusServiceUnavailable, "key_unavailable"},
	{deployer.ErrLedgerTransient, fiber.StatusServiceUnavailable, "ledger_unavailable"},
	{deployer.ErrSubmissionFailed, fiber.StatusBadGateway, "submission_failed"},
	{deployer.ErrRecordPersistence, fiber.StatusInternalServerError, "record_persistence"},
}

func classify(err error) (int, string) {
	for _, kind := range errorKinds {
		if errors.Is(err, kind.target) {
			return kind.status, kind.code
		}
	}
	return fiber.StatusInternalServerError, "internal"
}

// writeError renders err with its status. A deployment record that exists
// despite the error is included in the body.
func writeError(c *fiber.Ctx, err error, record *models.DeploymentRecord) error {
	body := fiber.Map{"error": err.Error()}
	if record != nil {
		body["deployment"] = record
	}

	if rl, ok := deployer.IsRateLimited(err); ok {
		body["code"] = "rate_limited"
		body["limit"] = rl.Limit
		body["reason"] = rl.Reason
		body["retry_after_seconds"] = rl.RetryAfterSeconds
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(rl.RetryAfterSeconds, 10))
		return c.Status(fiber.StatusTooManyRequests).JSON(body)
	}

	status, code := classify(err)
	body["code"] = code
	if status == fiber.StatusInternalServerError {
		log.Error("request failed", "method", c.Method(), "path", c.Path(), "err", err)
	}
	return c.Status(status).JSON(body)
}
