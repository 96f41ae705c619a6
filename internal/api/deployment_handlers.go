package api

import (
	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/api/middleware"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

type deployBody struct {
	TokenID     string             `json:"token_id"`
	ProjectID   string             `json:"project_id"`
	Blockchain  string             `json:"blockchain"`
	Environment models.Environment `json:"environment"`
	KeyRef      string             `json:"key_ref"`
}

// handleDeploy starts a deployment and answers once its transaction is
// submitted; progress is reported through notifications.
func (s *APIServer) handleDeploy(c *fiber.Ctx) error {
	var body deployBody
	if err := c.BodyParser(&body); err != nil {
		return writeError(c, errors.Mark(errors.Wrap(err, "invalid request body"), deployer.ErrInvalidRequest), nil)
	}
	keyRef := body.KeyRef
	if keyRef == "" {
		keyRef = s.defaultKeyRef
	}

	record, err := s.deployer.Deploy(c.UserContext(), deployer.DeployRequest{
		ProjectID:   body.ProjectID,
		TokenID:     body.TokenID,
		UserID:      middleware.GetUserID(c),
		Blockchain:  body.Blockchain,
		Environment: body.Environment,
		KeyRef:      keyRef,
	})
	if err != nil {
		return writeError(c, err, record)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"deployment": record})
}

// ownedDeployment loads the latest deployment of a token owned by the
// caller. Deployments of other users are reported as missing.
func (s *APIServer) ownedDeployment(c *fiber.Ctx) (*models.DeploymentRecord, error) {
	tokenID := c.Params("tokenId")
	record, err := s.deployer.Get(c.UserContext(), tokenID)
	if err != nil {
		return nil, err
	}
	if record.UserID != middleware.GetUserID(c) {
		return nil, errors.Wrapf(deployer.ErrNotFound, "token %s", tokenID)
	}
	return record, nil
}

func (s *APIServer) handleGetDeployment(c *fiber.Ctx) error {
	record, err := s.ownedDeployment(c)
	if err != nil {
		return writeError(c, err, nil)
	}
	response := fiber.Map{
		"deployment": record,
		"active":     s.deployer.IsActive(record.TokenID),
	}
	if c.QueryBool("history") {
		history, err := s.deployer.History(c.UserContext(), record.TokenID)
		if err != nil {
			return writeError(c, err, nil)
		}
		response["history"] = history
	}
	return c.JSON(response)
}

func (s *APIServer) handleCancelDeployment(c *fiber.Ctx) error {
	if _, err := s.ownedDeployment(c); err != nil {
		return writeError(c, err, nil)
	}
	record, err := s.deployer.Cancel(c.UserContext(), c.Params("tokenId"))
	if err != nil {
		return writeError(c, err, record)
	}
	if record == nil {
		// cancelled before a record was written
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"cancelled": true})
	}
	return c.JSON(fiber.Map{"cancelled": true, "deployment": record})
}

func (s *APIServer) handleRateLimit(c *fiber.Ctx) error {
	decision := s.rateLimits.CheckAllowed(c.UserContext(), middleware.GetUserID(c), c.Query("project_id"))
	return c.JSON(decision)
}
