package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/api/middleware"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/notification"
	"github.com/rxtech-lab/launchpad-deployer/internal/ratelimit"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/stretchr/testify/suite"
)

type fakeDeployer struct {
	records   map[string]*models.DeploymentRecord
	requests  []deployer.DeployRequest
	deployErr error
	record    *models.DeploymentRecord
	cancelErr error
	cancelled *models.DeploymentRecord
}

func (f *fakeDeployer) Deploy(ctx context.Context, req deployer.DeployRequest) (*models.DeploymentRecord, error) {
	f.requests = append(f.requests, req)
	if f.deployErr != nil {
		return f.record, f.deployErr
	}
	record := &models.DeploymentRecord{
		ID:          7,
		TokenID:     req.TokenID,
		ProjectID:   "project-1",
		UserID:      req.UserID,
		Blockchain:  req.Blockchain,
		Environment: req.Environment,
		Status:      models.DeploymentStatusDeploying,
	}
	f.records[req.TokenID] = record
	return record, nil
}

func (f *fakeDeployer) Get(ctx context.Context, tokenID string) (*models.DeploymentRecord, error) {
	if record, ok := f.records[tokenID]; ok {
		return record, nil
	}
	return nil, errors.Wrapf(deployer.ErrNotFound, "token %s", tokenID)
}

func (f *fakeDeployer) History(ctx context.Context, tokenID string) ([]models.DeploymentRecord, error) {
	if record, ok := f.records[tokenID]; ok {
		return []models.DeploymentRecord{*record}, nil
	}
	return nil, nil
}

func (f *fakeDeployer) Cancel(ctx context.Context, tokenID string) (*models.DeploymentRecord, error) {
	return f.cancelled, f.cancelErr
}

func (f *fakeDeployer) IsActive(tokenID string) bool {
	record, ok := f.records[tokenID]
	return ok && !record.Status.IsTerminal()
}

type fakeLimits struct {
	decision ratelimit.Decision
	project  string
}

func (f *fakeLimits) CheckAllowed(ctx context.Context, userID, projectID string) ratelimit.Decision {
	f.project = projectID
	return f.decision
}

type APIServerTestSuite struct {
	suite.Suite
	ctx           context.Context
	dbService     services.DBService
	deployer      *fakeDeployer
	limits        *fakeLimits
	notifications *notification.Dispatcher
	server        *APIServer
}

func (s *APIServerTestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := services.NewSqliteDBService(":memory:")
	s.Require().NoError(err)
	s.dbService = db

	tokens := services.NewTokenService(db.GetDB())
	s.Require().NoError(tokens.CreateToken(s.ctx, &models.Token{
		ID:        "token-1",
		ProjectID: "project-1",
		UserID:    "user-1",
		Name:      "Test Token",
		Symbol:    "TST",
		Abi:       "[]",
		Bytecode:  "6080",
	}))

	s.notifications, err = notification.New(notification.Config{}, tokens)
	s.Require().NoError(err)
	s.deployer = &fakeDeployer{records: make(map[string]*models.DeploymentRecord)}
	s.limits = &fakeLimits{decision: ratelimit.Decision{Allowed: true}}

	s.server, err = NewAPIServer(Options{
		Deployer:      s.deployer,
		RateLimits:    s.limits,
		Notifications: s.notifications,
		DefaultKeyRef: "default",
	})
	s.Require().NoError(err)
}

func (s *APIServerTestSuite) TearDownTest() {
	s.Require().NoError(s.notifications.Close())
	s.Require().NoError(s.dbService.Close())
}

func (s *APIServerTestSuite) request(method, path, userID, body string) (*http.Response, map[string]interface{}) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	resp, err := s.server.GetFiberApp().Test(req, -1)
	s.Require().NoError(err)

	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	var decoded map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		s.Require().NoError(json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func (s *APIServerTestSuite) TestNewAPIServerRequiresDependencies() {
	_, err := NewAPIServer(Options{Deployer: s.deployer})
	s.Error(err)
}

func (s *APIServerTestSuite) TestHealth() {
	resp, body := s.request(http.MethodGet, "/health", "", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
}

func (s *APIServerTestSuite) TestMetricsArePublic() {
	resp, _ := s.request(http.MethodGet, "/metrics", "", "")
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *APIServerTestSuite) TestRequiresUser() {
	resp, body := s.request(http.MethodGet, "/api/notifications", "", "")
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Contains(body["error"], middleware.UserIDHeader)
}

func (s *APIServerTestSuite) TestDeploy() {
	resp, body := s.request(http.MethodPost, "/api/deployments", "user-1",
		`{"token_id":"token-1","blockchain":"ethereum","environment":"testnet"}`)
	s.Equal(http.StatusAccepted, resp.StatusCode)

	deployment := body["deployment"].(map[string]interface{})
	s.Equal("token-1", deployment["token_id"])
	s.Equal(string(models.DeploymentStatusDeploying), deployment["status"])

	s.Require().Len(s.deployer.requests, 1)
	s.Equal(deployer.DeployRequest{
		TokenID:     "token-1",
		UserID:      "user-1",
		Blockchain:  "ethereum",
		Environment: models.EnvironmentTestnet,
		KeyRef:      "default",
	}, s.deployer.requests[0])
}

func (s *APIServerTestSuite) TestDeployInvalidBody() {
	resp, body := s.request(http.MethodPost, "/api/deployments", "user-1", `{"token_id":`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("invalid_request", body["code"])
	s.Empty(s.deployer.requests)
}

func (s *APIServerTestSuite) TestDeployErrors() {
	failed := &models.DeploymentRecord{ID: 9, TokenID: "token-1", UserID: "user-1", Status: models.DeploymentStatusFailed}
	cases := []struct {
		name   string
		err    error
		record *models.DeploymentRecord
		status int
		code   string
	}{
		{"unsupported network", errors.Wrap(ledger.ErrUnsupportedNetwork, "solana/testnet"), nil, http.StatusBadRequest, "unsupported_network"},
		{"in progress", errors.Wrap(deployer.ErrAlreadyInProgress, "token-1"), nil, http.StatusConflict, "already_in_progress"},
		{"already deployed", deployer.ErrAlreadyDeployed, nil, http.StatusConflict, "already_deployed"},
		{"unknown token", deployer.ErrTokenNotFound, nil, http.StatusNotFound, "token_not_found"},
		{"key unavailable", errors.Wrap(deployer.ErrKeyUnavailable, "default"), failed, http.StatusServiceUnavailable, "key_unavailable"},
		{"submission failed", deployer.ErrSubmissionFailed, failed, http.StatusBadGateway, "submission_failed"},
		{"unexpected", errors.New("boom"), nil, http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.deployer.deployErr = tc.err
			s.deployer.record = tc.record
			resp, body := s.request(http.MethodPost, "/api/deployments", "user-1",
				`{"token_id":"token-1","blockchain":"ethereum","environment":"testnet"}`)
			s.Equal(tc.status, resp.StatusCode)
			s.Equal(tc.code, body["code"])
			if tc.record != nil {
				s.Contains(body, "deployment")
			} else {
				s.NotContains(body, "deployment")
			}
		})
	}
}

func (s *APIServerTestSuite) TestDeployRateLimited() {
	s.deployer.deployErr = &deployer.RateLimitedError{Limit: "concurrent", Reason: "3 deployments in flight", RetryAfterSeconds: 30}
	resp, body := s.request(http.MethodPost, "/api/deployments", "user-1",
		`{"token_id":"token-1","blockchain":"ethereum","environment":"testnet"}`)

	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.Equal("30", resp.Header.Get("Retry-After"))
	s.Equal("rate_limited", body["code"])
	s.Equal("concurrent", body["limit"])
	s.Equal(float64(30), body["retry_after_seconds"])
}

func (s *APIServerTestSuite) TestGetDeployment() {
	s.deployer.records["token-1"] = &models.DeploymentRecord{ID: 1, TokenID: "token-1", UserID: "user-1", Status: models.DeploymentStatusPending}

	resp, body := s.request(http.MethodGet, "/api/deployments/token-1", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["active"])
	s.NotContains(body, "history")

	resp, body = s.request(http.MethodGet, "/api/deployments/token-1?history=true", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Len(body["history"], 1)
}

func (s *APIServerTestSuite) TestGetDeploymentOfOtherUser() {
	s.deployer.records["token-1"] = &models.DeploymentRecord{ID: 1, TokenID: "token-1", UserID: "user-1"}

	resp, body := s.request(http.MethodGet, "/api/deployments/token-1", "user-2", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("not_found", body["code"])

	resp, _ = s.request(http.MethodGet, "/api/deployments/missing", "user-1", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *APIServerTestSuite) TestCancelDeployment() {
	s.deployer.records["token-1"] = &models.DeploymentRecord{ID: 1, TokenID: "token-1", UserID: "user-1", Status: models.DeploymentStatusPending}
	s.deployer.cancelled = &models.DeploymentRecord{ID: 1, TokenID: "token-1", UserID: "user-1", Status: models.DeploymentStatusAborted}

	resp, body := s.request(http.MethodPost, "/api/deployments/token-1/cancel", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["cancelled"])
	s.Equal(string(models.DeploymentStatusAborted), body["deployment"].(map[string]interface{})["status"])

	s.deployer.cancelled = nil
	resp, body = s.request(http.MethodPost, "/api/deployments/token-1/cancel", "user-1", "")
	s.Equal(http.StatusAccepted, resp.StatusCode)
	s.Equal(true, body["cancelled"])

	s.deployer.cancelErr = deployer.ErrCancelTooLate
	resp, body = s.request(http.MethodPost, "/api/deployments/token-1/cancel", "user-1", "")
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("cancel_too_late", body["code"])

	resp, _ = s.request(http.MethodPost, "/api/deployments/token-1/cancel", "user-2", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *APIServerTestSuite) TestRateLimitStatus() {
	s.limits.decision = ratelimit.Decision{Allowed: false, Limit: ratelimit.Limit("project"), Reason: "project limit reached", RetryAfterSeconds: 12}

	resp, body := s.request(http.MethodGet, "/api/rate-limit?project_id=project-1", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["allowed"])
	s.Equal("project", body["limit"])
	s.Equal("project-1", s.limits.project)
}

func (s *APIServerTestSuite) TestNotifications() {
	// the first authenticated request makes the user's feed available
	resp, body := s.request(http.MethodGet, "/api/notifications/unread-count", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(0), body["unread"])

	first, ok := s.notifications.CreateNotification(s.ctx, "token-1", models.NotificationTypeStarted, "Deployment Started", "Deploying TST", "PENDING", nil)
	s.Require().True(ok)
	_, ok = s.notifications.CreateNotification(s.ctx, "token-1", models.NotificationTypeSuccess, "Deployment Successful", "TST is live", "SUCCESS", nil)
	s.Require().True(ok)

	resp, body = s.request(http.MethodGet, "/api/notifications?limit=1", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(2), body["unread"])
	s.Equal(float64(1), body["limit"])
	list := body["notifications"].([]interface{})
	s.Require().Len(list, 1)
	s.Equal("Deployment Successful", list[0].(map[string]interface{})["title"])

	resp, _ = s.request(http.MethodPost, "/api/notifications/"+first.ID+"/read", "user-2", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, body = s.request(http.MethodPost, "/api/notifications/"+first.ID+"/read", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["read"])
	s.Equal(1, s.notifications.GetUnreadCount("user-1"))

	resp, body = s.request(http.MethodPost, "/api/notifications/read-all", "user-1", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(1), body["updated"])

	_, body = s.request(http.MethodGet, "/api/notifications", "user-2", "")
	s.Empty(body["notifications"])
}

func (s *APIServerTestSuite) TestThrottle() {
	server, err := NewAPIServer(Options{
		Deployer:          s.deployer,
		RateLimits:        s.limits,
		Notifications:     s.notifications,
		RequestsPerMinute: 2,
	})
	s.Require().NoError(err)

	get := func(userID string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/api/notifications/unread-count", nil)
		req.Header.Set(middleware.UserIDHeader, userID)
		resp, err := server.GetFiberApp().Test(req, -1)
		s.Require().NoError(err)
		return resp
	}

	s.Equal(http.StatusOK, get("user-1").StatusCode)
	resp := get("user-1")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("0", resp.Header.Get("X-RateLimit-Remaining"))

	resp = get("user-1")
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.NotEmpty(resp.Header.Get("Retry-After"))

	s.Equal(http.StatusOK, get("user-2").StatusCode)
}

func (s *APIServerTestSuite) TestEnableStreamableHttpRequiresServer() {
	s.Error(s.server.EnableStreamableHttp())
}

func TestAPIServerTestSuite(t *testing.T) {
	suite.Run(t, new(APIServerTestSuite))
}
