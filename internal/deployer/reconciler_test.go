package deployer

import (
	"time"

	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

func (s *OrchestratorTestSuite) insertRecord(tokenID string, status models.DeploymentStatus, hash string) *models.DeploymentRecord {
	record := &models.DeploymentRecord{
		TokenID:         tokenID,
		ProjectID:       testProject,
		UserID:          testUser,
		Blockchain:      testBlockchain,
		Environment:     models.EnvironmentTestnet,
		Status:          status,
		DeployerAddress: testKeyAddress,
	}
	if hash != "" {
		record.TransactionHash = &hash
	}
	s.Require().NoError(s.deployments.CreateDeployment(s.ctx, record))
	return record
}

func (s *OrchestratorTestSuite) openUsageRow(tokenID string) {
	s.Require().NoError(s.usage.CreateUsage(s.ctx, &models.RateLimitUsage{
		UserID:    testUser,
		ProjectID: testProject,
		TokenID:   tokenID,
		StartedAt: time.Now().Add(-time.Minute),
		Outcome:   models.UsageOutcomeStarted,
	}))
}

func (s *OrchestratorTestSuite) TestReconcileClosesUsageOfFinishedDeployments() {
	o := s.start(s.deps())
	s.createToken("token-2")
	s.createToken("token-3")
	s.insertRecord("token-1", models.DeploymentStatusVerified, "")
	s.insertRecord("token-2", models.DeploymentStatusFailed, "")
	s.openUsageRow("token-1")
	s.openUsageRow("token-2")
	// no record at all
	s.openUsageRow("token-3")

	report := NewReconciler(o, s.usage, ReconcilerConfig{}).RunOnce(s.ctx)
	s.Equal(3, report.ClosedUsage)
	s.Equal(0, s.openUsage())

	usage, err := s.usage.ListUsageSince(s.ctx, testUser, testProject, time.Now().Add(-time.Hour))
	s.Require().NoError(err)
	outcomes := map[string]models.UsageOutcome{}
	for _, u := range usage {
		outcomes[u.TokenID] = u.Outcome
	}
	s.Equal(models.UsageOutcomeCompleted, outcomes["token-1"])
	s.Equal(models.UsageOutcomeFailed, outcomes["token-2"])
	s.Equal(models.UsageOutcomeFailed, outcomes["token-3"])
}

func (s *OrchestratorTestSuite) TestReconcileLeavesRunningDeploymentsAlone() {
	o := s.start(s.deps())

	_, err := o.Deploy(s.ctx, request("token-1"))
	s.Require().NoError(err)

	report := NewReconciler(o, s.usage, ReconcilerConfig{}).RunOnce(s.ctx)
	s.Equal(ReconcileReport{}, report)
	s.Equal(1, s.openUsage())
	s.Equal(models.DeploymentStatusDeploying, s.status("token-1"))
}

func (s *OrchestratorTestSuite) TestReconcileResumesSubmittedDeployments() {
	o := s.start(s.deps())
	hash := "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
	s.insertRecord("token-1", models.DeploymentStatusDeploying, hash)
	s.openUsageRow("token-1")

	report := NewReconciler(o, s.usage, ReconcilerConfig{}).RunOnce(s.ctx)
	s.Equal(1, report.Resumed)
	s.True(s.watcher.IsTracking(hash))
	s.True(o.IsActive("token-1"))

	s.adapter.Include(hash, 20, true, testContract)
	s.adapter.SetHeight(20)
	s.Eventually(func() bool { return s.status("token-1") == models.DeploymentStatusSuccess }, waitFor, eventuallyEvery)
	s.Eventually(func() bool { return s.openUsage() == 0 }, waitFor, eventuallyEvery)

	// a second pass finds nothing to do
	s.Equal(ReconcileReport{}, NewReconciler(o, s.usage, ReconcilerConfig{}).RunOnce(s.ctx))
}

func (s *OrchestratorTestSuite) TestReconcileFailsStaleDeployments() {
	o := s.start(s.deps())
	s.createToken("token-2")
	s.insertRecord("token-1", models.DeploymentStatusDeploying, "")
	s.insertRecord("token-2", models.DeploymentStatusPending, "")

	r := NewReconciler(o, s.usage, ReconcilerConfig{StaleAfter: time.Minute})
	s.Equal(0, r.RunOnce(s.ctx).Failed)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	s.Equal(2, r.RunOnce(s.ctx).Failed)

	for _, tokenID := range []string{"token-1", "token-2"} {
		record, err := o.Get(s.ctx, tokenID)
		s.Require().NoError(err)
		s.Equal(models.DeploymentStatusFailed, record.Status)
		s.Require().NotNil(record.Error)
		s.Equal(staleReason, *record.Error)
	}
	s.Eventually(func() bool { return s.events.count(isFailed) == 2 }, waitFor, eventuallyEvery)
}

func (s *OrchestratorTestSuite) TestReconcilerSchedule() {
	o := s.start(s.deps())
	s.insertRecord("token-1", models.DeploymentStatusFailed, "")
	s.openUsageRow("token-1")

	r := NewReconciler(o, s.usage, ReconcilerConfig{Interval: time.Hour})
	s.Require().NoError(r.Start(s.ctx))
	defer r.Stop()

	s.Eventually(func() bool { return s.openUsage() == 0 }, waitFor, 10*time.Millisecond)
}
