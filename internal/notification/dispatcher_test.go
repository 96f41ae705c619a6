package notification

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/events"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
	"github.com/stretchr/testify/suite"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type DispatcherTestSuite struct {
	suite.Suite
	ctx        context.Context
	db         services.DBService
	tokens     services.TokenService
	dispatcher *Dispatcher
	clock      time.Time
}

func (s *DispatcherTestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := services.NewSqliteDBService(":memory:")
	s.Require().NoError(err)
	s.db = db
	s.tokens = services.NewTokenService(db.GetDB())
	s.createToken("token-1", "user-1", "project-1")
	s.createToken("token-2", "user-2", "project-2")
	s.dispatcher = s.newDispatcher(Config{})
}

func (s *DispatcherTestSuite) TearDownTest() {
	s.Require().NoError(s.dispatcher.Close())
	s.Require().NoError(s.db.Close())
}

func (s *DispatcherTestSuite) newDispatcher(cfg Config) *Dispatcher {
	d, err := New(cfg, s.tokens)
	s.Require().NoError(err)
	s.clock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time {
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}
	return d
}

func (s *DispatcherTestSuite) createToken(id, userID, projectID string) {
	s.Require().NoError(s.tokens.CreateToken(s.ctx, &models.Token{
		ID:        id,
		ProjectID: projectID,
		UserID:    userID,
		Name:      "Test Token",
		Symbol:    "TST",
		Decimals:  18,
		Abi:       "[]",
		Bytecode:  "6080",
	}))
}

func (s *DispatcherTestSuite) notify(tokenID, message string) models.Notification {
	n, created := s.dispatcher.CreateNotification(s.ctx, tokenID, models.NotificationTypeProgress, "Progress", message, "DEPLOYING", nil)
	s.Require().True(created)
	return n
}

func record(tokenID string, status models.DeploymentStatus) models.DeploymentRecord {
	contract := testContract
	return models.DeploymentRecord{
		ID:              7,
		TokenID:         tokenID,
		ProjectID:       "project-1",
		UserID:          "user-1",
		Blockchain:      "ethereum",
		Environment:     models.EnvironmentTestnet,
		Status:          status,
		ContractAddress: &contract,
	}
}

func (s *DispatcherTestSuite) TestCreateNotificationResolvesOwner() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	n := s.notify("token-1", "hello")

	s.Equal("user-1", n.UserID)
	s.Equal("project-1", n.ProjectID)
	s.NotEmpty(n.ID)

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 1)
	s.Equal(n.ID, list[0].ID)
	s.False(list[0].Read)
	s.Equal(1, s.dispatcher.GetUnreadCount("user-1"))
}

func (s *DispatcherTestSuite) TestBufferedUntilUserIsInitialized() {
	s.notify("token-1", "early")
	s.Empty(s.dispatcher.ListRecent("user-1", 10, 0))
	s.Equal(0, s.dispatcher.GetUnreadCount("user-1"))

	s.dispatcher.Initialize(s.ctx, "user-1")
	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 1)
	s.Equal("early", list[0].Message)

	// initializing twice does not replay anything
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.Len(s.dispatcher.ListRecent("user-1", 10, 0), 1)
}

func (s *DispatcherTestSuite) TestUnresolvedOwnerIsRetried() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	n, created := s.dispatcher.CreateNotification(s.ctx, "token-late", models.NotificationTypeStarted, "Started", "late token", "", nil)
	s.True(created)
	s.Empty(n.UserID)
	s.Empty(s.dispatcher.ListRecent("user-1", 10, 0))

	s.createToken("token-late", "user-1", "project-1")
	s.dispatcher.Initialize(s.ctx, "user-1")

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 1)
	s.Equal("token-late", list[0].TokenID)
	s.Equal("user-1", list[0].UserID)
}

func (s *DispatcherTestSuite) TestDuplicatesAreDropped() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.notify("token-1", "same")
	_, created := s.dispatcher.CreateNotification(s.ctx, "token-1", models.NotificationTypeProgress, "Progress", "same", "DEPLOYING", nil)
	s.False(created)
	s.notify("token-1", "different")

	s.Len(s.dispatcher.ListRecent("user-1", 10, 0), 2)
}

func (s *DispatcherTestSuite) TestDuplicatesOutsideWindowAreKept() {
	s.Require().NoError(s.dispatcher.Close())
	s.dispatcher = s.newDispatcher(Config{DedupeWindow: 500 * time.Millisecond})
	s.dispatcher.Initialize(s.ctx, "user-1")

	s.notify("token-1", "same")
	s.notify("token-1", "same")
	s.Len(s.dispatcher.ListRecent("user-1", 10, 0), 2)
}

func (s *DispatcherTestSuite) TestListRecentNewestFirstWithPaging() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	for _, msg := range []string{"1", "2", "3", "4", "5"} {
		s.notify("token-1", msg)
	}

	all := s.dispatcher.ListRecent("user-1", 0, 0)
	s.Require().Len(all, 5)
	s.Equal("5", all[0].Message)
	s.Equal("1", all[4].Message)
	s.True(all[0].Timestamp.After(all[1].Timestamp))

	page := s.dispatcher.ListRecent("user-1", 2, 1)
	s.Require().Len(page, 2)
	s.Equal("4", page[0].Message)
	s.Equal("3", page[1].Message)

	s.Empty(s.dispatcher.ListRecent("user-1", 2, 10))
}

func (s *DispatcherTestSuite) TestMarkRead() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.dispatcher.Initialize(s.ctx, "user-2")
	first := s.notify("token-1", "a")
	s.notify("token-1", "b")
	s.notify("token-1", "c")

	s.True(errors.Is(s.dispatcher.MarkRead("user-2", first.ID), ErrNotFound))
	s.Equal(3, s.dispatcher.GetUnreadCount("user-1"))

	s.Require().NoError(s.dispatcher.MarkRead("user-1", first.ID))
	s.Equal(2, s.dispatcher.GetUnreadCount("user-1"))

	s.Equal(2, s.dispatcher.MarkAllRead("user-1"))
	s.Equal(0, s.dispatcher.GetUnreadCount("user-1"))
	s.Equal(0, s.dispatcher.MarkAllRead("user-1"))
	s.True(errors.Is(s.dispatcher.MarkRead("user-1", "missing"), ErrNotFound))
}

func (s *DispatcherTestSuite) TestNoCrossUserVisibility() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.dispatcher.Initialize(s.ctx, "user-2")
	s.notify("token-1", "for user 1")
	s.notify("token-2", "for user 2")

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 1)
	s.Equal("for user 1", list[0].Message)
	s.Equal(0, s.dispatcher.MarkAllRead("user-3"))
	s.Empty(s.dispatcher.ListRecent("user-3", 10, 0))
}

func (s *DispatcherTestSuite) TestQueueCompactsOldestFirst() {
	s.Require().NoError(s.dispatcher.Close())
	s.dispatcher = s.newDispatcher(Config{MaxPerUser: 3})
	s.dispatcher.Initialize(s.ctx, "user-1")
	for _, msg := range []string{"1", "2", "3", "4", "5"} {
		s.notify("token-1", msg)
	}

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 3)
	s.Equal("5", list[0].Message)
	s.Equal("3", list[2].Message)
}

func (s *DispatcherTestSuite) TestLeastRecentlyUsedQueueIsEvicted() {
	s.Require().NoError(s.dispatcher.Close())
	s.dispatcher = s.newDispatcher(Config{MaxUsers: 1})
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.notify("token-1", "a")

	s.dispatcher.Initialize(s.ctx, "user-2")
	s.Empty(s.dispatcher.ListRecent("user-1", 10, 0))
}

func (s *DispatcherTestSuite) TestDeploymentEventMapping() {
	s.dispatcher.Initialize(s.ctx, "user-1")

	s.dispatcher.HandleDeploymentEvent(deployer.StatusChanged{Deployment: record("token-1", models.DeploymentStatusPending)})
	s.Empty(s.dispatcher.ListRecent("user-1", 10, 0))

	s.dispatcher.HandleDeploymentEvent(deployer.StatusChanged{Deployment: record("token-1", models.DeploymentStatusDeploying), Previous: models.DeploymentStatusPending})
	s.dispatcher.HandleDeploymentEvent(deployer.StatusChanged{Deployment: record("token-1", models.DeploymentStatusSuccess), Previous: models.DeploymentStatusDeploying})
	s.dispatcher.HandleDeploymentEvent(deployer.DeploymentSucceeded{Deployment: record("token-1", models.DeploymentStatusSuccess)})
	// redelivery of the same terminal event
	s.dispatcher.HandleDeploymentEvent(deployer.DeploymentSucceeded{Deployment: record("token-1", models.DeploymentStatusSuccess)})

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 2)
	s.Equal(models.NotificationTypeSuccess, list[0].Type)
	s.Contains(list[0].Message, testContract)
	s.Equal(testContract, list[0].Data["contract_address"])
	s.Equal(models.NotificationTypeStarted, list[1].Type)
}

func (s *DispatcherTestSuite) TestFailureAndCancellationNotifications() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.createToken("token-3", "user-1", "project-1")

	s.dispatcher.HandleDeploymentEvent(deployer.DeploymentFailed{Deployment: record("token-1", models.DeploymentStatusFailed), Reason: "transaction reverted"})
	s.dispatcher.HandleDeploymentEvent(deployer.DeploymentFailed{Deployment: record("token-3", models.DeploymentStatusAborted), Reason: "cancelled by user"})

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 2)
	s.Equal("Deployment cancelled", list[0].Title)
	s.Equal(models.NotificationTypeFailed, list[0].Type)
	s.Equal("Deployment failed", list[1].Title)
	s.Equal("transaction reverted", list[1].Message)
}

func (s *DispatcherTestSuite) TestRetriedTokenReportsEveryAttempt() {
	s.dispatcher.Initialize(s.ctx, "user-1")

	for _, id := range []uint{1, 2} {
		started := record("token-1", models.DeploymentStatusDeploying)
		started.ID = id
		s.dispatcher.HandleDeploymentEvent(deployer.StatusChanged{Deployment: started, Previous: models.DeploymentStatusPending})

		failed := record("token-1", models.DeploymentStatusFailed)
		failed.ID = id
		s.dispatcher.HandleDeploymentEvent(deployer.DeploymentFailed{Deployment: failed, Reason: "failed to resolve signing key"})
		// redelivery of the attempt's terminal event
		s.dispatcher.HandleDeploymentEvent(deployer.DeploymentFailed{Deployment: failed, Reason: "failed to resolve signing key"})
	}

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 4)
	counts := make(map[models.NotificationType]int)
	for _, n := range list {
		counts[n.Type]++
	}
	s.Equal(2, counts[models.NotificationTypeStarted])
	s.Equal(2, counts[models.NotificationTypeFailed])
	s.Equal(uint(2), list[0].Data["deployment_id"])
	s.Equal(uint(1), list[2].Data["deployment_id"])
}

func (s *DispatcherTestSuite) TestFailedDeploymentForgetsConfirmations() {
	s.dispatcher.Initialize(s.ctx, "user-1")
	s.dispatcher.HandleWatcherEvent(confirmation(3, false))
	s.Contains(s.dispatcher.confirmations, "0xabc")

	failed := record("token-1", models.DeploymentStatusAborted)
	hash := "0xabc"
	failed.TransactionHash = &hash
	s.dispatcher.HandleDeploymentEvent(deployer.DeploymentFailed{Deployment: failed, Reason: "cancelled by user"})
	s.NotContains(s.dispatcher.confirmations, "0xabc")
}

func (s *DispatcherTestSuite) TestVerificationNotifications() {
	s.dispatcher.Initialize(s.ctx, "user-1")

	failed := record("token-1", models.DeploymentStatusVerificationFailed)
	reason := "bytecode mismatch"
	failed.VerificationError = &reason
	s.dispatcher.HandleDeploymentEvent(deployer.StatusChanged{Deployment: record("token-1", models.DeploymentStatusVerifying)})
	s.dispatcher.HandleDeploymentEvent(deployer.StatusChanged{Deployment: failed})

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 2)
	s.Equal(models.NotificationTypeProgress, list[0].Type)
	s.Contains(list[0].Message, reason)
}

func confirmation(count uint64, final bool) watcher.ConfirmationsChanged {
	return watcher.ConfirmationsChanged{
		Tx: watcher.TrackedTransaction{
			Hash:                  "0xabc",
			Status:                watcher.StatusConfirmed,
			Confirmations:         count,
			RequiredConfirmations: 12,
			Metadata:              map[string]string{deployer.MetadataTokenID: "token-1"},
		},
		Final: final,
	}
}

func (s *DispatcherTestSuite) TestConfirmationsAreThrottled() {
	s.dispatcher.Initialize(s.ctx, "user-1")

	for _, count := range []uint64{1, 2, 3, 4, 5, 7, 8} {
		s.dispatcher.HandleWatcherEvent(confirmation(count, false))
	}
	// other events and untagged transactions are ignored
	s.dispatcher.HandleWatcherEvent(watcher.ReceiptObserved{Tx: confirmation(9, false).Tx})
	s.dispatcher.HandleWatcherEvent(watcher.ConfirmationsChanged{Tx: watcher.TrackedTransaction{Hash: "0xdef", Status: watcher.StatusConfirmed, Confirmations: 3}})

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 2)
	s.Equal("7 of 12 confirmations", list[0].Message)
	s.Equal("3 of 12 confirmations", list[1].Message)
}

func (s *DispatcherTestSuite) TestContractEvents() {
	s.Require().NoError(s.tokens.MarkTokenDeployed(s.ctx, "token-1", testContract, time.Now()))
	s.dispatcher.Initialize(s.ctx, "user-1")

	event := watcher.ContractEvent{
		Network:         "ethereum-testnet",
		ContractAddress: testContract,
		EventName:       "Transfer",
		TxHash:          "0x01",
		BlockNumber:     42,
		LogIndex:        3,
		Args: map[string]string{
			"from":  "0x0000000000000000000000000000000000000001",
			"to":    "0x0000000000000000000000000000000000000002",
			"value": "1500000000000000000000",
		},
	}
	s.dispatcher.HandleContractEvent(s.ctx, event)
	s.dispatcher.HandleContractEvent(s.ctx, event)

	list := s.dispatcher.ListRecent("user-1", 10, 0)
	s.Require().Len(list, 1)
	s.Equal(models.NotificationTypeContractEvent, list[0].Type)
	s.Equal("token-1", list[0].TokenID)
	s.Contains(list[0].Message, "1500 TST")

	event.EventName = "OwnershipTransferred"
	event.LogIndex = 4
	event.Args = map[string]string{"previousOwner": "0x01", "newOwner": "0x02"}
	s.dispatcher.HandleContractEvent(s.ctx, event)
	s.Len(s.dispatcher.ListRecent("user-1", 10, 0), 2)

	event.ContractAddress = "0x000000000000000000000000000000000000dEaD"
	s.dispatcher.HandleContractEvent(s.ctx, event)
	s.Len(s.dispatcher.ListRecent("user-1", 10, 0), 2)
}

func (s *DispatcherTestSuite) TestListenToEventBuses() {
	deployments := events.NewBus[deployer.Event]()
	confirmations := events.NewBus[watcher.Event]()
	defer deployments.Close()
	defer confirmations.Close()

	s.dispatcher.Initialize(s.ctx, "user-1")
	s.dispatcher.Listen(deployments, confirmations)

	deployments.Publish(deployer.StatusChanged{Deployment: record("token-1", models.DeploymentStatusDeploying)})
	confirmations.Publish(confirmation(3, false))

	s.Eventually(func() bool { return s.dispatcher.GetUnreadCount("user-1") == 2 }, time.Second, time.Millisecond)
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}
