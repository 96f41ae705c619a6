// Package notification turns deployment and ledger events into per-user
// notification feeds.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/deployer"
	"github.com/rxtech-lab/launchpad-deployer/internal/events"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/metrics"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
	"github.com/samber/lo"
)

var log = logging.New("notification")

var ErrNotFound = errors.New("notification not found")

const (
	DefaultMaxPerUser        = 200
	DefaultMaxUsers          = 10000
	DefaultMaxUnresolved     = 1000
	DefaultConfirmationEvery = 3
	DefaultDedupeWindow      = 10 * time.Minute
	DefaultOwnerCacheTTL     = 10 * time.Minute

	// DataEventID in a notification's data replaces the default dedupe key.
	DataEventID = "event_id"
)

type Config struct {
	// MaxPerUser caps a user's queue; the oldest notifications are dropped
	// first.
	MaxPerUser int `mapstructure:"max_per_user" yaml:"max_per_user" validate:"gte=0"`
	// MaxUsers bounds how many user queues are kept; the least recently
	// used queue is evicted.
	MaxUsers          int           `mapstructure:"max_users" yaml:"max_users" validate:"gte=0"`
	MaxUnresolved     int           `mapstructure:"max_unresolved" yaml:"max_unresolved" validate:"gte=0"`
	ConfirmationEvery uint64        `mapstructure:"confirmation_every" yaml:"confirmation_every"`
	DedupeWindow      time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`
	OwnerCacheTTL     time.Duration `mapstructure:"owner_cache_ttl" yaml:"owner_cache_ttl"`
}

func (c Config) withDefaults() Config {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = DefaultMaxPerUser
	}
	if c.MaxUsers <= 0 {
		c.MaxUsers = DefaultMaxUsers
	}
	if c.MaxUnresolved <= 0 {
		c.MaxUnresolved = DefaultMaxUnresolved
	}
	if c.ConfirmationEvery == 0 {
		c.ConfirmationEvery = DefaultConfirmationEvery
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = DefaultDedupeWindow
	}
	if c.OwnerCacheTTL <= 0 {
		c.OwnerCacheTTL = DefaultOwnerCacheTTL
	}
	return c
}

type DeploymentSource interface {
	Subscribe(handler func(deployer.Event)) *events.Subscription[deployer.Event]
}

type ConfirmationSource interface {
	Subscribe(handler func(watcher.Event)) *events.Subscription[watcher.Event]
}

type userQueue struct {
	// ready is set once the user context is initialized; until then new
	// notifications wait in pending.
	ready   bool
	items   []models.Notification
	pending []models.Notification
	seen    map[string]time.Time
}

type Dispatcher struct {
	cfg    Config
	owners *ownerCache
	now    func() time.Time

	mu         sync.Mutex
	queues     *lru.Cache[string, *userQueue]
	unresolved []unresolvedNotification
	// last confirmation bucket notified per transaction hash
	confirmations map[string]uint64

	subsMu          sync.Mutex
	deploymentSubs  []*events.Subscription[deployer.Event]
	confirmationSub []*events.Subscription[watcher.Event]
}

type unresolvedNotification struct {
	tokenID      string
	notification models.Notification
}

func New(cfg Config, tokens TokenLookup) (*Dispatcher, error) {
	if tokens == nil {
		return nil, errors.New("token lookup is required")
	}
	cfg = cfg.withDefaults()
	owners, err := newOwnerCache(tokens, cfg.OwnerCacheTTL)
	if err != nil {
		return nil, err
	}
	queues, err := lru.New[string, *userQueue](cfg.MaxUsers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user queue cache")
	}
	return &Dispatcher{
		cfg:           cfg,
		owners:        owners,
		now:           time.Now,
		queues:        queues,
		confirmations: make(map[string]uint64),
	}, nil
}

// Listen subscribes the dispatcher to deployment events and watcher
// confirmations.
func (d *Dispatcher) Listen(deployments DeploymentSource, confirmations ConfirmationSource) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	if deployments != nil {
		d.deploymentSubs = append(d.deploymentSubs, deployments.Subscribe(d.HandleDeploymentEvent))
	}
	if confirmations != nil {
		d.confirmationSub = append(d.confirmationSub, confirmations.Subscribe(d.HandleWatcherEvent))
	}
}

func (d *Dispatcher) Close() error {
	d.subsMu.Lock()
	for _, sub := range d.deploymentSubs {
		sub.Unsubscribe()
	}
	for _, sub := range d.confirmationSub {
		sub.Unsubscribe()
	}
	d.deploymentSubs, d.confirmationSub = nil, nil
	d.subsMu.Unlock()
	return d.owners.Close()
}

// Initialize makes userID's context available. Notifications buffered for
// the user, and those whose owner could not be resolved earlier, are
// flushed into the queue.
func (d *Dispatcher) Initialize(ctx context.Context, userID string) {
	d.mu.Lock()
	q := d.queueLocked(userID)
	if !q.ready {
		q.ready = true
		for _, n := range q.pending {
			d.appendLocked(q, n)
		}
		q.pending = nil
	}
	retry := d.unresolved
	d.unresolved = nil
	d.mu.Unlock()

	for _, u := range retry {
		owner, err := d.owners.byToken(ctx, u.tokenID)
		if err != nil {
			d.bufferUnresolved(u)
			continue
		}
		n := u.notification
		n.UserID, n.ProjectID = owner.UserID, owner.ProjectID
		d.deliver(n)
	}
}

// CreateNotification addresses a notification to the owner of tokenID. It
// returns false when the notification duplicates one delivered within the
// dedupe window.
func (d *Dispatcher) CreateNotification(ctx context.Context, tokenID string, notificationType models.NotificationType, title, message, status string, data models.JSON) (models.Notification, bool) {
	n := models.Notification{
		ID:        uuid.NewString(),
		TokenID:   tokenID,
		Type:      notificationType,
		Title:     title,
		Message:   message,
		Status:    status,
		Data:      data,
		Timestamp: d.now(),
	}

	owner, err := d.owners.byToken(ctx, tokenID)
	if err != nil {
		log.Warn("cannot resolve token owner, buffering notification", "token", tokenID, "type", notificationType, "err", err)
		d.bufferUnresolved(unresolvedNotification{tokenID: tokenID, notification: n})
		return n, true
	}
	n.UserID, n.ProjectID = owner.UserID, owner.ProjectID
	return n, d.deliver(n)
}

func (d *Dispatcher) deliver(n models.Notification) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queueLocked(n.UserID)

	key := dedupeKey(n)
	if seenAt, ok := q.seen[key]; ok && n.Timestamp.Sub(seenAt) < d.cfg.DedupeWindow {
		log.Debug("dropping duplicate notification", "user", n.UserID, "token", n.TokenID, "type", n.Type)
		return false
	}
	q.seen[key] = n.Timestamp
	d.pruneSeenLocked(q, n.Timestamp)

	if q.ready {
		d.appendLocked(q, n)
	} else {
		q.pending = append(q.pending, n)
		if over := len(q.pending) - d.cfg.MaxPerUser; over > 0 {
			q.pending = q.pending[over:]
		}
	}
	metrics.NotificationCreated(string(n.Type))
	return true
}

func (d *Dispatcher) bufferUnresolved(u unresolvedNotification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unresolved = append(d.unresolved, u)
	if over := len(d.unresolved) - d.cfg.MaxUnresolved; over > 0 {
		d.unresolved = d.unresolved[over:]
	}
}

func (d *Dispatcher) queueLocked(userID string) *userQueue {
	if q, ok := d.queues.Get(userID); ok {
		return q
	}
	q := &userQueue{seen: make(map[string]time.Time)}
	d.queues.Add(userID, q)
	return q
}

// appendLocked adds n and compacts the queue oldest first.
func (d *Dispatcher) appendLocked(q *userQueue, n models.Notification) {
	q.items = append(q.items, n)
	if over := len(q.items) - d.cfg.MaxPerUser; over > 0 {
		q.items = append([]models.Notification(nil), q.items[over:]...)
	}
}

func (d *Dispatcher) pruneSeenLocked(q *userQueue, now time.Time) {
	if len(q.seen) <= 2*d.cfg.MaxPerUser {
		return
	}
	for key, at := range q.seen {
		if now.Sub(at) >= d.cfg.DedupeWindow {
			delete(q.seen, key)
		}
	}
}

func dedupeKey(n models.Notification) string {
	if id, ok := n.Data[DataEventID].(string); ok && id != "" {
		return n.TokenID + "|" + id
	}
	return strings.Join([]string{n.TokenID, string(n.Type), n.Status, n.Title, n.Message}, "|")
}

func (d *Dispatcher) readyQueue(userID string) (*userQueue, bool) {
	q, ok := d.queues.Get(userID)
	if !ok || !q.ready {
		return nil, false
	}
	return q, true
}

func (d *Dispatcher) GetUnreadCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.readyQueue(userID)
	if !ok {
		return 0
	}
	return lo.CountBy(q.items, func(n models.Notification) bool { return !n.Read })
}

// ListRecent returns a page of userID's notifications, newest first.
func (d *Dispatcher) ListRecent(userID string, limit, offset int) []models.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.readyQueue(userID)
	if !ok || offset >= len(q.items) {
		return []models.Notification{}
	}
	if offset < 0 {
		offset = 0
	}
	newest := lo.Reverse(append([]models.Notification(nil), q.items...))
	end := len(newest)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return newest[offset:end]
}

// MarkRead marks one of userID's notifications as read.
func (d *Dispatcher) MarkRead(userID, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.readyQueue(userID); ok {
		for i := range q.items {
			if q.items[i].ID == id {
				q.items[i].Read = true
				return nil
			}
		}
	}
	return errors.Wrapf(ErrNotFound, "notification %s", id)
}

// MarkAllRead returns how many notifications changed.
func (d *Dispatcher) MarkAllRead(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.readyQueue(userID)
	if !ok {
		return 0
	}
	changed := 0
	for i := range q.items {
		if !q.items[i].Read {
			q.items[i].Read = true
			changed++
		}
	}
	return changed
}

// deploymentData keys dedupe on the attempt and its status, so a retried
// token still reports each of its transitions.
func deploymentData(r models.DeploymentRecord) models.JSON {
	data := models.JSON{
		DataEventID:     fmt.Sprintf("deployment:%d:%s", r.ID, r.Status),
		"deployment_id": r.ID,
		"blockchain":    r.Blockchain,
		"environment":   string(r.Environment),
		"status":        string(r.Status),
	}
	if r.TransactionHash != nil {
		data["transaction_hash"] = *r.TransactionHash
	}
	if r.ContractAddress != nil {
		data["contract_address"] = *r.ContractAddress
	}
	return data
}

// HandleDeploymentEvent maps deployment events to notifications. Every
// terminal transition yields exactly one notification.
func (d *Dispatcher) HandleDeploymentEvent(event deployer.Event) {
	ctx := context.Background()
	r := event.Record()
	data := deploymentData(r)
	status := string(r.Status)

	switch e := event.(type) {
	case deployer.StatusChanged:
		switch r.Status {
		case models.DeploymentStatusDeploying:
			d.CreateNotification(ctx, r.TokenID, models.NotificationTypeStarted, "Deployment started",
				fmt.Sprintf("Deploying to %s %s", r.Blockchain, r.Environment), status, data)
		case models.DeploymentStatusVerifying:
			d.CreateNotification(ctx, r.TokenID, models.NotificationTypeProgress, "Verifying contract",
				"Submitting contract source for verification", status, data)
		case models.DeploymentStatusVerified:
			d.CreateNotification(ctx, r.TokenID, models.NotificationTypeSuccess, "Contract verified",
				"Contract source code is verified on the explorer", status, data)
		case models.DeploymentStatusVerificationFailed:
			message := "Contract is deployed but its source could not be verified"
			if r.VerificationError != nil {
				message += ": " + *r.VerificationError
			}
			d.CreateNotification(ctx, r.TokenID, models.NotificationTypeProgress, "Verification failed", message, status, data)
		}
	case deployer.DeploymentSucceeded:
		message := "Contract deployed"
		if r.ContractAddress != nil {
			message = fmt.Sprintf("Contract deployed at %s", *r.ContractAddress)
		}
		d.CreateNotification(ctx, r.TokenID, models.NotificationTypeSuccess, "Deployment succeeded", message, status, data)
	case deployer.DeploymentFailed:
		if r.TransactionHash != nil {
			d.forgetConfirmations(*r.TransactionHash)
		}
		title := "Deployment failed"
		if r.Status == models.DeploymentStatusAborted {
			title = "Deployment cancelled"
		}
		d.CreateNotification(ctx, r.TokenID, models.NotificationTypeFailed, title, e.Reason, status, data)
	}
}

// forgetConfirmations drops the progress bucket of a transaction that will
// not be followed any further.
func (d *Dispatcher) forgetConfirmations(hash string) {
	d.mu.Lock()
	delete(d.confirmations, hash)
	d.mu.Unlock()
}

// HandleWatcherEvent emits a progress notification every
// ConfirmationEvery confirmations of a deployment transaction.
func (d *Dispatcher) HandleWatcherEvent(event watcher.Event) {
	e, ok := event.(watcher.ConfirmationsChanged)
	if !ok {
		return
	}
	tx := e.Tx
	tokenID := tx.Metadata[deployer.MetadataTokenID]
	if tokenID == "" || tx.Status != watcher.StatusConfirmed {
		return
	}

	bucket := tx.Confirmations / d.cfg.ConfirmationEvery
	d.mu.Lock()
	last := d.confirmations[tx.Hash]
	notify := bucket > last
	if notify {
		d.confirmations[tx.Hash] = bucket
	}
	if e.Final {
		delete(d.confirmations, tx.Hash)
	}
	d.mu.Unlock()
	if !notify {
		return
	}

	data := models.JSON{
		"transaction_hash":       tx.Hash,
		"confirmations":          tx.Confirmations,
		"required_confirmations": tx.RequiredConfirmations,
	}
	d.CreateNotification(context.Background(), tokenID, models.NotificationTypeProgress, "Confirmations",
		fmt.Sprintf("%d of %d confirmations", tx.Confirmations, tx.RequiredConfirmations), string(tx.Status), data)
}

// HandleContractEvent surfaces an on-chain event of a deployed token to the
// token's owner.
func (d *Dispatcher) HandleContractEvent(ctx context.Context, event watcher.ContractEvent) {
	owner, err := d.owners.byContract(ctx, event.ContractAddress)
	if err != nil {
		log.Debug("contract event for unknown token", "contract", event.ContractAddress, "event", event.EventName, "err", err)
		return
	}

	data := models.JSON{
		DataEventID:        fmt.Sprintf("%s:%d", strings.ToLower(event.TxHash), event.LogIndex),
		"network":          event.Network,
		"contract_address": event.ContractAddress,
		"event":            event.EventName,
		"transaction_hash": event.TxHash,
		"block_number":     event.BlockNumber,
		"args":             event.Args,
	}
	d.CreateNotification(ctx, owner.TokenID, models.NotificationTypeContractEvent, event.EventName,
		describeContractEvent(event, owner), "", data)
}

func describeContractEvent(event watcher.ContractEvent, o owner) string {
	args := event.Args
	switch event.EventName {
	case "Transfer":
		return fmt.Sprintf("%s %s transferred from %s to %s", o.amount(args["value"]), o.Symbol, args["from"], args["to"])
	case "Approval":
		return fmt.Sprintf("%s approved %s to spend %s %s", args["owner"], args["spender"], o.amount(args["value"]), o.Symbol)
	case "OwnershipTransferred":
		return fmt.Sprintf("Ownership moved from %s to %s", args["previousOwner"], args["newOwner"])
	}
	return fmt.Sprintf("%s emitted in block %d", event.EventName, event.BlockNumber)
}
