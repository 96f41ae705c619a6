// Package deployer drives token deployments through their lifecycle:
// admission, signing and submission, confirmation tracking and optional
// source verification.
package deployer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-playground/validator/v10"
	"github.com/panjf2000/ants/v2"
	"github.com/rxtech-lab/launchpad-deployer/internal/events"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/metrics"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
	"github.com/rxtech-lab/launchpad-deployer/internal/ratelimit"
	"github.com/rxtech-lab/launchpad-deployer/internal/secrets"
	"github.com/rxtech-lab/launchpad-deployer/internal/services"
	"github.com/rxtech-lab/launchpad-deployer/internal/verifier"
	"github.com/rxtech-lab/launchpad-deployer/internal/watcher"
	"gorm.io/gorm"
)

var log = logging.New("deployer")

// Metadata keys attached to tracked transactions.
const (
	MetadataDeploymentID = "deployment_id"
	MetadataTokenID      = "token_id"
)

const (
	DefaultVerificationWorkers = 4
	DefaultPersistAttempts     = 5
	DefaultPersistBackoff      = 200 * time.Millisecond

	cancelReason   = "cancelled by user"
	revertedReason = "transaction reverted"
)

type RateLimiter interface {
	// Reserve admits a deployment and counts it as started in one step.
	Reserve(ctx context.Context, userID, projectID, tokenID string) ratelimit.Decision
	RecordCompletion(ctx context.Context, userID, projectID, tokenID string, outcome models.UsageOutcome) error
}

// Networks resolves the ledger adapter of a (blockchain, environment) pair.
type Networks interface {
	Get(blockchain string, environment models.Environment) (ledger.Adapter, error)
}

type Tracker interface {
	Subscribe(handler func(watcher.Event)) *events.Subscription[watcher.Event]
	Track(ctx context.Context, req watcher.TrackRequest) (bool, error)
	Untrack(hash string) bool
	IsTracking(hash string) bool
}

type Config struct {
	VerificationWorkers int           `mapstructure:"verification_workers" yaml:"verification_workers" validate:"gte=0"`
	DisableVerification bool          `mapstructure:"disable_verification" yaml:"disable_verification"`
	PersistAttempts     int           `mapstructure:"persist_attempts" yaml:"persist_attempts" validate:"gte=0"`
	PersistBackoff      time.Duration `mapstructure:"persist_backoff" yaml:"persist_backoff"`
}

func (c Config) withDefaults() Config {
	if c.VerificationWorkers <= 0 {
		c.VerificationWorkers = DefaultVerificationWorkers
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = DefaultPersistAttempts
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = DefaultPersistBackoff
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Verifier and Hooks are
// optional.
type Deps struct {
	Deployments services.DeploymentService
	Tokens      services.TokenService
	Payloads    services.EvmService
	Limiter     RateLimiter
	Networks    Networks
	Keys        secrets.KeyProvider
	Watcher     Tracker
	Verifier    verifier.Verifier
	Hooks       services.HookService
}

type DeployRequest struct {
	ProjectID   string             `json:"project_id"`
	TokenID     string             `json:"token_id" validate:"required"`
	UserID      string             `json:"user_id" validate:"required"`
	Blockchain  string             `json:"blockchain" validate:"required"`
	Environment models.Environment `json:"environment" validate:"required,oneof=mainnet testnet"`
	KeyRef      string             `json:"key_ref" validate:"required"`
}

type phase int

const (
	phaseAdmission phase = iota
	phasePreparing
	phaseSubmitting
	phaseSubmitted
)

// activeDeployment is the in-process claim on a token. Access is guarded by
// Orchestrator.mu.
type activeDeployment struct {
	tokenID  string
	recordID uint
	phase    phase
	aborted  bool
	hash     string
}

type Orchestrator struct {
	cfg         Config
	deployments services.DeploymentService
	tokens      services.TokenService
	payloads    services.EvmService
	limiter     RateLimiter
	networks    Networks
	keys        secrets.KeyProvider
	watcher     Tracker
	verifier    verifier.Verifier
	hooks       services.HookService

	validator  *validator.Validate
	bus        *events.Bus[Event]
	pool       *ants.Pool
	watcherSub *events.Subscription[watcher.Event]
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeDeployment
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Deployments == nil:
		return nil, errors.New("deployment store is required")
	case deps.Tokens == nil:
		return nil, errors.New("token store is required")
	case deps.Payloads == nil:
		return nil, errors.New("payload builder is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Networks == nil:
		return nil, errors.New("network registry is required")
	case deps.Keys == nil:
		return nil, errors.New("key provider is required")
	case deps.Watcher == nil:
		return nil, errors.New("transaction watcher is required")
	}

	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.VerificationWorkers, ants.WithPanicHandler(func(p interface{}) {
		log.Error("verification worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create verification pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		deployments: deps.Deployments,
		tokens:      deps.Tokens,
		payloads:    deps.Payloads,
		limiter:     deps.Limiter,
		networks:    deps.Networks,
		keys:        deps.Keys,
		watcher:     deps.Watcher,
		verifier:    deps.Verifier,
		hooks:       deps.Hooks,
		validator:   validator.New(),
		bus:         events.NewBus[Event](),
		pool:        pool,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]*activeDeployment),
	}
	o.watcherSub = deps.Watcher.Subscribe(o.handleWatcherEvent)
	return o, nil
}

// Subscribe registers handler for deployment events. Events of one
// deployment arrive in transition order.
func (o *Orchestrator) Subscribe(handler func(Event)) *events.Subscription[Event] {
	return o.bus.Subscribe(handler)
}

// Close stops reacting to watcher events and waits for running
// verifications.
func (o *Orchestrator) Close() {
	o.watcherSub.Unsubscribe()
	o.cancel()
	o.wg.Wait()
	o.pool.Release()
	o.bus.Close()
}

// Get returns the latest deployment attempt of a token.
func (o *Orchestrator) Get(ctx context.Context, tokenID string) (*models.DeploymentRecord, error) {
	record, err := o.deployments.GetLatestDeploymentByToken(ctx, tokenID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "token %s", tokenID)
	}
	return record, err
}

func (o *Orchestrator) History(ctx context.Context, tokenID string) ([]models.DeploymentRecord, error) {
	return o.deployments.ListDeploymentsByToken(ctx, tokenID)
}

// IsActive reports whether this process is driving a deployment of tokenID.
func (o *Orchestrator) IsActive(tokenID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[tokenID]
	return ok
}

// Deploy admits, signs and submits a token deployment. It returns once the
// transaction is handed to the watcher; the outcome arrives as events. When
// the deployment fails after its record was created, the FAILED record is
// returned together with the error.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*models.DeploymentRecord, error) {
	if err := o.validator.Struct(req); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid deployment request"), ErrInvalidRequest)
	}

	a, err := o.claim(req.TokenID)
	if err != nil {
		return nil, err
	}
	token, adapter, err := o.admit(ctx, req)
	if err != nil {
		o.release(a)
		return nil, err
	}
	if o.isAborted(a) {
		o.unreserve(ctx, token)
		o.release(a)
		return nil, ErrAborted
	}

	record := &models.DeploymentRecord{
		TokenID:     token.ID,
		ProjectID:   token.ProjectID,
		UserID:      token.UserID,
		Blockchain:  req.Blockchain,
		Environment: req.Environment,
		Status:      models.DeploymentStatusPending,
	}
	if err := o.deployments.CreateDeployment(ctx, record); err != nil {
		o.unreserve(ctx, token)
		o.release(a)
		return nil, errors.Wrap(err, "failed to create deployment record")
	}
	log.Info("deployment admitted", "deployment", record.ID, "token", record.TokenID, "network", adapter.Network().Name)
	o.publish(StatusChanged{Deployment: *record})

	// writes from here on must land even if the caller goes away
	persistCtx := context.WithoutCancel(ctx)
	if o.attach(a, record.ID) {
		aborted, err := o.abort(persistCtx, record.ID)
		if err != nil {
			return aborted, err
		}
		return aborted, ErrAborted
	}

	if err := o.transition(persistCtx, record, models.DeploymentStatusDeploying, nil); err != nil {
		return o.interrupted(persistCtx, a, record, err)
	}
	return o.submit(ctx, persistCtx, a, record, token, adapter, req.KeyRef)
}

func (o *Orchestrator) admit(ctx context.Context, req DeployRequest) (*models.Token, ledger.Adapter, error) {
	latest, err := o.deployments.GetLatestDeploymentByToken(ctx, req.TokenID)
	switch {
	case err == nil:
		if latest.Status.IsDeployed() {
			return nil, nil, errors.Wrapf(ErrAlreadyDeployed, "token %s is %s", req.TokenID, latest.Status)
		}
		if !latest.Status.IsTerminal() {
			return nil, nil, errors.Wrapf(ErrAlreadyInProgress, "token %s is %s", req.TokenID, latest.Status)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, nil, errors.Wrap(err, "failed to load latest deployment")
	}

	token, err := o.tokens.GetToken(ctx, req.TokenID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errors.Wrapf(ErrTokenNotFound, "token %s", req.TokenID)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load token")
	}
	// tokens of other users are reported as missing
	if token.UserID != req.UserID || (req.ProjectID != "" && token.ProjectID != req.ProjectID) {
		return nil, nil, errors.Wrapf(ErrTokenNotFound, "token %s", req.TokenID)
	}

	adapter, err := o.networks.Get(req.Blockchain, req.Environment)
	if err != nil {
		return nil, nil, err
	}

	decision := o.limiter.Reserve(ctx, token.UserID, token.ProjectID, token.ID)
	if !decision.Allowed {
		log.Info("deployment rate limited", "user", token.UserID, "project", token.ProjectID, "limit", decision.Limit, "retry_after", decision.RetryAfterSeconds)
		return nil, nil, &RateLimitedError{
			Limit:             string(decision.Limit),
			Reason:            decision.Reason,
			RetryAfterSeconds: decision.RetryAfterSeconds,
		}
	}
	return token, adapter, nil
}

func (o *Orchestrator) submit(ctx, persistCtx context.Context, a *activeDeployment, record *models.DeploymentRecord, token *models.Token, adapter ledger.Adapter, keyRef string) (*models.DeploymentRecord, error) {
	if o.isAborted(a) {
		return o.current(persistCtx, record), ErrAborted
	}

	key, err := o.keys.GetSigningKey(ctx, keyRef)
	if err != nil {
		return o.fail(persistCtx, a, record, errors.Mark(errors.Wrap(err, "failed to resolve signing key"), ErrKeyUnavailable))
	}
	if o.isAborted(a) {
		return o.current(persistCtx, record), ErrAborted
	}
	from := key.Address.Hex()
	if err := o.deployments.UpdateDeployment(persistCtx, record.ID, map[string]interface{}{"deployer_address": from}); err != nil {
		return o.fail(persistCtx, a, record, errors.Wrap(err, "failed to record deployer address"))
	}
	record.DeployerAddress = from

	payload, err := o.payloads.BuildDeploymentPayload(token, key.Address)
	if err != nil {
		return o.fail(persistCtx, a, record, errors.Wrap(err, "failed to build deployment payload"))
	}
	tx, err := adapter.BuildDeployment(ctx, key.Address, payload.Data)
	if err != nil {
		return o.fail(persistCtx, a, record, submissionError(err, "failed to prepare deployment transaction"))
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(adapter.ChainID()), key.PrivateKey)
	if err != nil {
		return o.fail(persistCtx, a, record, errors.Wrap(err, "failed to sign deployment transaction"))
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return o.fail(persistCtx, a, record, errors.Wrap(err, "failed to encode deployment transaction"))
	}

	if !o.beginSubmit(a) {
		return o.current(persistCtx, record), ErrAborted
	}
	hash, err := adapter.Submit(ctx, raw)
	if err != nil {
		o.setPhase(a, phasePreparing)
		return o.fail(persistCtx, a, record, submissionError(err, "failed to submit deployment transaction"))
	}
	o.submitted(a, hash)
	log.Info("deployment submitted", "deployment", record.ID, "token", record.TokenID, "hash", hash, "from", from)

	var persistErr error
	if err := o.persistHash(persistCtx, record.ID, hash); err != nil {
		log.Error("failed to persist transaction hash", "deployment", record.ID, "hash", hash, "err", err)
		persistErr = errors.Mark(err, ErrRecordPersistence)
	}
	record.TransactionHash = &hash

	if o.isAborted(a) {
		return o.current(persistCtx, record), ErrAborted
	}
	if err := o.track(adapter, *record, hash); err != nil {
		log.Error("failed to track deployment transaction", "deployment", record.ID, "hash", hash, "err", err)
	}
	if o.isAborted(a) {
		o.watcher.Untrack(hash)
		return o.current(persistCtx, record), ErrAborted
	}
	return record, persistErr
}

func submissionError(err error, msg string) error {
	wrapped := errors.Mark(errors.Wrap(err, msg), ErrSubmissionFailed)
	if ledger.IsTransient(err) {
		wrapped = errors.Mark(wrapped, ErrLedgerTransient)
	}
	return wrapped
}

func (o *Orchestrator) persistHash(ctx context.Context, id uint, hash string) error {
	var err error
	backoff := o.cfg.PersistBackoff
	for attempt := 1; attempt <= o.cfg.PersistAttempts; attempt++ {
		err = o.deployments.UpdateDeployment(ctx, id, map[string]interface{}{"transaction_hash": hash})
		if err == nil {
			return nil
		}
		if attempt == o.cfg.PersistAttempts {
			break
		}
		metrics.PersistRetry()
		log.Warn("retrying transaction hash write", "deployment", id, "attempt", attempt, "err", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return errors.Wrapf(err, "after %d attempts", o.cfg.PersistAttempts)
}

func (o *Orchestrator) track(adapter ledger.Adapter, record models.DeploymentRecord, hash string) error {
	_, err := o.watcher.Track(o.ctx, watcher.TrackRequest{
		Hash:    hash,
		Adapter: adapter,
		From:    record.DeployerAddress,
		Metadata: map[string]string{
			MetadataDeploymentID: strconv.FormatUint(uint64(record.ID), 10),
			MetadataTokenID:      record.TokenID,
		},
	})
	return err
}

// Resume re-attaches a DEPLOYING record with a transaction hash to the
// watcher, e.g. after a restart. It reports false when the token is already
// driven by this process.
func (o *Orchestrator) Resume(ctx context.Context, record models.DeploymentRecord) (bool, error) {
	if record.Status != models.DeploymentStatusDeploying || record.TransactionHash == nil || *record.TransactionHash == "" {
		return false, errors.Newf("deployment %d has no submitted transaction to resume", record.ID)
	}
	adapter, err := o.networks.Get(record.Blockchain, record.Environment)
	if err != nil {
		return false, err
	}

	hash := *record.TransactionHash
	o.mu.Lock()
	if _, busy := o.active[record.TokenID]; busy {
		o.mu.Unlock()
		return false, nil
	}
	o.active[record.TokenID] = &activeDeployment{
		tokenID:  record.TokenID,
		recordID: record.ID,
		phase:    phaseSubmitted,
		hash:     hash,
	}
	o.mu.Unlock()

	if err := o.track(adapter, record, hash); err != nil {
		o.releaseRecord(record.TokenID, record.ID)
		return false, err
	}
	log.Info("resumed deployment", "deployment", record.ID, "token", record.TokenID, "hash", hash)
	return true, nil
}

// Cancel aborts the active deployment of a token. A deployment whose
// transaction is being submitted cannot be cancelled; after submission the
// transaction is no longer watched but its on-chain effect stays.
func (o *Orchestrator) Cancel(ctx context.Context, tokenID string) (*models.DeploymentRecord, error) {
	o.mu.Lock()
	if a, ok := o.active[tokenID]; ok {
		if a.phase == phaseSubmitting {
			o.mu.Unlock()
			return nil, ErrCancelTooLate
		}
		a.aborted = true
		recordID, hash := a.recordID, a.hash
		if recordID != 0 {
			delete(o.active, tokenID)
		}
		o.mu.Unlock()

		// Deploy has not created the record yet and stops on its own
		if recordID == 0 {
			return nil, nil
		}
		if hash != "" {
			o.watcher.Untrack(hash)
		}
		return o.abort(ctx, recordID)
	}
	o.mu.Unlock()

	record, err := o.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !record.Status.CanTransition(models.DeploymentStatusAborted) {
		return record, errors.Wrapf(ErrNotCancellable, "deployment is %s", record.Status)
	}
	if record.TransactionHash != nil {
		o.watcher.Untrack(*record.TransactionHash)
	}
	return o.abort(ctx, record.ID)
}

func (o *Orchestrator) abort(ctx context.Context, id uint) (*models.DeploymentRecord, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		record, err := o.deployments.GetDeploymentByID(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load deployment")
		}
		if !record.Status.CanTransition(models.DeploymentStatusAborted) {
			return record, errors.Wrapf(ErrNotCancellable, "deployment is %s", record.Status)
		}
		err = o.transition(ctx, record, models.DeploymentStatusAborted, map[string]interface{}{"error": cancelReason})
		if errors.Is(err, services.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info("deployment aborted", "deployment", record.ID, "token", record.TokenID)
		o.settle(ctx, *record, models.UsageOutcomeFailed)
		o.publish(DeploymentFailed{Deployment: *record, Reason: cancelReason})
		return record, nil
	}
	return nil, errors.Wrapf(services.ErrStaleTransition, "deployment %d kept changing while aborting", id)
}

// fail moves a record that has not been submitted to FAILED.
func (o *Orchestrator) fail(ctx context.Context, a *activeDeployment, record *models.DeploymentRecord, cause error) (*models.DeploymentRecord, error) {
	if o.isAborted(a) {
		return o.current(ctx, record), ErrAborted
	}
	if err := o.failRecord(ctx, record, cause.Error()); err != nil {
		return o.interrupted(ctx, a, record, errors.CombineErrors(cause, err))
	}
	log.Warn("deployment failed", "deployment", record.ID, "token", record.TokenID, "err", cause)
	return record, cause
}

// interrupted handles a write that lost against a concurrent change of the
// record.
func (o *Orchestrator) interrupted(ctx context.Context, a *activeDeployment, record *models.DeploymentRecord, err error) (*models.DeploymentRecord, error) {
	if o.isAborted(a) {
		return o.current(ctx, record), ErrAborted
	}
	o.release(a)
	log.Error("deployment interrupted", "deployment", record.ID, "err", err)
	return o.current(ctx, record), err
}

func (o *Orchestrator) failRecord(ctx context.Context, record *models.DeploymentRecord, reason string) error {
	if err := o.transition(ctx, record, models.DeploymentStatusFailed, map[string]interface{}{"error": reason}); err != nil {
		return err
	}
	o.settle(ctx, *record, models.UsageOutcomeFailed)
	o.publish(DeploymentFailed{Deployment: *record, Reason: reason})
	return nil
}

// transition applies a status change, refreshes record and publishes it.
func (o *Orchestrator) transition(ctx context.Context, record *models.DeploymentRecord, to models.DeploymentStatus, updates map[string]interface{}) error {
	previous := record.Status
	if err := o.deployments.TransitionStatus(ctx, record.ID, previous, to, updates); err != nil {
		return err
	}
	if fresh, err := o.deployments.GetDeploymentByID(ctx, record.ID); err == nil {
		*record = *fresh
	} else {
		record.Status = to
	}
	o.publish(StatusChanged{Deployment: *record, Previous: previous})
	return nil
}

// unreserve gives back the quota of an admitted deployment that never got
// a record.
func (o *Orchestrator) unreserve(ctx context.Context, token *models.Token) {
	err := o.limiter.RecordCompletion(context.WithoutCancel(ctx), token.UserID, token.ProjectID, token.ID, models.UsageOutcomeFailed)
	if err != nil {
		log.Warn("failed to release usage reservation", "token", token.ID, "err", err)
	}
}

// settle releases everything a finished deployment holds.
func (o *Orchestrator) settle(ctx context.Context, record models.DeploymentRecord, outcome models.UsageOutcome) {
	o.releaseRecord(record.TokenID, record.ID)
	if err := o.limiter.RecordCompletion(ctx, record.UserID, record.ProjectID, record.TokenID, outcome); err != nil {
		log.Warn("failed to record usage completion", "deployment", record.ID, "err", err)
	}
	metrics.DeploymentFinished(record.Blockchain, string(record.Environment), string(record.Status))
}

func (o *Orchestrator) current(ctx context.Context, record *models.DeploymentRecord) *models.DeploymentRecord {
	if fresh, err := o.deployments.GetDeploymentByID(ctx, record.ID); err == nil {
		return fresh
	}
	return record
}

func (o *Orchestrator) publish(event Event) {
	o.bus.Publish(event)
}

func (o *Orchestrator) claim(tokenID string) (*activeDeployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[tokenID]; ok {
		return nil, errors.Wrapf(ErrAlreadyInProgress, "token %s", tokenID)
	}
	a := &activeDeployment{tokenID: tokenID, phase: phaseAdmission}
	o.active[tokenID] = a
	return a, nil
}

func (o *Orchestrator) release(a *activeDeployment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[a.tokenID] == a {
		delete(o.active, a.tokenID)
	}
}

func (o *Orchestrator) releaseRecord(tokenID string, recordID uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.active[tokenID]; ok && a.recordID == recordID {
		delete(o.active, tokenID)
	}
}

// attach binds the created record to the claim and reports whether the
// claim was cancelled meanwhile.
func (o *Orchestrator) attach(a *activeDeployment, recordID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.recordID = recordID
	a.phase = phasePreparing
	if a.aborted && o.active[a.tokenID] == a {
		delete(o.active, a.tokenID)
	}
	return a.aborted
}

func (o *Orchestrator) isAborted(a *activeDeployment) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return a.aborted
}

func (o *Orchestrator) setPhase(a *activeDeployment, p phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.phase = p
}

func (o *Orchestrator) beginSubmit(a *activeDeployment) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a.aborted {
		return false
	}
	a.phase = phaseSubmitting
	return true
}

func (o *Orchestrator) submitted(a *activeDeployment, hash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a.phase = phaseSubmitted
	a.hash = hash
}

func (o *Orchestrator) handleWatcherEvent(event watcher.Event) {
	switch e := event.(type) {
	case watcher.ConfirmationsChanged:
		if e.Final {
			o.completeSuccess(e.Tx)
		}
	case watcher.StatusChanged:
		if e.Tx.Status == watcher.StatusFailed {
			o.completeFailure(e.Tx)
		}
	case watcher.PollFailed:
		log.Debug("deployment poll failed", "hash", e.Tx.Hash, "err", e.Err)
	}
}

func (o *Orchestrator) recordFor(ctx context.Context, tx watcher.TrackedTransaction) (*models.DeploymentRecord, error) {
	if id, err := strconv.ParseUint(tx.Metadata[MetadataDeploymentID], 10, 64); err == nil {
		return o.deployments.GetDeploymentByID(ctx, uint(id))
	}
	return o.deployments.GetDeploymentByTransactionHash(ctx, tx.Hash)
}

func receiptUpdates(tx watcher.TrackedTransaction, record *models.DeploymentRecord) map[string]interface{} {
	updates := map[string]interface{}{}
	if record.TransactionHash == nil {
		updates["transaction_hash"] = tx.Hash
	}
	if tx.Receipt != nil {
		updates["block_number"] = tx.Receipt.BlockNumber
		updates["gas_used"] = tx.Receipt.GasUsed
		if tx.Receipt.ContractAddress != "" {
			updates["contract_address"] = tx.Receipt.ContractAddress
		}
	}
	return updates
}

func (o *Orchestrator) completeSuccess(tx watcher.TrackedTransaction) {
	ctx := o.ctx
	record, err := o.recordFor(ctx, tx)
	if err != nil {
		log.Error("no deployment for confirmed transaction", "hash", tx.Hash, "err", err)
		return
	}
	if record.Status != models.DeploymentStatusDeploying {
		log.Debug("ignoring confirmation", "deployment", record.ID, "status", record.Status)
		return
	}
	if err := o.transition(ctx, record, models.DeploymentStatusSuccess, receiptUpdates(tx, record)); err != nil {
		log.Warn("failed to record deployment success", "deployment", record.ID, "err", err)
		return
	}
	log.Info("deployment succeeded", "deployment", record.ID, "token", record.TokenID, "contract", deref(record.ContractAddress), "confirmations", tx.Confirmations)
	o.settle(ctx, *record, models.UsageOutcomeCompleted)

	if o.hooks != nil {
		if err := o.hooks.OnDeploymentStatus(ctx, *record); err != nil {
			log.Warn("deployment hook failed", "deployment", record.ID, "err", err)
		}
	}
	o.publish(DeploymentSucceeded{Deployment: *record})
	o.scheduleVerification(*record)
}

func (o *Orchestrator) completeFailure(tx watcher.TrackedTransaction) {
	ctx := o.ctx
	record, err := o.recordFor(ctx, tx)
	if err != nil {
		log.Error("no deployment for failed transaction", "hash", tx.Hash, "err", err)
		return
	}
	if record.Status != models.DeploymentStatusDeploying {
		log.Debug("ignoring failure", "deployment", record.ID, "status", record.Status)
		return
	}
	updates := receiptUpdates(tx, record)
	updates["error"] = revertedReason
	if err := o.transition(ctx, record, models.DeploymentStatusFailed, updates); err != nil {
		log.Warn("failed to record deployment failure", "deployment", record.ID, "err", err)
		return
	}
	log.Warn("deployment reverted", "deployment", record.ID, "token", record.TokenID, "hash", tx.Hash)
	o.settle(ctx, *record, models.UsageOutcomeFailed)
	o.publish(DeploymentFailed{Deployment: *record, Reason: revertedReason})
}

// scheduleVerification queues source verification of a SUCCESS record when
// its network and token allow it. Rebuilding the constructor arguments may
// compile the token, so it runs on the verification pool as well.
func (o *Orchestrator) scheduleVerification(record models.DeploymentRecord) {
	if o.verifier == nil || o.cfg.DisableVerification || record.ContractAddress == nil {
		return
	}
	o.wg.Add(1)
	err := o.pool.Submit(func() {
		defer o.wg.Done()
		req, ok := o.verificationRequest(o.ctx, record)
		if !ok {
			return
		}
		o.verify(record, req)
	})
	if err != nil {
		o.wg.Done()
		log.Warn("failed to queue verification", "deployment", record.ID, "err", err)
	}
}

func (o *Orchestrator) verificationRequest(ctx context.Context, record models.DeploymentRecord) (verifier.Request, bool) {
	token, err := o.tokens.GetToken(ctx, record.TokenID)
	if err != nil {
		log.Warn("cannot verify deployment without token", "deployment", record.ID, "err", err)
		return verifier.Request{}, false
	}
	adapter, err := o.networks.Get(record.Blockchain, record.Environment)
	if err != nil {
		return verifier.Request{}, false
	}
	req := verifier.Request{
		Network:         adapter.Network(),
		ContractAddress: *record.ContractAddress,
		ContractName:    token.ContractName,
		SourceCode:      token.SourceCode,
	}
	if !o.verifier.Supports(req) {
		return req, false
	}

	payload, err := o.payloads.BuildDeploymentPayload(token, common.HexToAddress(record.DeployerAddress))
	if err != nil {
		log.Warn("cannot rebuild constructor arguments for verification", "deployment", record.ID, "err", err)
		return req, false
	}
	req.CompilerVersion = payload.CompilerVersion
	req.ConstructorArgs = payload.ConstructorArgs
	return req, true
}

func (o *Orchestrator) verify(record models.DeploymentRecord, req verifier.Request) {
	ctx := context.WithoutCancel(o.ctx)
	if err := o.transition(ctx, &record, models.DeploymentStatusVerifying, nil); err != nil {
		log.Warn("failed to start verification", "deployment", record.ID, "err", err)
		return
	}

	result, err := o.verifier.Verify(o.ctx, req)
	updates := map[string]interface{}{}
	if result.GUID != "" {
		updates["verification_guid"] = result.GUID
	}
	if err != nil {
		err = errors.Mark(err, ErrVerificationFailed)
		updates["verification_error"] = err.Error()
		if terr := o.transition(ctx, &record, models.DeploymentStatusVerificationFailed, updates); terr != nil {
			log.Error("failed to record verification failure", "deployment", record.ID, "err", terr)
			return
		}
		log.Warn("verification failed", "deployment", record.ID, "contract", req.ContractAddress, "err", err)
		metrics.DeploymentFinished(record.Blockchain, string(record.Environment), string(record.Status))
		return
	}

	updates["verified_at"] = o.now()
	if err := o.transition(ctx, &record, models.DeploymentStatusVerified, updates); err != nil {
		log.Error("failed to record verification", "deployment", record.ID, "err", err)
		return
	}
	log.Info("contract verified", "deployment", record.ID, "contract", req.ContractAddress, "guid", result.GUID)
	metrics.DeploymentFinished(record.Blockchain, string(record.Environment), string(record.Status))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
