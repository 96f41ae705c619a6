// Package watcher follows submitted transactions until they are final.
package watcher

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rxtech-lab/launchpad-deployer/internal/events"
	"github.com/rxtech-lab/launchpad-deployer/internal/ledger"
	"github.com/rxtech-lab/launchpad-deployer/internal/logging"
	"github.com/rxtech-lab/launchpad-deployer/internal/metrics"
)

var log = logging.New("watcher")

const DefaultPollInterval = 3 * time.Second

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type TrackedTransaction struct {
	Hash                  string            `json:"hash"`
	Network               string            `json:"network"`
	From                  string            `json:"from,omitempty"`
	To                    string            `json:"to,omitempty"`
	Value                 string            `json:"value,omitempty"`
	Status                Status            `json:"status"`
	Confirmations         uint64            `json:"confirmations"`
	RequiredConfirmations uint64            `json:"required_confirmations"`
	Receipt               *ledger.Receipt   `json:"receipt,omitempty"`
	Err                   string            `json:"error,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

type TrackRequest struct {
	Hash    string
	Adapter ledger.Adapter
	From    string
	To      string
	Value   string
	// RequiredConfirmations overrides the network default when non-zero.
	RequiredConfirmations uint64
	// PollInterval overrides the network and watcher interval when non-zero.
	PollInterval time.Duration
	Metadata     map[string]string
}

type Config struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type tracked struct {
	mu      sync.Mutex
	tx      TrackedTransaction
	adapter ledger.Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *tracked) snapshot() TrackedTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx := t.tx
	if t.tx.Receipt != nil {
		receipt := *t.tx.Receipt
		tx.Receipt = &receipt
	}
	if t.tx.Metadata != nil {
		tx.Metadata = make(map[string]string, len(t.tx.Metadata))
		for k, v := range t.tx.Metadata {
			tx.Metadata[k] = v
		}
	}
	return tx
}

type Watcher struct {
	pollInterval time.Duration
	bus          *events.Bus[Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tracked map[string]*tracked
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		pollInterval: interval,
		bus:          events.NewBus[Event](),
		ctx:          ctx,
		cancel:       cancel,
		tracked:      make(map[string]*tracked),
	}
}

func (w *Watcher) Subscribe(handler func(Event)) *events.Subscription[Event] {
	return w.bus.Subscribe(handler)
}

func normalizeHash(hash string) string {
	return strings.ToLower(hash)
}

// Track starts polling req.Hash. It returns false without error when the
// hash is already tracked. Polling outlives ctx; use Untrack to stop it.
func (w *Watcher) Track(ctx context.Context, req TrackRequest) (bool, error) {
	if req.Hash == "" {
		return false, errors.New("transaction hash is required")
	}
	if req.Adapter == nil {
		return false, errors.New("ledger adapter is required")
	}
	if err := ctx.Err(); err != nil {
		return false, errors.WithStack(err)
	}

	network := req.Adapter.Network()
	interval := req.PollInterval
	if interval <= 0 {
		interval = network.PollInterval
	}
	if interval <= 0 {
		interval = w.pollInterval
	}

	key := normalizeHash(req.Hash)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, errors.New("watcher is closed")
	}
	if _, exists := w.tracked[key]; exists {
		return false, nil
	}

	pollCtx, cancel := context.WithCancel(w.ctx)
	t := &tracked{
		tx: TrackedTransaction{
			Hash:                  req.Hash,
			Network:               network.Name,
			From:                  req.From,
			To:                    req.To,
			Value:                 req.Value,
			Status:                StatusPending,
			RequiredConfirmations: RequiredConfirmations(network, req.RequiredConfirmations),
			Metadata:              req.Metadata,
		},
		adapter: req.Adapter,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	w.tracked[key] = t
	metrics.TrackedTransactionsInc()

	w.wg.Add(1)
	go w.run(pollCtx, key, t, interval)

	log.Debug("tracking transaction", "hash", req.Hash, "network", network.Name, "required", t.tx.RequiredConfirmations, "interval", interval)
	return true, nil
}

// Untrack stops polling hash and waits for its loop to exit.
func (w *Watcher) Untrack(hash string) bool {
	w.mu.Lock()
	t, ok := w.tracked[normalizeHash(hash)]
	w.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

func (w *Watcher) Get(hash string) (TrackedTransaction, bool) {
	w.mu.Lock()
	t, ok := w.tracked[normalizeHash(hash)]
	w.mu.Unlock()
	if !ok {
		return TrackedTransaction{}, false
	}
	return t.snapshot(), true
}

func (w *Watcher) IsTracking(hash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tracked[normalizeHash(hash)]
	return ok
}

func (w *Watcher) Tracked() []TrackedTransaction {
	w.mu.Lock()
	list := make([]*tracked, 0, len(w.tracked))
	for _, t := range w.tracked {
		list = append(list, t)
	}
	w.mu.Unlock()

	out := make([]TrackedTransaction, 0, len(list))
	for _, t := range list {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// Close stops every polling loop and then the event bus, after subscribers
// have drained what was already published.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.bus.Close()
}

func (w *Watcher) run(ctx context.Context, key string, t *tracked, interval time.Duration) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.tracked, key)
		w.mu.Unlock()
		metrics.TrackedTransactionsDec()
		t.cancel()
		close(t.done)
	}()

	var heads <-chan uint64
	if notifier, ok := t.adapter.(ledger.HeadNotifier); ok {
		ch, err := notifier.SubscribeHeads(ctx)
		switch {
		case err == nil:
			heads = ch
		case !errors.Is(err, ledger.ErrHeadsUnsupported):
			log.Warn("head subscription failed, polling only", "hash", t.tx.Hash, "err", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if w.poll(ctx, t) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-heads:
			if !ok {
				heads = nil
			}
		}
	}
}

// poll runs one receipt check and reports whether tracking is finished.
func (w *Watcher) poll(ctx context.Context, t *tracked) bool {
	network := t.tx.Network

	receipt, err := t.adapter.GetReceipt(ctx, t.tx.Hash)
	if err != nil {
		return w.pollFailed(ctx, t, err)
	}
	if receipt == nil {
		metrics.WatcherPoll(network, "pending")
		return false
	}
	height, err := t.adapter.GetBlockHeight(ctx)
	if err != nil {
		return w.pollFailed(ctx, t, err)
	}
	metrics.WatcherPoll(network, "receipt")

	// a lagging node may report a height below the receipt's block
	confirmations := uint64(1)
	if height >= receipt.BlockNumber {
		confirmations = height - receipt.BlockNumber + 1
	}
	status := StatusFailed
	if receipt.Success {
		status = StatusConfirmed
	}

	t.mu.Lock()
	firstReceipt := t.tx.Receipt == nil
	t.tx.Receipt = receipt
	previous := t.tx.Status
	t.tx.Status = status
	confirmationsChanged := confirmations != t.tx.Confirmations
	t.tx.Confirmations = confirmations
	t.tx.Err = ""
	required := t.tx.RequiredConfirmations
	t.mu.Unlock()

	done := status == StatusFailed || confirmations >= required
	tx := t.snapshot()

	if firstReceipt {
		w.bus.Publish(ReceiptObserved{Tx: tx})
	}
	if previous != status {
		w.bus.Publish(StatusChanged{Tx: tx, Previous: previous})
	}
	if confirmationsChanged {
		w.bus.Publish(ConfirmationsChanged{Tx: tx, Final: status == StatusConfirmed && done})
	}
	if done {
		log.Info("transaction final", "hash", tx.Hash, "status", status, "confirmations", confirmations)
	}
	return done
}

func (w *Watcher) pollFailed(ctx context.Context, t *tracked, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	metrics.WatcherPoll(t.tx.Network, "error")
	t.mu.Lock()
	t.tx.Err = err.Error()
	t.mu.Unlock()
	log.Warn("poll failed", "hash", t.tx.Hash, "transient", ledger.IsTransient(err), "err", err)
	w.bus.Publish(PollFailed{Tx: t.snapshot(), Err: err})
	return false
}
