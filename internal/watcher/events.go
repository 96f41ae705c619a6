package watcher

// Event is one of StatusChanged, ConfirmationsChanged, ReceiptObserved or
// PollFailed. Every event carries a copy of the transaction as it was when
// the event was produced.
type Event interface {
	Transaction() TrackedTransaction
	isWatcherEvent()
}

// StatusChanged is emitted the first time a poll classifies the
// transaction differently from before.
type StatusChanged struct {
	Tx       TrackedTransaction
	Previous Status
}

// ConfirmationsChanged is emitted whenever the confirmation count moves.
// Final is set on the last event for a confirmed transaction, after which
// the watcher stops polling it.
type ConfirmationsChanged struct {
	Tx    TrackedTransaction
	Final bool
}

// ReceiptObserved is emitted once, when a receipt first appears.
type ReceiptObserved struct {
	Tx TrackedTransaction
}

// PollFailed reports an adapter error. Polling continues.
type PollFailed struct {
	Tx  TrackedTransaction
	Err error
}

func (e StatusChanged) Transaction() TrackedTransaction        { return e.Tx }
func (e ConfirmationsChanged) Transaction() TrackedTransaction { return e.Tx }
func (e ReceiptObserved) Transaction() TrackedTransaction      { return e.Tx }
func (e PollFailed) Transaction() TrackedTransaction           { return e.Tx }

func (StatusChanged) isWatcherEvent()        {}
func (ConfirmationsChanged) isWatcherEvent() {}
func (ReceiptObserved) isWatcherEvent()      {}
func (PollFailed) isWatcherEvent()           {}
