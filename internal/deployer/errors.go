package deployer

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidRequest    = errors.New("invalid deployment request")
	ErrAlreadyInProgress = errors.New("deployment already in progress")
	ErrAlreadyDeployed   = errors.New("token already deployed")
	ErrTokenNotFound     = errors.New("token not found")
	ErrNotFound          = errors.New("deployment not found")
	ErrKeyUnavailable    = errors.New("signing key unavailable")
	ErrSubmissionFailed  = errors.New("transaction submission failed")
	// ErrLedgerTransient marks failures the caller may retry.
	ErrLedgerTransient    = errors.New("transient ledger failure")
	ErrVerificationFailed = errors.New("source verification failed")
	ErrCancelTooLate      = errors.New("deployment is being submitted and can no longer be cancelled")
	ErrNotCancellable     = errors.New("deployment already finished")
	ErrAborted            = errors.New("deployment aborted")
	// ErrRecordPersistence is returned when a transaction reached the ledger
	// but its hash could not be written to the deployment record.
	ErrRecordPersistence = errors.New("failed to persist submitted transaction")
)

// RateLimitedError is returned by Deploy when admission control rejects the
// request. No deployment record exists for a rejected request.
type RateLimitedError struct {
	Limit             string
	Reason            string
	RetryAfterSeconds int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %ds)", e.Reason, e.RetryAfterSeconds)
}

// IsRateLimited unwraps err into a RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
