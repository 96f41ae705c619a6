package ledger

import (
	"context"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/rpc"
)

var transientMessages = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"limit exceeded",
	"header not found",
	"service unavailable",
	"bad gateway",
}

// classify wraps err with op and marks it ErrTransient when a retry could
// succeed.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrap(err, op)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	if isTransient(err) {
		return errors.Mark(wrapped, ErrTransient)
	}
	return wrapped
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
