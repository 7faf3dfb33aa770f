package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/fosburyalpha/fundingarb/internal/domain"
)

// classifyStatus maps an HTTP response status to the error taxonomy. Anything
// that leaves the true outcome unknown (5xx, timeouts) classifies as
// ErrNetwork so the caller reconciles instead of blindly retrying.
func classifyStatus(venue string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrAuth, venue, status, body)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned 429: %s", domain.ErrRateLimited, venue, body)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrNetwork, venue, status, body)
	case status >= 400:
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrRejected, venue, status, body)
	default:
		return nil
	}
}

// classifyTransport maps transport-level failures. Context timeouts and
// network errors both mean "outcome unknown".
func classifyTransport(venue string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %v", domain.ErrNetwork, venue, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrNetwork, venue, err)
}

// IsRetryable reports whether the error class allows a small bounded retry
// before escalation. Auth failures and rejections never retry.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrRateLimited)
}

// IsOutcomeUnknown reports whether the order may have reached the venue even
// though the call failed, which requires a reconciliation read before the
// leg's true state can be decided. A rate limit counts: the 429 is about the
// response, the venue may have accepted the order anyway.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrRateLimited)
}
