package feed

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientError is a network failure or unexpected HTTP status. Retried.
type TransientError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed: %s returned status %d", redactURL(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("feed: fetch %s: %v", redactURL(e.URL), e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a page that violates the feed contract. Retried, since
// the upstream usually reissues a good page.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("feed: invalid page at %s: %s", redactURL(e.URL), e.Reason)
}

// NotFoundError means the feed resource does not exist. Fatal.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("feed: %s not found", redactURL(e.URL))
}

// BackoffExhaustedError means a page kept failing until the backoff ceiling
// was passed. Fatal.
type BackoffExhaustedError struct {
	URL      string
	Attempts int
	Last     error
}

func (e *BackoffExhaustedError) Error() string {
	return fmt.Sprintf("feed: giving up on %s after %d attempts: %v", redactURL(e.URL), e.Attempts, e.Last)
}

func (e *BackoffExhaustedError) Unwrap() error { return e.Last }

// IsFatal reports whether err must abort the run rather than be retried.
func IsFatal(err error) bool {
	var nf *NotFoundError
	var be *BackoffExhaustedError
	return errors.As(err, &nf) || errors.As(err, &be)
}

// retryReason labels a retryable failure for metrics.
func retryReason(err error) string {
	var te *TransientError
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return "invalid_page"
	case errors.As(err, &te):
		return "transport"
	default:
		return "processing"
	}
}
