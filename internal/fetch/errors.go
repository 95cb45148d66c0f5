package fetch

import "fmt"

// ExternalFetchError reports a non-success response from a remote API. It
// carries the offending URL and status; client errors are not retried.
type ExternalFetchError struct {
	URL    string
	Status int
	Reason string
}

func (e *ExternalFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s failed with status %d: %s", e.URL, e.Status, e.Reason)
	}
	return fmt.Sprintf("fetch %s failed: %s", e.URL, e.Reason)
}

// TimeoutError reports an external operation that did not complete within its
// allotted time, after the configured number of attempts.
type TimeoutError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
