package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors for the stream failure taxonomy. Callers classify with
// errors.Is / errors.As; none of these are retried by this package.
var (
	// ErrCancelled reports a cooperative cancellation observed mid-stream.
	ErrCancelled = errors.New("stream cancelled")
	// ErrTimeout reports the per-request deadline expiring.
	ErrTimeout = errors.New("request timed out")
	// ErrUnreachable reports a connection-level failure before any response.
	ErrUnreachable = errors.New("api server unreachable")
)

// HTTPError reports a non-2xx response from the upstream API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.Status, e.Body)
}

// classifyTransportError maps raw transport failures onto the sentinel set.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var oe *net.OpError
	if errors.As(err, &oe) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return err
}
