package classifier

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable marks transport faults: the endpoint could not be
	// reached or answered with a non-2xx status after all retries.
	ErrUnavailable = errors.New("classifier unavailable")
)

// APIError is a non-2xx reply from the classification endpoint.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("classifier API error (code=%d): %s", e.Code, e.Message)
}

// ReplyError is a semantic-parse fault: the endpoint answered, but not in
// the expected shape. Content holds the start of the offending text.
type ReplyError struct {
	Reason  string
	Content string
}

func (e *ReplyError) Error() string { return e.Reason }

func replyErrorf(content, format string, args ...interface{}) *ReplyError {
	return &ReplyError{Reason: fmt.Sprintf(format, args...), Content: prefix(content, 200)}
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
