package model

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks a malformed inbound message.
	ErrParse = errors.New("malformed request")
	// ErrRouting marks a request whose backend host cannot be determined.
	ErrRouting = errors.New("no backend target found")
	// ErrConnect marks an unreachable backend.
	ErrConnect = errors.New("backend connection failed")
	// ErrForward marks a failed exchange after the backend connection was made.
	ErrForward = errors.New("backend exchange failed")
	// ErrBodyTooLarge marks a request or response body over the configured limit.
	ErrBodyTooLarge = errors.New("body too large")
)

// BlockedError reports a request stopped by the content filter. It is a
// distinct outcome rather than a failure.
type BlockedError struct {
	Rule   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by content filter: %s", e.Reason)
}

// IsBlocked reports whether err carries a content filter block.
func IsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
