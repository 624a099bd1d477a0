package bot

import (
	"errors"
	"fmt"
)

// ErrConnectTimeout is reported when the gateway never confirms world join
// within the bounded wait.
var ErrConnectTimeout = errors.New("connection timeout - server might be offline or unreachable")

// ErrTransportEnded is reported when the connection drops without a reason.
var ErrTransportEnded = errors.New("connection ended unexpectedly")

// KickedError carries the server's kick reason.
type KickedError struct {
	Reason string
}

func (e *KickedError) Error() string {
	return fmt.Sprintf("kicked: %s", e.Reason)
}
