package signal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGroupNotFound matches gateway errors reporting an unknown group.
var ErrGroupNotFound = errors.New("signal: group not found")

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signal: %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Is lets errors.Is(err, ErrGroupNotFound) match gateway messages about
// missing or unknown groups.
func (e *APIError) Is(target error) bool {
	if target != ErrGroupNotFound {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "group not found") || strings.Contains(msg, "unknown group")
}
