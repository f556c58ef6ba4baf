package routing

import (
	"errors"
	"fmt"
)

var (
	ErrNoHealthyReplica = errors.New("no healthy read replica")
	ErrOperationTimeout = errors.New("routed operation timed out")
)

// RoutingError is returned when a routed operation fails and no fallback
// applied.
type RoutingError struct {
	Op         string // "read" or "write"
	Datasource string
	Err        error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Datasource, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
