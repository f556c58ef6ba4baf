package routing

import (
	"context"
	"fmt"
)

// Decision says which datasource a logical operation runs on: the write
// pool, or one read replica by index. The zero value is Write.
type Decision struct {
	read    bool
	replica int
}

// Write routes to the primary.
func Write() Decision { return Decision{} }

// Read routes to the replica at index i.
func Read(i int) Decision { return Decision{read: true, replica: i} }

// IsRead reports whether the decision targets a replica.
func (d Decision) IsRead() bool { return d.read }

// Replica returns the replica index and true for read decisions.
func (d Decision) Replica() (int, bool) { return d.replica, d.read }

func (d Decision) String() string {
	if d.read {
		return fmt.Sprintf("read(%d)", d.replica)
	}
	return "write"
}

type decisionKey struct{}

// WithDecision returns a child context carrying d. The parent is untouched,
// so the previous decision applies again once the child goes out of scope.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// FromContext returns the decision carried by ctx, if any.
func FromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}
