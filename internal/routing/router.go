package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/jackc/pgx/v5"
)

// Operation is the unit of work a caller routes. db is the selected pool;
// ctx carries the routing decision.
type Operation func(ctx context.Context, db port.DB) error

// Config controls replica selection and failure handling.
type Config struct {
	Selector            Selector
	FallbackToWrite     bool
	OperationTimeout    time.Duration // 0 disables the per-operation timeout
	HealthCheckInterval time.Duration
}

// Router sends reads to replicas and writes to the primary.
type Router struct {
	write    Pool
	replicas []*Replica
	cfg      Config
	inst     port.Instrumentation
	logger   *slog.Logger
}

func NewRouter(write Pool, replicas []Pool, cfg Config, inst port.Instrumentation, logger *slog.Logger) *Router {
	if cfg.Selector == nil {
		cfg.Selector = &RoundRobin{}
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	r := &Router{write: write, cfg: cfg, inst: inst, logger: logger}
	for i, p := range replicas {
		r.replicas = append(r.replicas, newReplica(i, fmt.Sprintf("replica-%d", i), p))
	}
	return r
}

// Replicas returns the configured read replicas in index order.
func (r *Router) Replicas() []*Replica { return r.replicas }

// SelectNextReadReplica applies the strategy to the healthy replicas.
func (r *Router) SelectNextReadReplica() (*Replica, error) {
	candidates := make([]*Replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		if rep.Healthy() {
			candidates = append(candidates, rep)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyReplica
	}
	return r.cfg.Selector.Select(candidates)
}

// ExecuteOnWrite runs op on the primary.
func (r *Router) ExecuteOnWrite(ctx context.Context, op Operation) error {
	if err := r.run(ctx, Write(), r.write, "write", op); err != nil {
		return &RoutingError{Op: "write", Datasource: "write", Err: err}
	}
	return nil
}

// ExecuteOnReadReplica runs op on a selected replica. When fallback is on,
// a failed read is retried once on the primary unless the caller's context
// is done or the query simply matched no rows.
func (r *Router) ExecuteOnReadReplica(ctx context.Context, op Operation) error {
	rep, err := r.SelectNextReadReplica()
	if err != nil {
		if !r.cfg.FallbackToWrite {
			return &RoutingError{Op: "read", Datasource: "none", Err: err}
		}
		r.inst.IncrementFallbacks(ctx)
		r.logger.DebugContext(ctx, "no replica available, reading from primary",
			slog.String("error.message", err.Error()),
		)
		if err := r.run(ctx, Write(), r.write, "write", op); err != nil {
			return &RoutingError{Op: "read", Datasource: "write", Err: err}
		}
		return nil
	}

	rep.inFlight.Add(1)
	start := time.Now()
	err = r.run(ctx, Read(rep.Index), rep.Pool, "replica", op)
	rep.inFlight.Add(-1)
	rep.observe(time.Since(start))
	if err == nil {
		return nil
	}

	if !r.cfg.FallbackToWrite || ctx.Err() != nil || errors.Is(err, pgx.ErrNoRows) {
		return &RoutingError{Op: "read", Datasource: rep.Name, Err: err}
	}

	r.logger.WarnContext(ctx, "read failed on replica, retrying on primary",
		slog.String("replica", rep.Name),
		slog.String("error.message", err.Error()),
	)
	r.inst.IncrementFallbacks(ctx)
	if err := r.run(ctx, Write(), r.write, "write", op); err != nil {
		return &RoutingError{Op: "read", Datasource: "write", Err: err}
	}
	return nil
}

// run executes op under a derived context carrying d.
func (r *Router) run(ctx context.Context, d Decision, db port.DB, kind string, op Operation) error {
	opCtx := WithDecision(ctx, d)
	if r.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(opCtx, r.cfg.OperationTimeout)
		defer cancel()
	}

	start := time.Now()
	err := op(opCtx, db)
	ms := float64(time.Since(start).Microseconds()) / 1000

	outcome := "success"
	if err != nil {
		outcome = "error"
		if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			err = fmt.Errorf("%w after %s: %w", ErrOperationTimeout, r.cfg.OperationTimeout, err)
		}
	}
	r.inst.RecordRoutedOperation(ctx, kind, outcome, ms)
	return err
}

// DB returns the pool that the decision in ctx points at. Without a
// decision, or with a replica index that no longer exists, it is the primary.
func (r *Router) DB(ctx context.Context) (port.DB, string) {
	d, ok := FromContext(ctx)
	if !ok {
		return r.write, "write"
	}
	if i, read := d.Replica(); read && i >= 0 && i < len(r.replicas) {
		return r.replicas[i].Pool, r.replicas[i].Name
	}
	return r.write, "write"
}

// Health returns the state of every replica.
func (r *Router) Health() []ReplicaHealth {
	out := make([]ReplicaHealth, len(r.replicas))
	for i, rep := range r.replicas {
		out[i] = rep.health()
	}
	return out
}
