package routing

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

// Pool is a connection pool the router can route to. *pgxpool.Pool
// satisfies it.
type Pool interface {
	port.DB
	Ping(ctx context.Context) error
}

// latencyWeight is the EWMA weight of the newest observation.
const latencyWeight = 0.2

// Replica is one read pool with its health and load state.
type Replica struct {
	Index int
	Name  string
	Pool  Pool

	healthy  atomic.Bool
	inFlight atomic.Int64
	latency  atomic.Int64 // EWMA in nanoseconds, 0 until observed
	lastErr  atomic.Pointer[string]
}

func newReplica(index int, name string, pool Pool) *Replica {
	r := &Replica{Index: index, Name: name, Pool: pool}
	r.healthy.Store(true)
	return r
}

func (r *Replica) Healthy() bool          { return r.healthy.Load() }
func (r *Replica) InFlight() int64        { return r.inFlight.Load() }
func (r *Replica) Latency() time.Duration { return time.Duration(r.latency.Load()) }

// observe folds one operation latency into the moving average.
func (r *Replica) observe(d time.Duration) {
	for {
		old := r.latency.Load()
		next := int64(d)
		if old != 0 {
			next = int64(latencyWeight*float64(d) + (1-latencyWeight)*float64(old))
		}
		if r.latency.CompareAndSwap(old, next) {
			return
		}
	}
}

// setHealth updates health and reports whether it changed.
func (r *Replica) setHealth(healthy bool, err error) bool {
	if err != nil {
		msg := err.Error()
		r.lastErr.Store(&msg)
	} else {
		r.lastErr.Store(nil)
	}
	return r.healthy.Swap(healthy) != healthy
}

// ReplicaHealth is a point-in-time view of one replica.
type ReplicaHealth struct {
	Index     int     `json:"index"`
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	InFlight  int64   `json:"in_flight"`
	LatencyMS float64 `json:"latency_ms"`
	LastError string  `json:"last_error,omitempty"`
}

func (r *Replica) health() ReplicaHealth {
	h := ReplicaHealth{
		Index:     r.Index,
		Name:      r.Name,
		Healthy:   r.Healthy(),
		InFlight:  r.InFlight(),
		LatencyMS: float64(r.Latency().Microseconds()) / 1000,
	}
	if msg := r.lastErr.Load(); msg != nil {
		h.LastError = *msg
	}
	return h
}
