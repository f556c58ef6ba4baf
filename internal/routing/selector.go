package routing

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
)

// Strategy names, matching the tuning file values.
const (
	StrategyRoundRobin    = "round_robin"
	StrategyRandom        = "random"
	StrategyFixed         = "fixed"
	StrategyLowestLatency = "lowest_latency"
	StrategyLowestLoad    = "lowest_load"
)

// Selector picks one replica among the healthy candidates. candidates is
// never empty and keeps replica index order.
type Selector interface {
	Select(candidates []*Replica) (*Replica, error)
}

// NewSelector builds the selector for a strategy name.
func NewSelector(strategy string, fixedIndex int) (Selector, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return &RoundRobin{}, nil
	case StrategyRandom:
		return Random{}, nil
	case StrategyFixed:
		return Fixed{Index: fixedIndex}, nil
	case StrategyLowestLatency:
		return LowestLatency{}, nil
	case StrategyLowestLoad:
		return LowestLoad{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", strategy)
	}
}

// RoundRobin cycles through the candidates.
type RoundRobin struct {
	next atomic.Uint64
}

func (s *RoundRobin) Select(candidates []*Replica) (*Replica, error) {
	n := s.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

type Random struct{}

func (Random) Select(candidates []*Replica) (*Replica, error) {
	return candidates[rand.IntN(len(candidates))], nil
}

// Fixed always picks the replica with the configured index. It fails when
// that replica is unhealthy.
type Fixed struct {
	Index int
}

func (s Fixed) Select(candidates []*Replica) (*Replica, error) {
	for _, r := range candidates {
		if r.Index == s.Index {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: replica %d is unavailable", ErrNoHealthyReplica, s.Index)
}

// LowestLatency picks the replica with the smallest observed latency.
// Replicas without observations win, so each one gets measured.
type LowestLatency struct{}

func (LowestLatency) Select(candidates []*Replica) (*Replica, error) {
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.Latency() < best.Latency() {
			best = r
		}
	}
	return best, nil
}

// LowestLoad picks the replica with the fewest in-flight operations.
type LowestLoad struct{}

func (LowestLoad) Select(candidates []*Replica) (*Replica, error) {
	best := candidates[0]
	for _, r := range candidates[1:] {
		if r.InFlight() < best.InFlight() {
			best = r
		}
	}
	return best, nil
}
