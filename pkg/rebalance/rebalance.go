// Package rebalance adjusts the local replication factor.
//
// Every round the controller evaluates a few candidate factors around the
// current one against the objective and moves to the cheapest, then clamps
// the result so the projected bytes stay under the memory limit. Without
// limits the fixed point is an even split, with limits each peer settles at
// the share its limit can hold and unconstrained peers absorb the rest.
//
// The log size is estimated from the bytes the peer is assigned under the
// current view, never less than what it holds, so entries waiting to be
// pruned do not inflate the estimate.
package rebalance

import (
	"errors"
	"fmt"
	"math"

	"sharedlog/pkg/role"
)

var ErrObjectiveComputation = errors.New("rebalance: objective computation failed")

var defaultSteps = []float64{0.2, 0.05, 0.01, 0.002}

// MinFactor is the smallest factor the controller hands out. A replicator
// only leaves the view when its role says so.
const MinFactor = 0.001

// Observation is what the local peer knows at the start of a round.
type Observation struct {
	Factor   float64
	Others   []float64
	Replicas int
	// Usage is the bytes of held entries the peer leads under the current
	// view, Held is every byte it holds.
	Usage int64
	Held  int64
	// Limit is the memory limit, 0 means unlimited.
	Limit uint64
}

// Active is the number of replicators including the local one.
func (o Observation) Active() int {
	return len(o.Others) + 1
}

func (o Observation) others() float64 {
	var sum float64
	for _, f := range o.Others {
		sum += f
	}
	return sum
}

// share is the fraction of gids a factor x leads given the others.
func share(x, others float64, k int) float64 {
	if x <= 0 {
		return 0
	}
	return math.Min(1, float64(k)*x/(x+others))
}

// EvenSplit is 1/n, the fallback factor.
func EvenSplit(n int) float64 {
	if n < 1 {
		return 1
	}
	return 1 / float64(n)
}

type Controller struct {
	objective role.ObjectiveFn
	steps     []float64
}

// New returns a controller minimizing objective, DefaultWeights when nil.
func New(objective role.ObjectiveFn) *Controller {
	if objective == nil {
		objective = role.DefaultWeights().Objective()
	}
	return &Controller{objective: objective, steps: defaultSteps}
}

// Components evaluates the objective terms for candidate factor x.
// totalSize is the estimated log size in bytes, 0 when unknown.
func Components(o Observation, x float64, totalSize float64) role.Components {
	n := o.Active()
	others := o.others()
	c := role.Components{
		Balance:  math.Abs(x - EvenSplit(n)),
		Coverage: math.Max(0, 1-(x+others)),
	}
	// below the limit the peer is pulled up to it as well
	if o.Limit > 0 && totalSize > 0 {
		if target := float64(o.Limit) / totalSize; target < 1 {
			c.Memory = math.Abs(share(x, others, o.Replicas) - target)
		}
	}
	return c
}

// TotalSize estimates the log size from the assigned bytes and the share
// the current factor leads. Held bytes are a lower bound.
func TotalSize(o Observation) float64 {
	total := float64(o.Held)
	if s := share(o.Factor, o.others(), o.Replicas); o.Usage > 0 && s > 0 {
		total = math.Max(total, float64(o.Usage)/s)
	}
	return math.Max(total, 0)
}

// Next returns the factor for the next round. On error the returned factor
// is the even split and should be used as is.
func (c *Controller) Next(o Observation) (float64, error) {
	fallback := EvenSplit(o.Active())
	if o.Replicas < 1 || !finite(o.Factor) {
		return fallback, fmt.Errorf("%w: replicas=%d factor=%v", ErrObjectiveComputation, o.Replicas, o.Factor)
	}
	for _, f := range o.Others {
		if !finite(f) || f < 0 {
			return fallback, fmt.Errorf("%w: peer factor %v", ErrObjectiveComputation, f)
		}
	}

	total := TotalSize(o)
	if !finite(total) {
		return fallback, fmt.Errorf("%w: total size %v", ErrObjectiveComputation, total)
	}

	best := clamp(o.Factor)
	bestCost := c.objective(Components(o, best, total))
	if !finite(bestCost) {
		return fallback, fmt.Errorf("%w: cost %v at %v", ErrObjectiveComputation, bestCost, best)
	}
	// шаги по убыванию, при равной цене остаётся меньший сдвиг
	for _, step := range c.steps {
		for _, x := range []float64{o.Factor - step, o.Factor + step} {
			x = clamp(x)
			cost := c.objective(Components(o, x, total))
			if !finite(cost) {
				return fallback, fmt.Errorf("%w: cost %v at %v", ErrObjectiveComputation, cost, x)
			}
			if cost < bestCost || (cost == bestCost && math.Abs(x-o.Factor) < math.Abs(best-o.Factor)) {
				best, bestCost = x, cost
			}
		}
	}

	if ceiling, ok := memoryCap(o, total); ok && best > ceiling {
		best = ceiling
	}
	return math.Max(best, MinFactor), nil
}

// memoryCap is the largest factor whose projected bytes fit the limit.
// Alone a peer leads everything at any factor, so it drops to MinFactor.
func memoryCap(o Observation, total float64) (float64, bool) {
	if o.Limit == 0 || total <= 0 {
		return 0, false
	}
	s := float64(o.Limit) / total
	if s >= 1 {
		return 0, false
	}
	others := o.others()
	if others <= 0 {
		return MinFactor, true
	}
	k := float64(o.Replicas)
	return math.Max(clamp(s*others/(k-s)), MinFactor), true
}

func clamp(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
