// Package role describes what a peer commits to hold for a log.
package role

import (
	"fmt"
	"math"
)

// Role is either Observer or Replicator.
type Role interface {
	isRole()
}

// Observer holds nothing but is a member of the topology.
type Observer struct{}

func (Observer) isRole() {}

// Limits bound what a replicator may hold. Zero means unlimited.
type Limits struct {
	Memory uint64
}

// Replicator intends to hold Factor of the keyspace. A Fixed factor is never
// adjusted by the rebalancer. A nil Objective uses DefaultWeights.
type Replicator struct {
	Factor    float64
	Limits    Limits
	Objective ObjectiveFn
	Fixed     bool
}

func (Replicator) isRole() {}

// Components are the terms of the rebalancing cost, each >= 0.
type Components struct {
	Balance  float64
	Coverage float64
	Memory   float64
}

type ObjectiveFn func(Components) float64

// Weights is a linear objective.
type Weights struct {
	Balance  float64 `yaml:"balance"`
	Coverage float64 `yaml:"coverage"`
	Memory   float64 `yaml:"memory"`
}

func DefaultWeights() Weights {
	return Weights{Balance: 0.1, Coverage: 0.3, Memory: 0.6}
}

func (w Weights) Objective() ObjectiveFn {
	return func(c Components) float64 {
		return w.Balance*c.Balance + w.Coverage*c.Coverage + w.Memory*c.Memory
	}
}

// Validate checks the weights admit an even split fixed point: coverage must
// outweigh balance or peers would rather leave gaps than move off 1/N.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Balance, w.Coverage, w.Memory} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("role: weights must be finite and >= 0: %+v", w)
		}
	}
	if w.Coverage <= w.Balance {
		return fmt.Errorf("role: coverage weight %v must exceed balance weight %v", w.Coverage, w.Balance)
	}
	return nil
}

// Factor returns the share r holds, 0 for observers.
func Factor(r Role) float64 {
	switch r := r.(type) {
	case Replicator:
		return r.Factor
	case *Replicator:
		return r.Factor
	case Observer, *Observer, nil:
		return 0
	default:
		panic(fmt.Sprintf("role: unknown role %T", r))
	}
}

// IsActive reports whether r takes part in replication. Observer and a
// zero factor replicator are the same thing.
func IsActive(r Role) bool {
	return Factor(r) > 0
}

func String(r Role) string {
	switch r := r.(type) {
	case Replicator:
		if r.Fixed {
			return fmt.Sprintf("replicator(%.3f, fixed)", r.Factor)
		}
		return fmt.Sprintf("replicator(%.3f)", r.Factor)
	case *Replicator:
		return String(*r)
	default:
		return "observer"
	}
}

// Wire is the encoded form of a role in announcements.
type Wire struct {
	Kind   string  `msgpack:"k"`
	Factor float64 `msgpack:"f,omitempty"`
	Memory uint64  `msgpack:"m,omitempty"`
	Fixed  bool    `msgpack:"x,omitempty"`
}

const (
	kindObserver   = "observer"
	kindReplicator = "replicator"
)

func ToWire(r Role) Wire {
	switch r := r.(type) {
	case Replicator:
		return Wire{Kind: kindReplicator, Factor: r.Factor, Memory: r.Limits.Memory, Fixed: r.Fixed}
	case *Replicator:
		return ToWire(*r)
	default:
		return Wire{Kind: kindObserver}
	}
}

func FromWire(w Wire) (Role, error) {
	switch w.Kind {
	case kindObserver:
		return Observer{}, nil
	case kindReplicator:
		if w.Factor < 0 || w.Factor > 1 || math.IsNaN(w.Factor) {
			return nil, fmt.Errorf("role: factor out of range: %v", w.Factor)
		}
		return Replicator{Factor: w.Factor, Limits: Limits{Memory: w.Memory}, Fixed: w.Fixed}, nil
	}
	return nil, fmt.Errorf("role: unknown kind %q", w.Kind)
}
