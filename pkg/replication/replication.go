// Package replication holds the per-log replica count policy.
package replication

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Replicas converts a policy value into a peer count for n replicators.
// Implemented by AbsoluteReplicas and RelativeReplicas only.
type Replicas interface {
	Count(n int) int
	String() string
	isReplicas()
}

// AbsoluteReplicas is a fixed number of peers.
type AbsoluteReplicas int

func (a AbsoluteReplicas) Count(int) int   { return int(a) }
func (a AbsoluteReplicas) String() string { return strconv.Itoa(int(a)) }
func (AbsoluteReplicas) isReplicas()      {}

// RelativeReplicas is a fraction of the active replicators, rounded up.
type RelativeReplicas float64

func (r RelativeReplicas) Count(n int) int {
	return int(math.Ceil(float64(r) * float64(n)))
}

func (r RelativeReplicas) String() string {
	return strconv.FormatFloat(float64(r)*100, 'f', -1, 64) + "%"
}

func (RelativeReplicas) isReplicas() {}

const DefaultMin = AbsoluteReplicas(2)

// Factor is the replication policy of a log. A nil Max means no upper bound.
type Factor struct {
	Min Replicas
	Max Replicas
}

func Default() Factor {
	return Factor{Min: DefaultMin}
}

// Leaders is the number of peers every entry is assigned to when n
// replicators are active: Min clamped to [1, n], and to Max when set.
func (f Factor) Leaders(n int) int {
	if n <= 0 {
		return 1
	}
	lo := f.Min
	if lo == nil {
		lo = DefaultMin
	}
	k := lo.Count(n)
	if f.Max != nil {
		if hi := f.Max.Count(n); hi >= 1 && k > hi {
			k = hi
		}
	}
	switch {
	case k < 1:
		return 1
	case k > n:
		return n
	}
	return k
}

// Parse reads "3" as absolute and "50%" or "0.5" as relative replicas.
func Parse(s string) (Replicas, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("replication: empty replicas")
	}
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || v <= 0 || v > 100 {
			return nil, fmt.Errorf("replication: bad percentage %q", s)
		}
		return RelativeReplicas(v / 100), nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 {
			return nil, fmt.Errorf("replication: replicas must be >= 1, got %d", n)
		}
		return AbsoluteReplicas(n), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > 1 {
		return nil, fmt.Errorf("replication: bad replicas %q", s)
	}
	return RelativeReplicas(v), nil
}
