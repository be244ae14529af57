// Package clock implements the Lamport clock carried by every entry.
//
// A timestamp is a (wall time, logical) pair. Wall time keeps timestamps
// close to real time across peers, the logical counter guarantees that an
// entry created on top of its predecessors is strictly greater than all of
// them even when wall clocks disagree.
package clock

import (
	"bytes"
	"time"
)

// Timestamp is ordered by WallTime first and Logical second.
type Timestamp struct {
	WallTime uint64 `msgpack:"w"`
	Logical  uint32 `msgpack:"l"`
}

// Compare returns -1, 0 or 1.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.WallTime < other.WallTime:
		return -1
	case t.WallTime > other.WallTime:
		return 1
	case t.Logical < other.Logical:
		return -1
	case t.Logical > other.Logical:
		return 1
	}
	return 0
}

func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other) < 0
}

// Clock is a value type, Advance returns a new clock.
type Clock struct {
	ID        []byte    `msgpack:"id,omitempty"`
	Timestamp Timestamp `msgpack:"ts"`
}

// New returns a fresh clock for id starting at now.
func New(id []byte, now time.Time) Clock {
	return Clock{
		ID: append([]byte(nil), id...),
		Timestamp: Timestamp{
			WallTime: wallTime(now),
		},
	}
}

// Advance keeps the id, increments the logical counter and moves wall time
// forward to now if now is later.
func (c Clock) Advance(now time.Time) Clock {
	wt := c.Timestamp.WallTime
	if n := wallTime(now); n > wt {
		wt = n
	}
	return Clock{
		ID: c.ID,
		Timestamp: Timestamp{
			WallTime: wt,
			Logical:  c.Timestamp.Logical + 1,
		},
	}
}

// Compare orders clocks by timestamp and falls back to the id bytes so that
// the order is total.
func (c Clock) Compare(other Clock) int {
	if cmp := c.Timestamp.Compare(other.Timestamp); cmp != 0 {
		return cmp
	}
	return bytes.Compare(c.ID, other.ID)
}

// Max returns the greatest clock of cs by timestamp. ok is false for an empty slice.
func Max(cs ...Clock) (max Clock, ok bool) {
	for i, c := range cs {
		if i == 0 || c.Timestamp.Compare(max.Timestamp) > 0 {
			max = c
			ok = true
		}
	}
	return max, ok
}

func wallTime(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}
