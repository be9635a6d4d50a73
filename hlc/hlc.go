// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package hlc implements a hybrid logical clock: a timestamp that is
// monotonic per node and loosely tracks wall-clock time, used to order
// CRDT writes deterministically across replicas.
package hlc

import (
	"strconv"
	"sync"
	"time"
)

// Timestamp packs wall-clock milliseconds into the high bits and a logical
// counter into the low bits, so two Timestamps compare correctly as plain
// uint64s: greater wall time wins, ties broken by the counter.
type Timestamp uint64

const counterBits = 16
const counterMask = (1 << counterBits) - 1

func New(wallMillis int64, counter uint16) Timestamp {
	return Timestamp(uint64(wallMillis)<<counterBits | uint64(counter))
}

func (t Timestamp) Wall() int64 {
	return int64(uint64(t) >> counterBits)
}

func (t Timestamp) Counter() uint16 {
	return uint16(uint64(t) & counterMask)
}

func (t Timestamp) After(other Timestamp) bool {
	return t > other
}

func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// Clock is a monotonic, thread-safe HLC generator for one node.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	now  func() int64
}

func NewClock() *Clock {
	return &Clock{now: func() int64 { return time.Now().UnixMilli() }}
}

// Now advances and returns the clock's timestamp. If wall-clock time has
// moved forward past the last timestamp, the counter resets to zero;
// otherwise it is incremented so the result remains strictly greater than
// the previous value issued by this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now()
	lastWall := c.last.Wall()
	switch {
	case wall > lastWall:
		c.last = New(wall, 0)
	default:
		c.last = New(lastWall, c.last.Counter()+1)
	}
	return c.last
}

// Observe merges in a timestamp received from a remote peer, ensuring the
// local clock never regresses relative to messages it has seen.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now()
	candidates := []Timestamp{c.last, remote, New(wall, 0)}
	max := candidates[0]
	for _, cand := range candidates[1:] {
		if cand.After(max) {
			max = cand
		}
	}
	if max == remote || max == c.last {
		max = New(max.Wall(), max.Counter()+1)
	}
	c.last = max
	return c.last
}
