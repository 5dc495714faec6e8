// Package clock implements the Lamport logical clock that orders the
// event stream.
//
// From Lamport (1978), two implementation rules govern the clock:
//
//	IR1 (local event): Before any locally created event, increment the clock.
//	IR2 (message receipt): On receiving an event with timestamp t,
//	     set the clock to max(own, t) + 1.
//
// The total order function TotalOrderLess breaks ties deterministically
// using event ids, giving every node the same ordering without
// coordination.
//
// The Clock lives for the whole process and is advanced from both the
// foreground command (Tick on emit) and the realtime read loop (Observe
// on receive), so it is goroutine-safe. Durability is handled by the
// queue store: the counter is seeded with Set at startup and persisted
// after every advance.
package clock

import "sync"

// Clock is a goroutine-safe Lamport logical clock.
type Clock struct {
	mu sync.Mutex
	ts int64
}

// Tick implements IR1: increment the clock before a locally created
// event. Returns the new timestamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Observe implements IR2: on receiving an event with timestamp remote,
// set the clock to max(own, remote) + 1. Returns the new timestamp.
func (c *Clock) Observe(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.ts {
		c.ts = remote
	}
	c.ts++
	return c.ts
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// Set initializes the clock to a specific value. Used to seed from the
// durable queue store at startup. Set never moves the clock backwards,
// so seeding from multiple sources is safe in any order.
func (c *Clock) Set(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.ts {
		c.ts = v
	}
}

// TotalOrderLess defines a deterministic total order over events.
// Given two events with clocks tsA and tsB and ids idA and idB,
// event A is "less" (sorts earlier) if:
//
//	tsA < tsB, or
//	tsA == tsB and idA < idB (lexicographic)
//
// Event ids are lexically sortable, so the tie-break is stable across
// nodes and restarts. This is the standard Lamport total order.
func TotalOrderLess(tsA int64, idA string, tsB int64, idB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return idA < idB
}
