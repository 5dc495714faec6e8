// iface.go defines the Interface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that depends
// on the queue (the batch channel, the runtime, the CLI status command)
// can accept Interface instead of *Store, enabling mock injection in
// tests.
package queue

import "github.com/relaydev/relay/pkg/event"

// Interface defines the full set of queue operations.
type Interface interface {
	// Close closes the database connection.
	Close() error

	// --- Entries ---

	// Enqueue appends an event to the queue. Must never drop silently.
	Enqueue(e *event.Event) error

	// PeekBatch returns up to maxN pending entries in FIFO order.
	PeekBatch(maxN int) ([]Entry, error)

	// MarkSynced deletes entries confirmed as newly ingested.
	MarkSynced(eventIDs []string) error

	// MarkDuplicate deletes entries the server already knew.
	MarkDuplicate(eventIDs []string) error

	// MarkRejected increments retry counts and records reasons.
	MarkRejected(rejections []Rejection) error

	// Depth returns the number of pending entries.
	Depth() (int, error)

	// Stats returns the derived aggregate view of the queue.
	Stats() (*Stats, error)

	// --- Clock persistence ---

	// SaveClock persists the Lamport counter for a node.
	SaveClock(nodeID string, value int64) error

	// LoadClock returns the seed value for a node's clock.
	LoadClock(nodeID string) (int64, error)
}

// Compile-time check that *Store implements Interface.
var _ Interface = (*Store)(nil)
