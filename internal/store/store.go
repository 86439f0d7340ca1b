package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when enqueueing a message whose id is already
// present. Callers generate ids (ULIDs), so a collision is a caller bug and
// the enqueue is rejected rather than treated as an idempotent duplicate.
var ErrDuplicateID = errors.New("duplicate message id")

// Store defines the persistence interface for the relay queue.
type Store interface {
	// Message operations
	InsertMessage(msg *QueuedMessage) error
	GetMessage(id string) (*QueuedMessage, error)
	DeleteMessage(id string) error
	ListMessages() ([]*QueuedMessage, error)

	// UpdateMessage atomically reads, modifies, and saves a message in a
	// single transaction. Returns ErrNotFound if the message does not exist.
	UpdateMessage(id string, fn func(msg *QueuedMessage) error) error

	// Running delivery outcome counters
	SaveDeliveryStats(stats *DeliveryStats) error
	GetDeliveryStats() (*DeliveryStats, error)

	// Close the store
	Close() error
}
