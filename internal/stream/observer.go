package stream

// Observer is a live output channel representing one connected client.
// The hub owns a registered observer until it is unregistered or evicted.
type Observer interface {
	// ID returns the unique handle of the observer.
	ID() string

	// Enqueue hands a message to the observer's transport without blocking.
	// An error means the observer can no longer be delivered to and will be evicted.
	Enqueue(msg Message) error

	// Close releases the observer after the hub has evicted it.
	// It must be safe to call more than once.
	Close()
}
