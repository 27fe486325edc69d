package stream

import "context"

// HubState is the lifecycle of a Hub's upstream connection.
type HubState int

const (
	HubUninitialized HubState = iota
	HubInitializing
	HubReady
	// HubRetryScheduled behaves like HubUninitialized but has a retry timer pending.
	HubRetryScheduled
)

func (s HubState) String() string {
	switch s {
	case HubUninitialized:
		return "uninitialized"
	case HubInitializing:
		return "initializing"
	case HubReady:
		return "ready"
	case HubRetryScheduled:
		return "retry-scheduled"
	default:
		return "unknown"
	}
}

// Hub fans out upstream events to every registered observer.
// A Hub has process-wide lifetime: it is constructed once at startup and shared by
// every streaming endpoint.
type Hub interface {
	// RegisterObserver adds the observer to the fan-out set and lazily starts the upstream.
	// Registering the same observer twice is a no-op. Returns the observer's handle.
	RegisterObserver(ctx context.Context, o Observer) string

	// UnregisterObserver removes the observer. Unknown handles are ignored.
	UnregisterObserver(ctx context.Context, id string)

	// Broadcast delivers the event to every registered observer. Observers that fail
	// to accept it are evicted without affecting delivery to the others.
	Broadcast(ctx context.Context, e Event)

	// EnsureInitialized starts the upstream unless it is already starting or running.
	// Concurrent callers never cause more than one start.
	EnsureInitialized(ctx context.Context)

	// Observers returns the number of registered observers.
	Observers() int

	// State returns the current lifecycle state.
	State() HubState
}
