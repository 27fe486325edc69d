package endpoint

import (
	"sync"

	"github.com/google/uuid"

	"livestream/internal/stream"
)

// QueueObserver is a stream.Observer backed by a bounded queue drained by one
// connection handler.
type QueueObserver struct {
	id        string
	queue     chan stream.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueueObserver(size int) *QueueObserver {
	if size < 1 {
		size = 1
	}

	return &QueueObserver{
		id:    uuid.NewString(),
		queue: make(chan stream.Message, size),
		done:  make(chan struct{}),
	}
}

// ID implements stream.Observer.ID.
func (o *QueueObserver) ID() string {
	return o.id
}

// Enqueue implements stream.Observer.Enqueue. It never blocks.
func (o *QueueObserver) Enqueue(msg stream.Message) error {
	select {
	case <-o.done:
		return stream.ErrObserverClosed
	default:
	}

	select {
	case o.queue <- msg:
		return nil
	default:
		return stream.ErrObserverBufferFull
	}
}

// Close implements stream.Observer.Close.
func (o *QueueObserver) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}

// Messages returns the queue the connection handler drains.
func (o *QueueObserver) Messages() <-chan stream.Message {
	return o.queue
}

// Done is closed once the observer has been closed.
func (o *QueueObserver) Done() <-chan struct{} {
	return o.done
}
