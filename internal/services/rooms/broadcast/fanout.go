// Package broadcast delivers room envelopes to connections and drives the
// periodic state sync.
package broadcast

import (
	"log"
	"sync"

	"github.com/physlab/roomsync/internal/services/rooms/metrics"
	"github.com/physlab/roomsync/internal/services/rooms/room"
)

// Deliverer writes one envelope to the connection of a participant.
type Deliverer interface {
	Deliver(participantID string, env room.Envelope) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(participantID string, env room.Envelope) error

// Deliver calls f.
func (f DelivererFunc) Deliver(participantID string, env room.Envelope) error {
	return f(participantID, env)
}

// FailureHandler is told about a recipient whose delivery failed. It must
// not block the caller.
type FailureHandler func(roomID, participantID string, err error)

// Fanout owns one ordered outbox per room. Envelopes published by a room
// are delivered in emission order by a single drain goroutine, so a slow
// recipient never stalls the room actor.
type Fanout struct {
	deliverer Deliverer
	onFailure FailureHandler
	metrics   *metrics.Metrics

	mu      sync.Mutex
	outbox  map[string]*outbox
	closed  bool
	running sync.WaitGroup
}

// NewFanout creates a fanout delivering through deliverer.
func NewFanout(deliverer Deliverer, onFailure FailureHandler, m *metrics.Metrics) *Fanout {
	return &Fanout{
		deliverer: deliverer,
		onFailure: onFailure,
		metrics:   m,
		outbox:    make(map[string]*outbox),
	}
}

// Publisher returns the outbox for roomID, starting it on first use.
func (f *Fanout) Publisher(roomID string) room.Publisher {
	f.mu.Lock()
	defer f.mu.Unlock()
	if box, ok := f.outbox[roomID]; ok {
		return box
	}
	box := newOutbox(roomID)
	if f.closed {
		box.stopped = true
		return box
	}
	f.outbox[roomID] = box
	f.running.Add(1)
	go func() {
		defer f.running.Done()
		box.drain(f.deliver)
	}()
	return box
}

// Release stops the outbox for roomID after delivering what it holds.
func (f *Fanout) Release(roomID string) {
	f.mu.Lock()
	box, ok := f.outbox[roomID]
	delete(f.outbox, roomID)
	f.mu.Unlock()
	if ok {
		box.stop()
	}
}

// Close stops every outbox and waits for their drain goroutines.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	boxes := make([]*outbox, 0, len(f.outbox))
	for _, box := range f.outbox {
		boxes = append(boxes, box)
	}
	f.outbox = make(map[string]*outbox)
	f.mu.Unlock()

	for _, box := range boxes {
		box.stop()
	}
	f.running.Wait()
}

func (f *Fanout) deliver(roomID string, batch []room.Delivery) {
	var failed map[string]struct{}
	for _, delivery := range batch {
		kind := string(delivery.Envelope.PayloadKind)
		for _, participantID := range delivery.Recipients {
			if _, skip := failed[participantID]; skip {
				continue
			}
			if err := f.deliverer.Deliver(participantID, delivery.Envelope); err != nil {
				if failed == nil {
					failed = make(map[string]struct{})
				}
				failed[participantID] = struct{}{}
				f.metrics.DeliveryFailed()
				log.Printf("rooms: deliver %s to %s in room %s: %v", kind, participantID, roomID, err)
				if f.onFailure != nil {
					f.onFailure(roomID, participantID, err)
				}
				continue
			}
			f.metrics.EnvelopeDelivered(kind)
		}
	}
}

// outbox is an unbounded FIFO between a room actor and its drain goroutine.
// Publish never blocks.
type outbox struct {
	roomID string

	mu      sync.Mutex
	queue   []room.Delivery
	stopped bool

	signal chan struct{}
	quit   chan struct{}
	once   sync.Once
}

func newOutbox(roomID string) *outbox {
	return &outbox{
		roomID: roomID,
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// Publish implements room.Publisher.
func (o *outbox) Publish(delivery room.Delivery) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, delivery)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []room.Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.queue
	o.queue = nil
	return batch
}

func (o *outbox) drain(deliver func(string, []room.Delivery)) {
	for {
		select {
		case <-o.signal:
			if batch := o.take(); len(batch) > 0 {
				deliver(o.roomID, batch)
			}
		case <-o.quit:
			o.mu.Lock()
			o.stopped = true
			o.mu.Unlock()
			if batch := o.take(); len(batch) > 0 {
				deliver(o.roomID, batch)
			}
			return
		}
	}
}

func (o *outbox) stop() {
	o.once.Do(func() { close(o.quit) })
}
