package dispatch

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Consumer accepts completed panorama frames. DeliverFrame is called at most
// once per frame index, in increasing index order, and never concurrently.
// Ownership of frame moves to the consumer.
//
// DeliverFrame runs on a goroutine that submitted a tile, with no
// compositor lock held. Frames completed by tiles it submits are delivered
// after it returns.
type Consumer interface {
	DeliverFrame(frameIndex uint64, frame *image.RGBA)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(frameIndex uint64, frame *image.RGBA)

// DeliverFrame calls f.
func (f ConsumerFunc) DeliverFrame(frameIndex uint64, frame *image.RGBA) {
	f(frameIndex, frame)
}

// Dispatcher serializes deliveries to a Consumer.
//
// Batches are queued in the order Handoff is called and delivered by
// whichever caller finds no delivery in progress. That caller keeps draining
// until the queue is empty, so the others return as soon as their batch is
// queued.
type Dispatcher struct {
	mu       sync.Mutex // guards pending and draining, never held in DeliverFrame
	pending  []Delivery
	draining bool

	consumer  Consumer
	log       zerolog.Logger
	last      uint64 // owned by the draining caller
	started   bool
	delivered atomic.Uint64

	// mirrors of last and started readable during a delivery
	lastSeen    atomic.Uint64
	startedSeen atomic.Bool
}

// NewDispatcher creates a dispatcher for consumer.
func NewDispatcher(consumer Consumer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{consumer: consumer, log: log}
}

// Handoff queues batch for delivery and then calls unlock. A caller that
// computed batch under its own lock passes that lock's Unlock, so batches
// are queued in the order they were released.
//
// If no delivery is in progress the caller delivers every queued batch
// before returning. Otherwise Handoff returns immediately and the caller
// already delivering picks the batch up.
func (d *Dispatcher) Handoff(unlock func(), batch []Delivery) {
	if len(batch) == 0 {
		unlock()
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, batch...)
	if d.draining {
		d.mu.Unlock()
		unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()
	unlock()

	d.drain()
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		if len(batch) == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		for _, del := range batch {
			d.deliver(del)
		}
	}
}

func (d *Dispatcher) deliver(del Delivery) {
	if d.started && del.Index <= d.last {
		// Unreachable while the owner respects Queue ordering.
		d.log.Error().
			Uint64("frame", del.Index).
			Uint64("last_delivered", d.last).
			Msg("Dropping out-of-order delivery")
		return
	}
	d.last, d.started = del.Index, true
	d.lastSeen.Store(del.Index)
	d.startedSeen.Store(true)
	d.consumer.DeliverFrame(del.Index, del.Frame)
	d.delivered.Add(1)
}

// Pending returns the number of frames queued behind the delivery in
// progress.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Delivered returns the number of frames handed to the consumer.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

// LastDelivered returns the index of the most recent delivery. It does not
// take the delivery lock and may be called from DeliverFrame.
func (d *Dispatcher) LastDelivered() (uint64, bool) {
	if !d.startedSeen.Load() {
		return 0, false
	}
	return d.lastSeen.Load(), true
}
