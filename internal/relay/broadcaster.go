package relay

import (
	"errors"
	"sync"

	"ripplecast/internal/observability/metrics"
)

// ErrStreamEnded is returned by Subscribe once the fanout stream is over.
var ErrStreamEnded = errors.New("live stream has ended")

const defaultConsumerBuffer = 64

// Consumer is one pull-style subscriber to the live fanout stream. Chunks are
// delivered on a buffered channel; Done closes when the consumer is evicted,
// unsubscribed, or the stream ends. The chunk channel itself is never closed:
// after Done fires, a reader drains whatever is still buffered and stops.
type Consumer struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Chunks delivers header replay followed by live bytes, in publish order.
func (c *Consumer) Chunks() <-chan []byte { return c.ch }

// Done closes when no further chunks will be delivered.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) finish() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster owns the consumer set for one session's fanout leg. Publish
// never blocks: a consumer whose buffer is full is evicted so one slow reader
// cannot stall the stream or its peers.
type Broadcaster struct {
	cache  *HeaderCache
	buffer int

	mu        sync.Mutex
	consumers map[*Consumer]struct{}
	closed    bool
	peak      int
}

// NewBroadcaster wires a broadcaster to the header cache whose contents new
// subscribers must be bootstrapped with.
func NewBroadcaster(cache *HeaderCache, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultConsumerBuffer
	}
	return &Broadcaster{
		cache:     cache,
		buffer:    buffer,
		consumers: make(map[*Consumer]struct{}),
	}
}

// Subscribe admits a new consumer, replaying the current header-cache
// contents before any live chunk so a late joiner can decode the stream. The
// replay lands in the consumer's buffer ahead of everything published after
// admission; chunks published earlier are never delivered.
func (b *Broadcaster) Subscribe() (*Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrStreamEnded
	}
	consumer := &Consumer{
		ch:   make(chan []byte, b.buffer),
		done: make(chan struct{}),
	}
	if header := b.cache.Contents(); len(header) > 0 {
		consumer.ch <- header
	}
	b.consumers[consumer] = struct{}{}
	if len(b.consumers) > b.peak {
		b.peak = len(b.consumers)
	}
	metrics.ConsumerSubscribed()
	return consumer, nil
}

// Unsubscribe removes a consumer that is going away voluntarily.
func (b *Broadcaster) Unsubscribe(consumer *Consumer) {
	b.mu.Lock()
	_, present := b.consumers[consumer]
	delete(b.consumers, consumer)
	b.mu.Unlock()
	consumer.finish()
	if present {
		metrics.ConsumerDeparted()
	}
}

// Publish records chunk in the header cache and delivers it to every current
// consumer. Delivery is non-blocking per consumer; one that cannot accept the
// chunk is evicted without affecting delivery to the rest.
func (b *Broadcaster) Publish(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.cache.Observe(chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var evicted []*Consumer
	for consumer := range b.consumers {
		select {
		case consumer.ch <- chunk:
		default:
			evicted = append(evicted, consumer)
		}
	}
	for _, consumer := range evicted {
		delete(b.consumers, consumer)
		consumer.finish()
		metrics.ConsumerEvicted()
		metrics.ConsumerDeparted()
	}
}

// Close ends the stream: every consumer's Done fires and later Subscribe
// calls are rejected. Buffered chunks remain readable until drained.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	consumers := make([]*Consumer, 0, len(b.consumers))
	for consumer := range b.consumers {
		consumers = append(consumers, consumer)
	}
	b.consumers = make(map[*Consumer]struct{})
	b.mu.Unlock()

	for _, consumer := range consumers {
		consumer.finish()
		metrics.ConsumerDeparted()
	}
}

// Count reports the current number of subscribed consumers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// Peak reports the highest consumer count observed over the stream's life.
func (b *Broadcaster) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
