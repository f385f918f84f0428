// Package bus is the single path by which chat messages reach the transcript.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/stretch-coach/internal/metrics"
	"github.com/zhouzirui/stretch-coach/internal/model/chat"
)

// Publisher adds messages to a transcript.
type Publisher interface {
	Publish(msg chat.Message) bool
}

// Subscriber observes messages accepted into a transcript.
type Subscriber interface {
	Subscribe(buffer int) (<-chan chat.Message, func())
}

// Bus owns the transcript and its deduplicator.
type Bus struct {
	// deliver orders whole publishes so every subscriber sees messages in
	// transcript order. mu guards the fields below and is never held while
	// blocked on a subscriber.
	deliver    sync.Mutex
	mu         sync.Mutex
	dedup      *Deduplicator
	transcript []chat.Message
	subs       map[int]*subscription
	nextSub    int
	inbox      chan chat.Message
	log        zerolog.Logger
}

type subscription struct {
	ch   chan chat.Message
	done chan struct{}
	once sync.Once
}

// Options configure a Bus.
type Options struct {
	Window time.Duration
	Now    func() time.Time
}

// New creates an empty bus.
func New(opts Options, log zerolog.Logger) *Bus {
	return &Bus{
		dedup: NewDeduplicator(opts.Window, opts.Now),
		subs:  make(map[int]*subscription),
		inbox: make(chan chat.Message, 16),
		log:   log.With().Str("component", "bus").Logger(),
	}
}

// Publish appends msg to the transcript unless it is a duplicate. It
// reports whether the message was accepted. Concurrent publishes are
// delivered one at a time, so a subscriber must not publish from the
// goroutine that drains its channel.
func (b *Bus) Publish(msg chat.Message) bool {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	if reason := b.dedup.Admit(msg); reason != ReasonNone {
		b.mu.Unlock()
		metrics.DuplicatesSuppressed.WithLabelValues(string(reason)).Inc()
		b.log.Debug().Int64("id", msg.ID).Str("reason", string(reason)).Msg("duplicate publish suppressed")
		return false
	}
	b.transcript = append(b.transcript, msg)
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	metrics.MessagesPublished.WithLabelValues(string(msg.Sender)).Inc()
	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
	return true
}

// Inbox is the channel form of Publish, for producers that only hold a
// send-only handle. Messages sent here are published by Run.
func (b *Bus) Inbox() chan<- chat.Message {
	return b.inbox
}

// Run drains the inbox until ctx ends.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.inbox:
			b.Publish(msg)
		}
	}
}

// Subscribe returns a channel of newly accepted messages and a cancel func.
// Delivery blocks the publisher until the subscriber reads or cancels.
func (b *Bus) Subscribe(buffer int) (<-chan chat.Message, func()) {
	s := &subscription{
		ch:   make(chan chat.Message, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, cancel
}

// Transcript returns a copy of every accepted message in order.
func (b *Bus) Transcript() []chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]chat.Message, len(b.transcript))
	copy(out, b.transcript)
	return out
}
