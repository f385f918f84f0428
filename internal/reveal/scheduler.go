// Package reveal paces already-received text so it appears at a steady
// typing rate regardless of how the network delivered it.
package reveal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 50 * time.Millisecond
	DefaultChunk    = 10
)

// Update is the cumulative revealed text of one message.
type Update struct {
	MessageID int64
	Text      string
	Final     bool
}

// Sink receives updates. It runs under the scheduler lock, so it must be
// quick and must not call back into the scheduler.
type Sink func(Update)

type backlog struct {
	text   []rune
	cursor int
}

// Scheduler buffers increments per message and reveals a bounded slice of
// each backlog on every tick.
type Scheduler struct {
	mu       sync.Mutex
	pending  map[int64]*backlog
	order    []int64
	sink     Sink
	interval time.Duration
	chunk    int
	log      zerolog.Logger

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Options tune the reveal cadence.
type Options struct {
	Interval time.Duration
	Chunk    int
}

// New creates a stopped scheduler. Call Start to begin ticking.
func New(sink Sink, opts Options, log zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Chunk <= 0 {
		opts.Chunk = DefaultChunk
	}
	if sink == nil {
		sink = func(Update) {}
	}
	return &Scheduler{
		pending:  make(map[int64]*backlog),
		sink:     sink,
		interval: opts.Interval,
		chunk:    opts.Chunk,
		log:      log.With().Str("component", "reveal").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// Push appends an increment to the message's backlog.
func (s *Scheduler) Push(messageID int64, increment string) {
	if increment == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.pending[messageID]
	if !ok {
		b = &backlog{}
		s.pending[messageID] = b
		s.order = append(s.order, messageID)
	}
	b.text = append(b.text, []rune(increment)...)
}

// Flush reveals the whole remaining backlog at once, emits a final update and
// forgets the message. It returns the full text.
func (s *Scheduler) Flush(messageID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var text string
	if b, ok := s.pending[messageID]; ok {
		b.cursor = len(b.text)
		text = string(b.text)
		s.forget(messageID)
	}
	s.sink(Update{MessageID: messageID, Text: text, Final: true})
	return text
}

// Discard drops the message without emitting anything further.
func (s *Scheduler) Discard(messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forget(messageID)
}

// Backlog returns how many runes are received but not yet shown.
func (s *Scheduler) Backlog(messageID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.pending[messageID]; ok {
		return len(b.text) - b.cursor
	}
	return 0
}

// Revealed returns the text shown so far.
func (s *Scheduler) Revealed(messageID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.pending[messageID]; ok {
		return string(b.text[:b.cursor])
	}
	return ""
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		b := s.pending[id]
		remaining := len(b.text) - b.cursor
		if remaining == 0 {
			continue
		}
		b.cursor += min(s.chunk, remaining)
		s.sink(Update{MessageID: id, Text: string(b.text[:b.cursor])})
	}
}

func (s *Scheduler) forget(messageID int64) {
	if _, ok := s.pending[messageID]; !ok {
		return
	}
	delete(s.pending, messageID)
	for i, id := range s.order {
		if id == messageID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
