package bus

import (
	"time"

	"github.com/zhouzirui/stretch-coach/internal/model/chat"
)

// DefaultWindow is how long identical publishes within one turn are
// considered accidental duplicates.
const DefaultWindow = 3 * time.Second

// Reason explains why a message was suppressed.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonSeenID    Reason = "seen_id"
	ReasonDuplicate Reason = "content_window"
)

type recent struct {
	sender  chat.Sender
	turn    int64
	content string
	at      time.Time
}

// Deduplicator decides whether a message may enter the transcript. It is
// not safe for concurrent use; the Bus serializes access.
type Deduplicator struct {
	seen   map[int64]struct{}
	recent []recent
	window time.Duration
	now    func() time.Time
}

// NewDeduplicator creates a deduplicator with the given content window. A
// non-positive window means DefaultWindow; the content guard cannot be
// switched off.
func NewDeduplicator(window time.Duration, now func() time.Time) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{
		seen:   make(map[int64]struct{}),
		window: window,
		now:    now,
	}
}

// Admit records msg and returns ReasonNone, or the reason it was rejected.
// A fresh id is still a duplicate when the same sender published the same
// content for the same turn within the window. Replies to different turns
// never collide, however alike they read.
func (d *Deduplicator) Admit(msg chat.Message) Reason {
	if _, ok := d.seen[msg.ID]; ok {
		return ReasonSeenID
	}

	now := d.now()
	d.expire(now)
	for _, r := range d.recent {
		if r.sender == msg.Sender && r.turn == msg.Turn && r.content == msg.Content {
			return ReasonDuplicate
		}
	}

	d.seen[msg.ID] = struct{}{}
	d.recent = append(d.recent, recent{sender: msg.Sender, turn: msg.Turn, content: msg.Content, at: now})
	return ReasonNone
}

func (d *Deduplicator) expire(now time.Time) {
	keep := d.recent[:0]
	for _, r := range d.recent {
		if now.Sub(r.at) < d.window {
			keep = append(keep, r)
		}
	}
	d.recent = keep
}
