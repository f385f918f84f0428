package chat

import (
	"sync"
	"time"
)

// IDSource hands out process-unique message ids. Ids are millisecond
// timestamps bumped forward on collision, so they sort in allocation order.
type IDSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDSource returns an IDSource backed by the wall clock.
func NewIDSource() *IDSource {
	return &IDSource{now: time.Now}
}

// Next returns an id strictly greater than every id returned before.
func (s *IDSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.now().UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}
