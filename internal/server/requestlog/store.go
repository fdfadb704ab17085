// Package requestlog keeps a bounded ring of requests forwarded by the CORS
// proxy so the console can show what it sent upstream.
package requestlog

import (
	"strings"
	"sync"
	"time"
)

// Entry is one proxied request.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Target     string    `json:"target"`
	Host       string    `json:"host"`
	Status     int       `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	BytesOut   int64     `json:"bytes_out"`
	Error      string    `json:"error,omitempty"`
}

// Store is a ring buffer of entries, safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 200
	}
	return &Store{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add records e, overwriting the oldest entry when full.
func (s *Store) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.head] = e
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
}

// FilterOptions narrows List. Zero values match everything.
type FilterOptions struct {
	Method    string
	Host      string
	MinStatus int
	MaxStatus int
	Failed    bool
	Since     time.Time
	Limit     int
	Offset    int
}

type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// List returns matching entries, newest first.
func (s *Store) List(opts FilterOptions) ListResult {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > s.capacity {
		opts.Limit = s.capacity
	}

	s.mu.RLock()
	matched := make([]Entry, 0, s.count)
	for i := 0; i < s.count; i++ {
		e := s.entries[(s.head-1-i+s.capacity)%s.capacity]
		if opts.matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	start := min(opts.Offset, len(matched))
	end := min(start+opts.Limit, len(matched))

	return ListResult{
		Entries: matched[start:end],
		Total:   len(matched),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}
}

func (o FilterOptions) matches(e Entry) bool {
	switch {
	case o.Method != "" && !strings.EqualFold(e.Method, o.Method):
		return false
	case o.Host != "" && !strings.EqualFold(e.Host, o.Host):
		return false
	case o.MinStatus != 0 && e.Status < o.MinStatus:
		return false
	case o.MaxStatus != 0 && e.Status > o.MaxStatus:
		return false
	case o.Failed && e.Error == "":
		return false
	case !o.Since.IsZero() && e.Timestamp.Before(o.Since):
		return false
	}
	return true
}

// Count returns the number of retained entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]Entry, s.capacity)
	s.head = 0
	s.count = 0
}
