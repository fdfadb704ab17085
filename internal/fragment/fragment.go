// Package fragment splits JSON messages into transport-sized chunks and
// reassembles them on the other side.
package fragment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/ids"
	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/metrics"
)

const (
	// MaxDataLength is the largest number of characters carried by one fragment.
	MaxDataLength = 100_000

	// MaxEncodedBytes is the largest marshalled fragment Split produces. It
	// matches the transport message ceiling.
	MaxEncodedBytes = 128 * 1024

	// envelopeBytes is reserved for the id, index and count fields around
	// the data string.
	envelopeBytes = 256

	// DefaultTTL is how long an incomplete bucket is kept before eviction.
	DefaultTTL = 2 * time.Minute

	// DefaultMaxPending caps the number of incomplete buckets held at once.
	DefaultMaxPending = 1024
)

var (
	// ErrInvalidFragment is returned for fragments that can never complete.
	ErrInvalidFragment = errors.New("invalid fragment")
)

// Fragment is one chunk of a serialized message.
type Fragment struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Count int    `json:"count"`
	Data  string `json:"data"`
}

// Encode serializes message and splits the document into fragments sharing a
// fresh id. An empty document still yields a single fragment.
func Encode(message any) ([]Fragment, error) {
	data, err := jsoncodec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return Split(string(data)), nil
}

// Split cuts s into chunks of at most MaxDataLength characters whose
// marshalled fragments stay within MaxEncodedBytes. A chunk never ends inside
// a multi-byte character.
func Split(s string) []Fragment {
	budget := MaxEncodedBytes - envelopeBytes

	var chunks []string
	for len(s) > 0 {
		end := cutIndex(s, MaxDataLength, budget)
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	id := ids.ULID()
	fragments := make([]Fragment, len(chunks))
	for i, chunk := range chunks {
		fragments[i] = Fragment{ID: id, Index: i, Count: len(chunks), Data: chunk}
	}
	return fragments
}

// cutIndex returns the byte offset of the longest prefix of s holding at most
// n characters whose JSON string encoding fits in budget bytes. At least one
// character is always taken.
func cutIndex(s string, n, budget int) int {
	chars, size := 0, 0
	for i, r := range s {
		cost := escapedLen(r, s[i:])
		if chars == n || (chars > 0 && size+cost > budget) {
			return i
		}
		chars++
		size += cost
	}
	return len(s)
}

// escapedLen is an upper bound on the bytes r occupies inside a marshalled
// JSON string, with HTML escaping on.
func escapedLen(r rune, rest string) int {
	switch {
	case r == '"' || r == '\\':
		return 2
	case r < 0x20, r == '<', r == '>', r == '&', r == '\u2028', r == '\u2029':
		return 6
	case r == utf8.RuneError:
		if _, size := utf8.DecodeRuneInString(rest); size == 1 {
			return 6
		}
	}
	return utf8.RuneLen(r)
}

type bucket struct {
	count     int
	parts     map[int]string
	firstSeen time.Time
}

// Decoder reassembles fragments into complete messages. It is safe for
// concurrent use.
type Decoder struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	ttl        time.Duration
	maxPending int
	now        func() time.Time
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithTTL sets how long incomplete buckets survive.
func WithTTL(ttl time.Duration) Option {
	return func(d *Decoder) { d.ttl = ttl }
}

// WithMaxPending caps the number of incomplete buckets.
func WithMaxPending(n int) Option {
	return func(d *Decoder) { d.maxPending = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		buckets:    make(map[string]*bucket),
		ttl:        DefaultTTL,
		maxPending: DefaultMaxPending,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Push adds f to its bucket. When the bucket holds Count fragments the
// reassembled payload is returned with complete set to true and the bucket
// is discarded.
func (d *Decoder) Push(f Fragment) (payload []byte, complete bool, err error) {
	if err := validate(f); err != nil {
		metrics.RecordFragmentDropped("invalid")
		return nil, false, err
	}

	metrics.RecordFragments("received", 1)

	if f.Count == 1 {
		return []byte(f.Data), true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)

	b, ok := d.buckets[f.ID]
	if !ok {
		d.makeRoomLocked()
		b = &bucket{count: f.Count, parts: make(map[int]string, f.Count), firstSeen: now}
		d.buckets[f.ID] = b
	}
	if b.count != f.Count {
		metrics.RecordFragmentDropped("count_mismatch")
		return nil, false, fmt.Errorf("%w: id %s count %d, bucket expects %d", ErrInvalidFragment, f.ID, f.Count, b.count)
	}

	b.parts[f.Index] = f.Data
	if len(b.parts) < b.count {
		return nil, false, nil
	}

	delete(d.buckets, f.ID)

	indexes := make([]int, 0, len(b.parts))
	for i := range b.parts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var sb strings.Builder
	for _, i := range indexes {
		sb.WriteString(b.parts[i])
	}
	return []byte(sb.String()), true, nil
}

// Decode pushes f and, once its message is complete, unmarshals it into v.
func (d *Decoder) Decode(f Fragment, v any) (bool, error) {
	payload, complete, err := d.Push(f)
	if err != nil || !complete {
		return false, err
	}
	if err := jsoncodec.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decoding reassembled message %s: %w", f.ID, err)
	}
	return true, nil
}

// Sweep evicts buckets older than the TTL and returns how many were removed.
func (d *Decoder) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweepLocked(d.now())
}

// Pending returns the number of incomplete buckets.
func (d *Decoder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}

func (d *Decoder) sweepLocked(now time.Time) int {
	if d.ttl <= 0 {
		return 0
	}
	evicted := 0
	for id, b := range d.buckets {
		if now.Sub(b.firstSeen) > d.ttl {
			delete(d.buckets, id)
			evicted++
			metrics.RecordFragmentDropped("expired")
			log.Debug().
				Str("fragment_id", id).
				Int("received", len(b.parts)).
				Int("count", b.count).
				Msg("Evicted incomplete fragment bucket")
		}
	}
	return evicted
}

func (d *Decoder) makeRoomLocked() {
	if d.maxPending <= 0 || len(d.buckets) < d.maxPending {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, b := range d.buckets {
		if oldestID == "" || b.firstSeen.Before(oldest) {
			oldestID, oldest = id, b.firstSeen
		}
	}
	delete(d.buckets, oldestID)
	metrics.RecordFragmentDropped("overflow")
	log.Debug().Str("fragment_id", oldestID).Msg("Evicted oldest fragment bucket")
}

func validate(f Fragment) error {
	switch {
	case f.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidFragment)
	case f.Count <= 0:
		return fmt.Errorf("%w: id %s has count %d", ErrInvalidFragment, f.ID, f.Count)
	case f.Index < 0 || f.Index >= f.Count:
		return fmt.Errorf("%w: id %s index %d out of range [0,%d)", ErrInvalidFragment, f.ID, f.Index, f.Count)
	case utf8.RuneCountInString(f.Data) > MaxDataLength:
		return fmt.Errorf("%w: id %s carries more than %d characters", ErrInvalidFragment, f.ID, MaxDataLength)
	}
	return nil
}
