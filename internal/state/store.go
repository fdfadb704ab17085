// Package state holds the dev session document observed by the console.
// Every change is made on a draft copy and diffed against the previous
// version; the resulting JSON patches are batched and published as
// local.patches.
package state

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wI2L/jsondiff"

	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/jsoncodec"
	"github.com/watzon/tether/internal/metrics"
)

var diffOptions = []jsondiff.Option{
	jsondiff.Factorize(),
	jsondiff.Rationalize(),
	jsondiff.MarshalFunc(jsoncodec.Marshal),
	jsondiff.UnmarshalFunc(jsoncodec.Unmarshal),
}

// Store owns the State document.
type Store struct {
	bus *events.Bus

	mu      sync.Mutex
	state   State
	pending events.PatchesProperties

	// flushMu keeps batches in order when Flush races the flusher, and
	// guards flushed.
	flushMu sync.Mutex
	// flushed is the document as of the last published batch.
	flushed []byte

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a store seeded with initial and starts its flusher.
func New(bus *events.Bus, initial State) *Store {
	if initial.Functions == nil {
		initial.Functions = map[string]*FunctionState{}
	}
	if initial.Stacks.Status == "" {
		initial.Stacks.Status = "idle"
	}

	s := &Store{
		bus:    bus,
		state:  initial,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if doc, err := jsoncodec.Marshal(initial); err == nil {
		s.flushed = doc
	} else {
		log.Error().Err(err).Msg("Failed to encode initial state")
		s.flushed = []byte("{}")
	}

	s.wg.Add(1)
	go s.flusher()
	return s
}

// Close flushes pending patches and stops the flusher.
func (s *Store) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.wg.Wait()
	s.Flush()
}

// Update applies fn to a draft of the state. If the draft differs from the
// current state, the difference is queued for the next local.patches batch.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := jsoncodec.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	var draft State
	if err := jsoncodec.Unmarshal(before, &draft); err != nil {
		return fmt.Errorf("copying state: %w", err)
	}
	if draft.Functions == nil {
		draft.Functions = map[string]*FunctionState{}
	}

	fn(&draft)

	after, err := jsoncodec.Marshal(draft)
	if err != nil {
		return fmt.Errorf("encoding draft: %w", err)
	}

	patch, err := jsondiff.CompareJSON(before, after, diffOptions...)
	if err != nil {
		return fmt.Errorf("diffing state: %w", err)
	}
	if len(patch) == 0 {
		return nil
	}

	ops, err := toOperations(patch)
	if err != nil {
		return err
	}

	scheduled := len(s.pending) > 0
	s.pending = append(s.pending, ops...)
	s.state = draft

	if !scheduled {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// UpdateFunction applies fn to the state of function id, creating it on
// first use.
func (s *Store) UpdateFunction(id string, fn func(*FunctionState)) error {
	return s.Update(func(st *State) {
		f, ok := st.Functions[id]
		if !ok || f == nil {
			f = newFunctionState()
			st.Functions[id] = f
		}
		fn(f)
	})
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() (State, error) {
	s.mu.Lock()
	data, err := jsoncodec.Marshal(s.state)
	s.mu.Unlock()
	if err != nil {
		return State{}, fmt.Errorf("encoding state: %w", err)
	}

	var out State
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return State{}, fmt.Errorf("copying state: %w", err)
	}
	return out, nil
}

// Flush publishes the pending batch, if any.
func (s *Store) Flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	var doc []byte
	var err error
	if len(batch) > 0 {
		doc, err = jsoncodec.Marshal(s.state)
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode state")
	} else {
		s.flushed = doc
	}

	metrics.RecordPatches(len(batch))
	log.Debug().Int("operations", len(batch)).Msg("Publishing state patches")
	s.bus.Publish(events.TypeLocalPatches, batch)
}

// Observe calls fn with the document as of the last published batch. No
// batch is published while fn runs, so a subscriber to local.patches that
// starts listening inside fn sees exactly the patches that follow doc.
func (s *Store) Observe(fn func(doc []byte)) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	fn(s.flushed)
}

func (s *Store) flusher() {
	defer s.wg.Done()
	for {
		select {
		case <-s.signal:
			s.Flush()
		case <-s.done:
			return
		}
	}
}

func toOperations(patch jsondiff.Patch) ([]events.PatchOperation, error) {
	data, err := jsoncodec.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	var ops []events.PatchOperation
	if err := jsoncodec.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}
	return ops, nil
}
