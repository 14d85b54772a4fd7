// Package memory provides an in-process coordination store for tests and single-binary runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/listing-image-dedup/internal/pipeline"
)

// Store keeps run hashes and work queues in memory. It mirrors the Redis
// semantics: queues are pushed and popped at the same end (LIFO).
type Store struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	lists  map[string][][]byte
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][][]byte),
	}
}

// GetFlag returns a hash field for the run.
func (s *Store) GetFlag(_ context.Context, run, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[run][key]
	return v, ok, nil
}

// SetFlag writes a hash field for the run.
func (s *Store) SetFlag(_ context.Context, run, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashLocked(run)[key] = value
	return nil
}

// CompareAndSetFlag writes value only when the current field equals old ("" = absent).
func (s *Store) CompareAndSetFlag(_ context.Context, run, key, old, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.hashes[run][key]
	if !ok {
		current = ""
	}
	if (ok && old == "") || current != old {
		return false, nil
	}
	s.hashLocked(run)[key] = value
	return true, nil
}

// Increment adds delta to an integer hash field and returns the new value.
func (s *Store) Increment(_ context.Context, run, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashLocked(run)
	var current int64
	if raw, ok := h[key]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("hash value is not an integer: %q", raw)
		}
		current = n
	}
	current += delta
	h[key] = strconv.FormatInt(current, 10)
	return current, nil
}

// Enqueue pushes the item onto the head of the run's queue.
func (s *Store) Enqueue(_ context.Context, item pipeline.ImageWorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	key := pipeline.QueueKey(item.RunName)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], data)
	return nil
}

// Dequeue pops from the head of the run's queue, so the newest item comes out first.
func (s *Store) Dequeue(_ context.Context, run string) (pipeline.ImageWorkItem, bool, error) {
	key := pipeline.QueueKey(run)
	s.mu.Lock()
	list := s.lists[key]
	if len(list) == 0 {
		s.mu.Unlock()
		return pipeline.ImageWorkItem{}, false, nil
	}
	data := list[len(list)-1]
	if len(list) == 1 {
		delete(s.lists, key)
	} else {
		s.lists[key] = list[:len(list)-1]
	}
	s.mu.Unlock()

	var item pipeline.ImageWorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return pipeline.ImageWorkItem{}, false, fmt.Errorf("decode work item: %w", err)
	}
	return item, true, nil
}

// Exists reports whether a hash or queue is stored under key.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	_, ok := s.lists[key]
	return ok, nil
}

// Delete removes whatever is stored under key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	delete(s.lists, key)
	return nil
}

// QueueLen returns the number of items waiting for the run.
func (s *Store) QueueLen(run string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[pipeline.QueueKey(run)])
}

func (s *Store) hashLocked(run string) map[string]string {
	h, ok := s.hashes[run]
	if !ok {
		h = make(map[string]string)
		s.hashes[run] = h
	}
	return h
}
