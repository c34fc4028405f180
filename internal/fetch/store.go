package fetch

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Payload is a fetched resource as received.
type Payload struct {
	Endpoint  string          `json:"endpoint"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Store holds the session data fetched during bootstrap, keyed by task id.
type Store struct {
	mu       sync.RWMutex
	payloads map[string]Payload
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{payloads: make(map[string]Payload)}
}

// Put stores data under key, replacing any previous value.
func (s *Store) Put(key, endpoint string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[key] = Payload{
		Endpoint:  endpoint,
		Data:      append(json.RawMessage(nil), data...),
		FetchedAt: time.Now(),
	}
}

// Get returns the payload stored under key.
func (s *Store) Get(key string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[key]
	return p, ok
}

// Decode unmarshals the payload stored under key into v.
func (s *Store) Decode(key string, v any) error {
	p, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("no data for %q", key)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// Keys returns the stored keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.payloads))
	for k := range s.payloads {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored payloads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payloads)
}
