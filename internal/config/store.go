package config

import "sync/atomic"

// Store publishes the active configuration to concurrent readers. A Config
// handed to Set must not be mutated afterwards; readers get a consistent
// snapshot and updates swap the whole pointer.
type Store struct {
	p atomic.Pointer[Config]
}

// NewStore returns a store publishing cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.p.Store(cfg)
	return s
}

// Get returns the current snapshot.
func (s *Store) Get() *Config {
	return s.p.Load()
}

// Set publishes a replacement snapshot.
func (s *Store) Set(cfg *Config) {
	s.p.Store(cfg)
}
