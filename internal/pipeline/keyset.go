package pipeline

import "sync"

// KeySet is a lock-guarded set of item keys shared by reference across every
// stage of a multi-stage composition. Admit performs an atomic
// check-and-insert so that two producers racing on the same key admit it
// exactly once system-wide.
type KeySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewKeySet returns an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{seen: make(map[string]struct{})}
}

// Admit records the key and reports whether it was new. A false return means
// some producer, on any stage, already admitted it.
func (s *KeySet) Admit(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Len returns the number of admitted keys.
func (s *KeySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
