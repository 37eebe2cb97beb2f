// Package stek implements the process-wide session-ticket-key slot
// (spec §5 "Shared resources", §6 external interfaces): a triple-buffer
// of (current, previous, incoming) 48-byte keys protected by a
// writer-starvation-free shared lock, so handshake-path readers never
// block behind a key rotation for long. Supplemented from
// original_source/plugins/experimental/stek_share (peer-synchronised
// rotation via a log of generated keys), scoped down here to the local
// triple-buffer the core itself consults.
package stek

import (
	"crypto/rand"
	"sync"
	"time"
)

// KeySize is the fixed STEK size: 16-byte key_name + 16-byte AES key +
// 16-byte HMAC secret (spec §6).
const KeySize = 48

// Key is one session-ticket encryption key.
type Key [KeySize]byte

func (k Key) Name() [16]byte   { var n [16]byte; copy(n[:], k[0:16]); return n }
func (k Key) AESKey() [16]byte { var a [16]byte; copy(a[:], k[16:32]); return a }
func (k Key) HMAC() [16]byte   { var h [16]byte; copy(h[:], k[32:48]); return h }

// GenerateKey produces a fresh random Key.
func GenerateKey() (Key, error) {
	var k Key
	_, err := rand.Read(k[:])
	return k, err
}

// Slot is the triple-buffered (current, previous, incoming) STEK store.
// Readers take the shared lock's read side; rotation takes the write
// side only long enough to shift the three pointers, never to perform
// key generation or I/O under lock.
type Slot struct {
	mu       sync.RWMutex
	current  Key
	previous Key
	incoming Key
	hasPrev  bool
	hasIncom bool
	rotated  time.Time
}

// NewSlot seeds the slot with an initial current key.
func NewSlot(initial Key) *Slot {
	return &Slot{current: initial, rotated: time.Now()}
}

// Current returns the key new tickets should be encrypted under.
func (s *Slot) Current() Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// DecryptCandidates returns the keys, in preference order, a resumption
// handshake should try decrypting an incoming ticket with: current,
// then previous (still valid for tickets issued just before the last
// rotation), then incoming (a key about to become current, accepted
// early so in-flight rotations across a cluster don't reject valid
// tickets).
func (s *Slot) DecryptCandidates() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Key{s.current}
	if s.hasPrev {
		out = append(out, s.previous)
	}
	if s.hasIncom {
		out = append(out, s.incoming)
	}
	return out
}

// SetIncoming stages a key that will become current on the next Rotate,
// without disturbing current/previous (used when an operator publishes
// a key ahead of the scheduled rotation so peers converge first).
func (s *Slot) SetIncoming(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = k
	s.hasIncom = true
}

// Rotate shifts current → previous and, if an incoming key was staged,
// incoming → current; otherwise generates a fresh current key.
func (s *Slot) Rotate() error {
	fresh, genErr := GenerateKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasIncom && genErr != nil {
		return genErr
	}
	s.previous = s.current
	s.hasPrev = true
	if s.hasIncom {
		s.current = s.incoming
		s.hasIncom = false
	} else {
		s.current = fresh
	}
	s.rotated = time.Now()
	return nil
}

// RotatedAt reports when the current key was last installed.
func (s *Slot) RotatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotated
}
