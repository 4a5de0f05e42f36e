package finger

import (
	"bytes"
	"log/slog"
	"strconv"
	"sync"

	"github.com/onionmesh/onionmesh/distrimerr"
	"github.com/onionmesh/onionmesh/randutil"
)

// h2i parses a 4-hex-character ident into its uint16 key, matching the
// original's h2i helper.
func h2i(ident string) (uint16, error) {
	v, err := strconv.ParseUint(ident, 16, 16)
	if err != nil {
		return 0, distrimerr.Wrap(distrimerr.FingerSpaceErr, err, "invalid ident %q", ident)
	}
	return uint16(v), nil
}

// equalFields reports whether a and b agree on all four fields. Fields
// holds a []byte, so the == operator is not defined on it.
func equalFields(a, b Fields) bool {
	return a.Addr == b.Addr && a.Port == b.Port && a.Ident == b.Ident && bytes.Equal(a.PubKey, b.PubKey)
}

// Space is the local node's directory of known peers: idents are 2-byte
// values (4 hex chars), so the map key is uint16 rather than a generic
// big.Int — spec.md calls the 2-byte ident deliberate and didactic. All
// operations are serialized by one mutex, held for the duration of each
// call including GetRandom's full draw, to guarantee snapshot
// consistency.
type Space struct {
	mu      sync.Mutex
	byIdent map[uint16]Finger
	self    Finger

	added   int
	removed int
}

// NewSpace creates an empty directory. self is the owning node's own
// Finger, used to reject self-insertion.
func NewSpace(self Finger) *Space {
	return &Space{byIdent: make(map[uint16]Finger), self: self}
}

// Put inserts f. Inserting the local node's own fields is rejected
// silently (size unchanged) and logged at warn, per spec.md §8 item 9.
// Inserting a different Finger under an ident already bound to a
// different Finger is rejected with a FingerSpaceErr and logged at warn
// (short-ident collisions are observable by design).
func (s *Space) Put(f Finger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Ident == s.self.Ident && equalFields(f.Fields, s.self.Fields) {
		slog.Warn("fingerspace: rejected self-insert", "ident", f.Ident)
		return nil
	}

	key, err := h2i(f.Ident)
	if err != nil {
		return err
	}

	if existing, ok := s.byIdent[key]; ok && !equalFields(existing.Fields, f.Fields) {
		slog.Warn("fingerspace: ident collision with different fields, rejecting put",
			"ident", f.Ident, "existing_addr", existing.Addr, "new_addr", f.Addr)
		return distrimerr.New(distrimerr.FingerSpaceErr, "ident %q already bound to different fields", f.Ident)
	}

	if _, ok := s.byIdent[key]; !ok {
		s.added++
	}
	s.byIdent[key] = f
	return nil
}

// Get returns the Finger stored for ident, or false if none is present.
func (s *Space) Get(ident string) (Finger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := h2i(ident)
	if err != nil {
		return Finger{}, false
	}
	f, ok := s.byIdent[key]
	return f, ok
}

// Remove deletes ident from the directory, if present.
func (s *Space) Remove(ident string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := h2i(ident)
	if err != nil {
		return
	}
	if _, ok := s.byIdent[key]; ok {
		delete(s.byIdent, key)
		s.removed++
	}
}

// Len returns the number of fingers currently held.
func (s *Space) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byIdent)
}

// Added returns the cumulative count of successful Put insertions.
func (s *Space) Added() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added
}

// Removed returns the cumulative count of successful Remove deletions.
func (s *Space) Removed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Export copies out every held Finger, for inclusion in a WELC message's
// NODES list. The copy is taken under the mutex and returned after
// release, per spec.md §5's "long iterations copy out under the mutex"
// rule.
func (s *Space) Export() []Finger {
	s.mu.Lock()
	out := make([]Finger, 0, len(s.byIdent))
	for _, f := range s.byIdent {
		out = append(out, f)
	}
	s.mu.Unlock()
	return out
}

// Import inserts every Finger in fingers, skipping any whose ident is
// self's.
// Errors from individual Puts (e.g. ident collisions) are logged, not
// returned, matching the original bootstrapper's best-effort import.
func (s *Space) Import(fingers []Finger) {
	for _, f := range fingers {
		if f.Ident == s.self.Ident {
			continue
		}
		if err := s.Put(f); err != nil {
			slog.Warn("fingerspace: import skipped an entry", "ident", f.Ident, "err", err)
		}
	}
}

// GetRandom draws n distinct fingers uniformly at random, without
// replacement. n < 1 fails with a FingerSpaceErr (the original raises a
// value error; this module has one directory error kind). An empty
// directory fails with a FingerSpaceErr. n larger than the directory
// size is clamped. The mutex is held across the full draw for snapshot
// consistency, per spec.md §5.
func (s *Space) GetRandom(n int, r *randutil.Rand) ([]Finger, error) {
	if n < 1 {
		return nil, distrimerr.New(distrimerr.FingerSpaceErr, "GetRandom: n must be >= 1, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byIdent) == 0 {
		return nil, distrimerr.New(distrimerr.FingerSpaceErr, "GetRandom: directory is empty")
	}
	if n > len(s.byIdent) {
		n = len(s.byIdent)
	}

	pool := make([]Finger, 0, len(s.byIdent))
	for _, f := range s.byIdent {
		pool = append(pool, f)
	}
	r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n], nil
}
