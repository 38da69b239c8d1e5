// Package entropy provides the cheap pseudo-random source exposed to
// scripts and the version fingerprint used to skip redundant reloads.
package entropy

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Source is an xorshift64 generator that keeps mixing in the clock and
// whatever events the host feeds it. It is not for cryptographic use.
type Source struct {
	mu    sync.Mutex
	state uint64
	now   func() time.Time
}

// NewSource returns a Source seeded from the clock.
func NewSource() *Source {
	s := &Source{state: 88172645463325252, now: time.Now}
	s.Mix(uint64(s.now().UnixNano()))
	return s
}

// Mix folds v into the state. Load times and other irregular events make
// good inputs.
func (s *Source) Mix(v uint64) {
	s.mu.Lock()
	s.state += v
	s.step()
	s.mu.Unlock()
}

// Uint64 returns the next value.
func (s *Source) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state += uint64(s.now().UnixMicro())
	return s.step()
}

// Intn returns a value in [0, n). n <= 0 returns 0.
// The modulo bias is negligible for the ranges scripts ask for.
func (s *Source) Intn(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return int64(s.Uint64() % uint64(n))
}

// Range returns a value in [lo, hi). An empty range returns lo.
func (s *Source) Range(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + s.Intn(hi-lo)
}

func (s *Source) step() uint64 {
	if s.state == 0 {
		s.state = 88172645463325252
	}
	s.state ^= s.state << 13
	s.state ^= s.state >> 7
	s.state ^= s.state << 17
	return s.state
}

// Version modes for Tagger.
const (
	// ModeContent fingerprints the whole source.
	ModeContent = "content"
	// ModePrefix uses the leading bytes of the source verbatim, so a version
	// comment on the first line decides whether a reload happens.
	ModePrefix = "prefix"
)

// DefaultPrefixLen is the number of leading bytes compared in prefix mode.
const DefaultPrefixLen = 30

// Tagger computes fixed-length version tags.
type Tagger struct {
	Mode      string
	PrefixLen int
}

// Tag returns the version tag of src.
func (t Tagger) Tag(src []byte) string {
	if t.Mode == ModePrefix {
		n := t.PrefixLen
		if n <= 0 {
			n = DefaultPrefixLen
		}
		buf := make([]byte, n)
		copy(buf, src)
		return hex.EncodeToString(buf)
	}
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:16])
}
