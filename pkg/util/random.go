package util

import (
	"math/rand"
	"sync"
	"time"
)

// Random is the single source of chance for every probabilistic decision.
// Components take it in their constructor so tests can script outcomes.
type Random interface {
	// Float64 returns a value in [0.0, 1.0).
	Float64() float64
	// Intn returns a value in [0, n). n must be > 0.
	Intn(n int) int
}

type lockedRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a goroutine-safe Random. seed 0 seeds from the clock.
func NewRandom(seed int64) Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &lockedRandom{rng: rand.New(rand.NewSource(seed))}
}

func (r *lockedRandom) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRandom) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// SequenceRandom replays a fixed list of floats, cycling when exhausted.
// Intn maps the next float onto [0, n).
type SequenceRandom struct {
	mu     sync.Mutex
	values []float64
	pos    int
}

// Sequence returns a deterministic Random. With no values it always yields 0.
func Sequence(values ...float64) *SequenceRandom {
	return &SequenceRandom{values: values}
}

func (s *SequenceRandom) next() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0
	}
	v := s.values[s.pos%len(s.values)]
	s.pos++
	return v
}

func (s *SequenceRandom) Float64() float64 { return s.next() }

func (s *SequenceRandom) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	i := int(s.next() * float64(n))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// Draws reports how many values were consumed so far.
func (s *SequenceRandom) Draws() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Clamp01 bounds x to [0, 1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// ClampInt bounds x to [lo, hi].
func ClampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
