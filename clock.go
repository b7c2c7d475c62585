package netaddr

import (
	"math/rand"
	"time"
)

// Clock abstracts monotonic time so engine tests can drive the FSMs
// without sleeping real wall-clock time. Production code uses
// SystemClock; tests substitute a fake that advances on demand. This
// is the Go-idiomatic fix for the Design Note "Global tick counters ->
// per-engine fields; tests need to mock time deterministically" — the
// teacher never needed this because it never unit-tested timer
// backoff, but every other ambient concern in this module (logging,
// config) follows the teacher's own conventions directly.
type Clock interface {
	// NowMillis returns a monotonically increasing 32-bit millisecond
	// counter. It wraps; callers must use TimeAfter/TimeBefore, never
	// direct subtraction, to compare two readings.
	NowMillis() uint32
}

// SystemClock is the production Clock backed by time.Now's monotonic
// reading, truncated to 32 bits of milliseconds.
type SystemClock struct{}

// clockOrigin carries a monotonic reading that SystemClock measures from.
var clockOrigin = time.Now()

func (SystemClock) NowMillis() uint32 {
	return uint32(time.Since(clockOrigin).Milliseconds())
}

// TimeAfter reports whether a is at or after b, using wrap-safe signed
// subtraction as required by spec section 5 ("Timer semantics").
func TimeAfter(a, b uint32) bool {
	return int32(a-b) >= 0
}

// TimeBefore reports whether a is strictly before b.
func TimeBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// RandSource abstracts the platform's random number generator (spec
// section 6, netGetRand/netGetRandRange). Cryptographic strength is
// explicitly not required; statistical uniformity sufficient to
// distinguish concurrent clients is.
type RandSource interface {
	// Uint32 returns a uniformly distributed 32-bit value.
	Uint32() uint32
	// IntRange returns a uniformly distributed integer in [lo, hi].
	IntRange(lo, hi int32) int32
}

// mathRandSource is the default RandSource, backed by math/rand. See
// DESIGN.md for why a non-cryptographic PRNG is the correct and
// sufficient choice here.
type mathRandSource struct {
	r *rand.Rand
}

// NewRandSource returns a RandSource seeded from seed. Production
// callers should seed from a true entropy source (e.g.
// time.Now().UnixNano()); tests use a fixed seed for reproducibility.
func NewRandSource(seed int64) RandSource {
	return &mathRandSource{r: rand.New(rand.NewSource(seed))}
}

func (m *mathRandSource) Uint32() uint32 {
	return m.r.Uint32()
}

func (m *mathRandSource) IntRange(lo, hi int32) int32 {
	if hi <= lo {
		return lo
	}
	return lo + m.r.Int31n(hi-lo+1)
}

// RandSym returns a uniform integer in [-x, +x], matching spec
// section 4.1's randSym(x) used for SELECTING/REQUESTING jitter.
func RandSym(r RandSource, x int32) int32 {
	if x <= 0 {
		return 0
	}
	return r.IntRange(-x, x)
}

// RandFraction applies DHCPv6's retransmission jitter formula (spec
// section 4.2): rand(x) = x * uniform(-0.1, +0.1), implemented as
// x * uniform(-100, +100) / 1000 to stay in integer milliseconds.
func RandFraction(r RandSource, x int64) int64 {
	if x <= 0 {
		return 0
	}
	milliPct := int64(r.IntRange(-100, 100))
	return x * milliPct / 1000
}
