package dsa

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// ─── Consumed-Token Filter ──────────────────────────────────────────────────
// Probabilistic pre-screen over consumed tracking tokens. Answers "has this
// token already been converted?" with:
//   - Yes → probably (false positive rate ≤ configured FPR)
//   - No  → definitely not (zero false negatives)
//
// Retrying partners resubmit the same token in bursts; a probable-duplicate
// answer lets the pipeline confirm with a cheap point read instead of
// opening a write transaction. The store's single-use delete remains the
// source of truth — the filter is never the basis for rejecting a request.

// TokenFilterConfig sizes the filter.
type TokenFilterConfig struct {
	ExpectedTokens int     // Expected consumed tokens before a Reset
	FPRate         float64 // Desired false positive rate (e.g. 0.001 = 0.1%)
}

// DefaultTokenFilterConfig returns defaults for 100k tokens at 0.1% FP rate.
func DefaultTokenFilterConfig() TokenFilterConfig {
	return TokenFilterConfig{
		ExpectedTokens: 100_000,
		FPRate:         0.001,
	}
}

// TokenFilter is a space-efficient probabilistic set of consumed tokens.
type TokenFilter struct {
	mu      sync.RWMutex
	bits    []uint64 // bit array stored as uint64 words
	numBits uint     // total bits
	numHash uint     // number of hash functions
	count   int      // tokens added
}

// NewTokenFilter creates a filter sized to achieve the target FP rate.
// Optimal sizing formulas:
//
//	m = -(n * ln(p)) / (ln(2)^2)   — total bits
//	k = (m/n) * ln(2)              — hash functions
func NewTokenFilter(cfg TokenFilterConfig) *TokenFilter {
	if cfg.ExpectedTokens <= 0 {
		cfg.ExpectedTokens = 100_000
	}
	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		cfg.FPRate = 0.001
	}

	n := float64(cfg.ExpectedTokens)
	p := cfg.FPRate

	m := uint(math.Ceil(-(n * math.Log(p)) / (math.Log(2) * math.Log(2))))
	k := uint(math.Ceil(float64(m) / n * math.Log(2)))

	if m == 0 {
		m = 64
	}
	if k == 0 {
		k = 1
	}

	words := (m + 63) / 64
	return &TokenFilter{
		bits:    make([]uint64, words),
		numBits: m,
		numHash: k,
	}
}

// Add marks a token as consumed.
func (f *TokenFilter) Add(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h1, h2 := baseHashes(token)
	for i := uint(0); i < f.numHash; i++ {
		pos := f.nthHash(h1, h2, i)
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.count++
}

// Contains tests whether a token might already be consumed.
// False means definitely not consumed. True means probably consumed.
func (f *TokenFilter) Contains(token string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	h1, h2 := baseHashes(token)
	for i := uint(0); i < f.numHash; i++ {
		pos := f.nthHash(h1, h2, i)
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of tokens added since the last Reset.
func (f *TokenFilter) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFPRate returns the current estimated false positive rate.
func (f *TokenFilter) EstimatedFPRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	m := float64(f.numBits)
	k := float64(f.numHash)
	n := float64(f.count)

	// FP rate ≈ (1 - e^(-kn/m))^k
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Reset clears the filter. Callers rotate the filter once it saturates;
// losing its contents only costs extra point reads, never correctness.
func (f *TokenFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.bits {
		f.bits[i] = 0
	}
	f.count = 0
}

// baseHashes computes two independent 32-bit hashes using SHA-256.
// Double hashing (Kirsch-Mitzenmacker) derives k positions from the pair:
// h_i(x) = h1(x) + i*h2(x).
func baseHashes(token string) (uint32, uint32) {
	sum := sha256.Sum256([]byte(token))
	return binary.BigEndian.Uint32(sum[0:4]), binary.BigEndian.Uint32(sum[4:8])
}

func (f *TokenFilter) nthHash(h1, h2 uint32, i uint) uint {
	return uint((uint64(h1) + uint64(i)*uint64(h2)) % uint64(f.numBits))
}
