package realtime

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/metrics"
)

// minDigitRun is the shortest run of digits treated as an embedded numeric
// id. Shorter runs (UUID fragments, "v2" style suffixes) fall through to the
// hash so unrelated ids cannot collapse onto small integers.
const minDigitRun = 4

// DeriveStableID maps an externally-issued string identifier onto the stable
// integer key used for deduplication and UI list identity. It is a pure
// function of its input: the same external id always yields the same stable
// id, no matter which transport delivered the record or in what order.
//
// Derivation order: the longest contiguous digit run of at least minDigitRun
// digits is parsed directly (covers sources that embed a numeric id in a
// formatted string); otherwise a polynomial hash of the whole id is used.
// Empty input falls back to a timestamp-derived id and reports degraded=true;
// duplicate suppression is weaker for degraded ids, which is accepted.
func DeriveStableID(externalID string) (id int64, degraded bool) {
	if externalID == "" {
		return time.Now().UnixNano() & (1<<62 - 1), true
	}

	if run := longestDigitRun(externalID); len(run) >= minDigitRun {
		// Cap at 18 digits so the parse cannot overflow int64.
		if len(run) > 18 {
			run = run[len(run)-18:]
		}
		if n, err := strconv.ParseInt(run, 10, 64); err == nil {
			return n, false
		}
	}

	return polyHash(externalID), false
}

// longestDigitRun returns the longest contiguous run of ASCII digits in s.
// The earliest run wins ties.
func longestDigitRun(s string) string {
	best, start := "", -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if run := s[start:i]; len(run) > len(best) {
				best = run
			}
			start = -1
		}
	}
	return best
}

// polyHash computes a 31-base polynomial rolling hash of s, folded to a
// non-negative int64.
func polyHash(s string) int64 {
	var h int64
	for i := 0; i < len(s); i++ {
		h = h*31 + int64(s[i])
	}
	if h < 0 {
		if h == -1<<63 {
			return 1 << 62
		}
		return -h
	}
	return h
}

// Reconciler memoizes stable-id derivations for one conversation session.
// The cache is an optimization, not a source of truth: DeriveStableID is
// deterministic on its own. The cache is cleared on session teardown so it
// never grows across conversations.
type Reconciler struct {
	mu       sync.Mutex
	cache    map[string]int64
	degraded int
}

// NewReconciler creates an empty session-scoped Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{cache: make(map[string]int64)}
}

// StableID returns the stable id for externalID, memoizing the result.
func (r *Reconciler) StableID(externalID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cache[externalID]; ok {
		return id
	}
	id, degraded := DeriveStableID(externalID)
	if degraded {
		r.degraded++
		metrics.DegradedIDs.Inc()
		log.Printf("realtime: degraded stable id for malformed external id %q", externalID)
	}
	r.cache[externalID] = id
	return id
}

// DegradedCount reports how many derivations used the degraded fallback.
func (r *Reconciler) DegradedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// CacheSize reports the number of memoized ids.
func (r *Reconciler) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Reset clears the memoization cache. Called on session teardown.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]int64)
	r.degraded = 0
}
