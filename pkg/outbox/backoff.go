package outbox

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// maxShift bounds the exponent so base<<shift cannot overflow int64.
const maxShift = 62

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// BackoffDelay returns min(maxDelay, base*2^(attempts-1)) plus a uniform jitter in [0, jitter).
// A zero jitter makes the result deterministic.
func BackoffDelay(attempts int, base, maxDelay, jitter time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base < 0 {
		base = 0
	}

	delay := exponential(base, attempts-1)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if jitter > 0 && delay <= time.Duration(math.MaxInt64)-jitter {
		delay += randomJitter(jitter)
	}
	return delay
}

func exponential(base time.Duration, shift int) time.Duration {
	if base == 0 {
		return 0
	}
	if shift > maxShift {
		return time.Duration(math.MaxInt64)
	}
	if base > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(shift)
}

func randomJitter(jitter time.Duration) time.Duration {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return time.Duration(jitterRnd.Int63n(int64(jitter)))
}
