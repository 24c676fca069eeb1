package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLimiter(t *testing.T) (*authRateLimiter, *time.Time) {
	t.Helper()
	l := newAuthRateLimiter()
	t.Cleanup(l.close)
	now := time.Unix(1_750_000_000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

// --- authRateLimiter tests ---

func TestAuthRateLimiter_AllowInitial(t *testing.T) {
	l, _ := testLimiter(t)
	assert.True(t, l.allow("192.168.1.1:12345"))
}

func TestAuthRateLimiter_AllowAfterFewFailures(t *testing.T) {
	l, _ := testLimiter(t)
	for i := 0; i < 5; i++ {
		l.recordFailure("192.168.1.1:12345")
	}
	assert.True(t, l.allow("192.168.1.1:12345"))
}

func TestAuthRateLimiter_BlockAfterMaxFailures(t *testing.T) {
	l, _ := testLimiter(t)
	for i := 0; i < authRateMaxFails; i++ {
		l.recordFailure("192.168.1.1:12345")
	}
	assert.False(t, l.allow("192.168.1.1:12345"))
	assert.False(t, l.allow("192.168.1.1:999"), "the port is ignored")
	assert.True(t, l.allow("192.168.1.2:12345"))
}

func TestAuthRateLimiter_IPWithoutPort(t *testing.T) {
	l, _ := testLimiter(t)
	for i := 0; i < authRateMaxFails; i++ {
		l.recordFailure("192.168.1.1")
	}
	assert.False(t, l.allow("192.168.1.1"))
}

func TestAuthRateLimiter_WindowExpires(t *testing.T) {
	l, now := testLimiter(t)
	for i := 0; i < authRateMaxFails; i++ {
		l.recordFailure("10.0.0.1:1")
	}
	assert.False(t, l.allow("10.0.0.1:1"))

	*now = now.Add(authRateWindow + time.Second)
	assert.True(t, l.allow("10.0.0.1:1"))
}

func TestAuthRateLimiter_Prune(t *testing.T) {
	l, now := testLimiter(t)
	l.recordFailure("10.0.0.1:1")
	*now = now.Add(authRateWindow / 2)
	l.recordFailure("10.0.0.2:1")
	*now = now.Add(authRateWindow/2 + time.Second)

	l.prune()
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.failures, "10.0.0.1")
	assert.Len(t, l.failures["10.0.0.2"], 1)
}

func TestAuthRateLimiter_EvictsOldestIPWhenFull(t *testing.T) {
	l, now := testLimiter(t)
	for i := 0; i < authRateMaxIPs; i++ {
		l.recordFailure(fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff))
		*now = now.Add(time.Millisecond)
	}
	l.recordFailure("192.168.9.9")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.failures, authRateMaxIPs)
	assert.NotContains(t, l.failures, "10.0.0.0")
	assert.Contains(t, l.failures, "192.168.9.9")
}
