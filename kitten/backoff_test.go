package kitten

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffGrowth(t *testing.T) {
	initial := 10 * time.Millisecond
	max := 300 * time.Millisecond
	backoff := NewBackoff(initial, max, BackoffResetOnOpen)

	for n := 0; n < 10; n += 1 {
		expected := initial * (1 << n)
		if max < expected {
			expected = max
		}
		assert.Equal(t, backoff.Next(), expected)
	}
}

func TestBackoffResetOnOpen(t *testing.T) {
	backoff := NewBackoff(time.Second, 8*time.Second, BackoffResetOnOpen)

	assert.Equal(t, backoff.Next(), time.Second)
	assert.Equal(t, backoff.Next(), 2*time.Second)
	backoff.Opened()
	assert.Equal(t, backoff.Next(), time.Second)
}

func TestBackoffNeverReset(t *testing.T) {
	backoff := NewBackoff(time.Second, 8*time.Second, BackoffNeverReset)

	assert.Equal(t, backoff.Next(), time.Second)
	assert.Equal(t, backoff.Next(), 2*time.Second)
	backoff.Opened()
	assert.Equal(t, backoff.Next(), 4*time.Second)
	assert.Equal(t, backoff.Next(), 8*time.Second)
	backoff.Opened()
	assert.Equal(t, backoff.Next(), 8*time.Second)

	backoff.Reset()
	assert.Equal(t, backoff.Next(), time.Second)
}

func TestBackoffMaxBelowInitial(t *testing.T) {
	backoff := NewBackoff(time.Second, time.Millisecond, BackoffResetOnOpen)
	assert.Equal(t, backoff.Next(), time.Second)
	assert.Equal(t, backoff.Next(), time.Second)
}

func TestParseBackoffResetPolicy(t *testing.T) {
	policy, err := ParseBackoffResetPolicy("")
	assert.Equal(t, err, nil)
	assert.Equal(t, policy, BackoffResetOnOpen)

	policy, err = ParseBackoffResetPolicy("never_reset")
	assert.Equal(t, err, nil)
	assert.Equal(t, policy, BackoffNeverReset)

	_, err = ParseBackoffResetPolicy("sometimes")
	assert.NotEqual(t, err, nil)
}

func TestBackoffNonPositiveInitial(t *testing.T) {
	backoff := NewBackoff(0, 0, BackoffResetOnOpen)
	assert.Equal(t, backoff.Next(), MinBackoff)
	assert.Equal(t, backoff.Next(), MinBackoff)

	backoff = NewBackoff(-time.Second, 4*MinBackoff, BackoffNeverReset)
	assert.Equal(t, backoff.Next(), MinBackoff)
	assert.Equal(t, backoff.Next(), 2*MinBackoff)
	assert.Equal(t, backoff.Next(), 4*MinBackoff)
}
