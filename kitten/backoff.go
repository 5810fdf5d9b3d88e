package kitten

import (
	"fmt"
	"sync"
	"time"
)

// when the reconnect delay returns to its initial value
type BackoffResetPolicy string

const (
	// a successful open resets the delay
	BackoffResetOnOpen BackoffResetPolicy = "reset_on_open"
	// the delay never decreases for the life of the transport
	BackoffNeverReset BackoffResetPolicy = "never_reset"
)

func ParseBackoffResetPolicy(s string) (BackoffResetPolicy, error) {
	switch policy := BackoffResetPolicy(s); policy {
	case BackoffResetOnOpen, BackoffNeverReset:
		return policy, nil
	case "":
		return BackoffResetOnOpen, nil
	default:
		return "", fmt.Errorf("Unknown backoff reset policy: %s", s)
	}
}

// exponential reconnect delay.
// The nth consecutive close (n from 0) waits `min(initial * 2^n, max)`.
type Backoff struct {
	initial     time.Duration
	max         time.Duration
	resetPolicy BackoffResetPolicy

	stateLock sync.Mutex
	delay     time.Duration
}

// the smallest reconnect delay. A non-positive initial delay is raised to this.
const MinBackoff = 10 * time.Millisecond

func NewBackoff(initial time.Duration, max time.Duration, resetPolicy BackoffResetPolicy) *Backoff {
	if initial <= 0 {
		initial = MinBackoff
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial:     initial,
		max:         max,
		resetPolicy: resetPolicy,
		delay:       initial,
	}
}

// the delay for this close. Each call doubles the next delay, up to the max.
func (self *Backoff) Next() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delay := self.delay
	if self.max/2 < self.delay {
		self.delay = self.max
	} else {
		self.delay = 2 * self.delay
	}
	return delay
}

// the connection opened. Applies the reset policy.
func (self *Backoff) Opened() {
	if self.resetPolicy == BackoffResetOnOpen {
		self.Reset()
	}
}

func (self *Backoff) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.delay = self.initial
}
