package security

import (
	"sync"
	"time"
)

// LockoutPolicy bounds repeated denials for one caller.
type LockoutPolicy struct {
	// Threshold denials inside Window lock the caller out.
	Threshold int
	Window    time.Duration
	// Lockout is how long a locked caller is refused outright.
	Lockout time.Duration
}

// DefaultLockoutPolicy locks a uid out for five minutes after five denials
// in five minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Window: 5 * time.Minute, Lockout: 5 * time.Minute}
}

// DenialTracker counts denied authentication attempts per uid.
type DenialTracker struct {
	policy LockoutPolicy
	now    func() time.Time

	mu      sync.Mutex
	callers map[int]*denials
}

type denials struct {
	count       int
	first       time.Time
	lockedUntil time.Time
}

// NewDenialTracker creates a tracker enforcing policy.
func NewDenialTracker(policy LockoutPolicy) *DenialTracker {
	if policy.Threshold <= 0 {
		policy.Threshold = 1
	}
	return &DenialTracker{policy: policy, now: time.Now, callers: make(map[int]*denials)}
}

// Deny records a denial for uid and reports whether uid is now locked out.
func (t *DenialTracker) Deny(uid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	d := t.callers[uid]
	if d == nil || now.Sub(d.first) > t.policy.Window {
		d = &denials{first: now}
		t.callers[uid] = d
	}
	d.count++
	if d.count >= t.policy.Threshold {
		d.lockedUntil = now.Add(t.policy.Lockout)
	}
	return now.Before(d.lockedUntil)
}

// Locked reports whether uid is inside a lockout.
func (t *DenialTracker) Locked(uid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.callers[uid]
	return d != nil && t.now().Before(d.lockedUntil)
}

// Clear forgets uid's denials after it authenticates.
func (t *DenialTracker) Clear(uid int) {
	t.mu.Lock()
	delete(t.callers, uid)
	t.mu.Unlock()
}
