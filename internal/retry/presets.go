package retry

import "time"

// Presets for the three remote call classes. They differ only in
// attempt counts and delay bounds; the algorithm is shared.

// NetworkPolicy suits general API calls.
func NetworkPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// DatabasePolicy suits remote relational store calls, which tolerate a
// longer tail before giving up.
func DatabasePolicy() Policy {
	return Policy{
		MaxAttempts:   4,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// PushPolicy suits push-delivery calls; deliveries are best-effort so
// fewer, quicker attempts.
func PushPolicy() Policy {
	return Policy{
		MaxAttempts:   2,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}
