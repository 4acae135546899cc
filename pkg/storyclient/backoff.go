package storyclient

import "time"

// delay computes the wait before the next poll: base doubled per attempt,
// never below base, never above ceiling. Non-decreasing in attempt.
func delay(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}
