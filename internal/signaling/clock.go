package signaling

import "time"

// ticker wraps a tick channel with its stop function so tests can substitute
// a hand-driven channel for the wall clock.
type ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t *ticker) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

var newTicker = func(d time.Duration) *ticker {
	tk := time.NewTicker(d)
	return &ticker{C: tk.C, stop: tk.Stop}
}

var after = func(d time.Duration) <-chan time.Time {
	return time.After(d)
}
