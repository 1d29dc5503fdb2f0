package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle limits a noisy log site: the first Initial events are logged, then
// every Every-th event. A corrupt serial line can produce thousands of resync
// events per second, so framing diagnostics go through a Throttle.
type Throttle struct {
	Initial int64
	Every   int64

	count atomic.Int64
}

// NewThrottle returns a Throttle logging the first initial events and then
// every every-th one. every <= 0 logs only the initial events.
func NewThrottle(initial, every int64) *Throttle {
	return &Throttle{Initial: initial, Every: every}
}

// Logf logs through the package logger when the throttle allows it. Lines
// are prefixed with the running event count.
func (t *Throttle) Logf(format string, v ...interface{}) {
	n := t.count.Add(1)
	if !t.allow(n) {
		return
	}
	Logf("[#%d] "+format, append([]interface{}{n}, v...)...)
}

// Count returns the number of events seen, logged or not.
func (t *Throttle) Count() int64 {
	return t.count.Load()
}

func (t *Throttle) allow(n int64) bool {
	if n <= t.Initial {
		return true
	}
	return t.Every > 0 && (n-t.Initial)%t.Every == 0
}
