package engine

import "errors"

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	// No job record is created.
	ErrQueueFull = errors.New("diagnosis queue is full")
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = errors.New("diagnosis pool is stopped")
	// ErrJobNotFound is returned for unknown or evicted job ids.
	ErrJobNotFound = errors.New("job not found")
)

// KindInternal is recorded for failures that carry no kind of their own,
// including recovered panics.
const KindInternal = "internal"

// ErrorKind returns the job error kind of err: the Kind() of the first error
// in its chain that has one, or KindInternal.
func ErrorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}
