// Package timing provides a small stopwatch used to measure task durations.
package timing

import "time"

// Stopwatch measures elapsed wall-clock time between Start and Stop.
type Stopwatch struct {
	start time.Time
	end   time.Time
}

// Start returns a running stopwatch.
func Start() *Stopwatch {
	return &Stopwatch{start: time.Now()}
}

// Stop freezes the stopwatch and returns it for chaining.
func (s *Stopwatch) Stop() *Stopwatch {
	s.end = time.Now()
	return s
}

// Elapsed returns the measured duration. A stopwatch that was never stopped
// measures up to the current instant.
func (s *Stopwatch) Elapsed() time.Duration {
	if s.end.IsZero() {
		return time.Since(s.start)
	}
	return s.end.Sub(s.start)
}

// ElapsedMS returns the measured duration in fractional milliseconds, the
// unit used by the client-facing event stream.
func (s *Stopwatch) ElapsedMS() float64 {
	return float64(s.Elapsed()) / float64(time.Millisecond)
}
