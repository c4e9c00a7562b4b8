package engine

import "time"

// Clock supplies wall-clock time for per-question accounting. Elapsed
// seconds are driven by Tick, not by the clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Executor runs a blocking remote call off the engine loop and delivers the
// completion back onto it. then must run on the goroutine that owns the Engine.
type Executor interface {
	Go(call func(), then func())
}

// InlineExecutor runs the call and its completion synchronously.
type InlineExecutor struct{}

func (InlineExecutor) Go(call func(), then func()) {
	call()
	then()
}
