package engine

import (
	"context"
	"errors"
	"time"
)

const eventBuffer = 64

// Update pairs an event with the view taken right after it was emitted.
type Update struct {
	Event
	View View
}

type command struct {
	fn    func(*Engine) error
	reply chan error
}

// Runner owns an Engine on a single goroutine. Ticks, periodic saves,
// heartbeats, room polls, participant commands and remote completions are
// all serialised through Run's select loop.
type Runner struct {
	eng *Engine

	cmds        chan command
	completions chan func()
	events      chan Update
	abort       <-chan struct{}
	stopped     chan struct{}
}

// NewRunner builds the engine described by p. The executor is replaced by
// one that posts completions back onto the loop. p.Listener, when set, is
// still called before the event is queued on Events.
func NewRunner(p Params) *Runner {
	r := &Runner{
		cmds:        make(chan command),
		completions: make(chan func()),
		events:      make(chan Update, eventBuffer),
		stopped:     make(chan struct{}),
	}

	inner := p.Listener
	p.Listener = func(ev Event) {
		if inner != nil {
			inner(ev)
		}
		r.publish(Update{Event: ev, View: r.eng.Snapshot()})
	}
	p.Executor = loopExecutor{r: r}
	r.eng = New(p)
	return r
}

// Events streams engine notifications. It is closed when Run returns.
func (r *Runner) Events() <-chan Update { return r.events }

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} { return r.stopped }

// publish drops intermediate events for a slow consumer. Terminal events are
// always delivered unless the run is aborted.
func (r *Runner) publish(u Update) {
	if u.Kind.Terminal() {
		select {
		case r.events <- u:
		case <-r.abort:
		}
		return
	}
	select {
	case r.events <- u:
	default:
	}
}

// Run starts the attempt and drives it until it reaches a terminal status
// or ctx is cancelled. Cancellation tears the attempt down with an unload
// save and leaves it resumable.
func (r *Runner) Run(ctx context.Context) error {
	r.abort = ctx.Done()
	defer close(r.events)
	defer close(r.stopped)

	if err := r.start(ctx); err != nil {
		return err
	}

	cfg := r.eng.cfg
	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()
	save := time.NewTicker(cfg.AutosaveInterval)
	defer save.Stop()

	var heartbeat, poll <-chan time.Time
	if r.eng.virtualRoom() {
		hb := time.NewTicker(cfg.HeartbeatInterval)
		defer hb.Stop()
		pl := time.NewTicker(cfg.RoomPollInterval)
		defer pl.Stop()
		heartbeat, poll = hb.C, pl.C
	}

	for !r.eng.status.Terminal() {
		select {
		case <-ctx.Done():
			r.eng.Teardown()
			return ctx.Err()
		case <-tick.C:
			r.eng.Tick()
		case <-save.C:
			r.eng.SaveProgress()
		case <-heartbeat:
			r.eng.Heartbeat()
		case <-poll:
			r.eng.PollRoom()
		case then := <-r.completions:
			then()
		case c := <-r.cmds:
			c.reply <- c.fn(r.eng)
		}
	}
	return nil
}

// start retries Start every RoomWaitInterval while the room is not open,
// answering commands in between.
func (r *Runner) start(ctx context.Context) error {
	for {
		err := r.eng.Start(ctx)
		if !errors.Is(err, ErrRoomNotOpen) {
			return err
		}

		wait := time.NewTimer(r.eng.cfg.RoomWaitInterval)
	waiting:
		for {
			select {
			case <-ctx.Done():
				wait.Stop()
				r.eng.status = StatusSuspended
				return ctx.Err()
			case <-wait.C:
				break waiting
			case c := <-r.cmds:
				c.reply <- c.fn(r.eng)
			}
		}
	}
}

// Do runs fn on the engine goroutine and returns its error.
func (r *Runner) Do(ctx context.Context, fn func(*Engine) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case r.cmds <- c:
	case <-r.stopped:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current view from the engine goroutine.
func (r *Runner) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := r.Do(ctx, func(e *Engine) error {
		v = e.Snapshot()
		return nil
	})
	return v, err
}

// loopExecutor runs calls on their own goroutine and hands completions back
// to the Run loop. Completions arriving after Run returned are dropped.
type loopExecutor struct {
	r *Runner
}

func (x loopExecutor) Go(call func(), then func()) {
	go func() {
		call()
		select {
		case x.r.completions <- then:
		case <-x.r.stopped:
		}
	}()
}
