package engine

import "github.com/stemsi/exstem-engine/internal/model"

// Tick accounts one second of attempt time and evaluates the deadlines.
// The order of checks is fixed:
//  1. an attempt with a pending forced submission only retries it;
//  2. the tick is counted globally, then into the active section when it is
//     newer than the section high-water mark;
//  3. section exhaustion completes the section (before any manual
//     completion queued behind this tick);
//  4. without sections, a tick that finds the global budget already spent
//     is counted and then forces submission.
func (e *Engine) Tick() {
	if e.status != StatusActive {
		return
	}
	if e.forcePending {
		e.retryForced()
		return
	}

	budget := e.durationSeconds()
	deadlineHit := !e.nav.enabled() && budget > 0 && e.state.elapsed >= budget

	e.state.elapsed++

	if sec := e.nav.active(); sec >= 0 && e.state.elapsed > e.state.sectionMark {
		e.state.sectionElapsed[sec]++
		e.state.sectionMark = e.state.elapsed
	}

	e.emit(Event{Kind: EventTick})

	if e.nav.enabled() {
		e.evaluateSectionDeadline()
		return
	}

	if deadlineHit {
		e.log.Info().Int("elapsed", e.state.elapsed).Msg("Time exhausted, forcing submission")
		e.force(model.SubmitReasonTimeout)
	}
}

// evaluateSectionDeadline completes the active section when its budget is spent.
func (e *Engine) evaluateSectionDeadline() {
	sec := e.nav.active()
	if sec < 0 {
		return
	}
	budget := e.nav.sections[sec].budget
	if budget <= 0 || e.state.sectionElapsed[sec] < budget {
		return
	}
	e.log.Info().Int("section", sec).Msg("Section time exhausted")
	e.completeSection(true)
}

func (e *Engine) durationSeconds() int {
	return e.def.DurationMinutes * 60
}

// remaining returns the displayed remaining seconds; ok is false when the
// figure is unbounded.
func (e *Engine) remaining() (secs int, ok bool) {
	if sec := e.nav.active(); sec >= 0 {
		budget := e.nav.sections[sec].budget
		if budget <= 0 {
			return 0, false
		}
		return max(budget-e.state.sectionElapsed[sec], 0), true
	}
	if e.nav.enabled() {
		return 0, true
	}
	budget := e.durationSeconds()
	if budget <= 0 {
		return 0, false
	}
	return max(budget-e.state.elapsed, 0), true
}
