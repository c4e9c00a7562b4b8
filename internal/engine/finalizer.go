package engine

import (
	"errors"

	"github.com/stemsi/exstem-engine/internal/model"
)

// Submit is the participant's manual submission.
func (e *Engine) Submit() error {
	return e.finalize(model.SubmitReasonManual)
}

// finalize is the single guarded entry point for every submission trigger.
// While a submission is outstanding further triggers are rejected, but
// navigation and answer mutation keep working.
func (e *Engine) finalize(reason model.SubmitReason) error {
	if e.status != StatusActive {
		return ErrNotActive
	}
	if e.submitting {
		return ErrSubmitInProgress
	}
	if reason.Forced() && e.forcedFailures > e.cfg.MaxSubmitRetries {
		return ErrRetriesExhausted
	}

	e.submitting = true
	e.nav.confirming = false

	e.state.flush(e.clock.Now())
	payload := model.SubmitPayload{
		AttemptID:      e.attemptID,
		AssessmentID:   e.def.ID,
		AssignmentID:   e.assignmentID,
		Answers:        e.state.snapshotAnswers(),
		TotalTimeSpent: e.state.elapsed,
		Reason:         reason,
		SubmittedAt:    e.clock.Now().UTC(),
	}

	e.log.Info().
		Str("reason", string(reason)).
		Int("total_time_spent", payload.TotalTimeSpent).
		Msg("Submitting attempt")
	e.emit(Event{Kind: EventSubmitting, Reason: string(reason)})

	var (
		res model.SubmitResult
		err error
	)
	e.exec.Go(func() {
		ctx, cancel := e.requestContext()
		defer cancel()
		res, err = e.store.Submit(ctx, payload)
	}, func() {
		e.onSubmitted(reason, res, err)
	})
	return nil
}

func (e *Engine) onSubmitted(reason model.SubmitReason, res model.SubmitResult, err error) {
	e.submitting = false

	if e.status != StatusActive {
		// Removed while the call was in flight.
		e.log.Warn().Err(err).Str("status", string(e.status)).Msg("Submission completed after attempt ended")
		return
	}

	if err != nil {
		e.submitErr = err
		if reason.Forced() {
			e.forcedFailures++
		}
		e.log.Error().Err(err).
			Str("reason", string(reason)).
			Int("forced_failures", e.forcedFailures).
			Msg("Submit failed, local state kept")
		e.emit(Event{Kind: EventSubmitFailed, Reason: string(reason), Err: err})
		if e.forcePending && !reason.Forced() {
			e.retryForced()
		}
		return
	}

	e.submitErr = nil
	e.resultID = res.ResultID
	e.status = StatusSubmitted
	e.state.discard()

	e.log.Info().Str("result_id", res.ResultID).Str("reason", string(reason)).Msg("Attempt submitted")
	e.emit(Event{Kind: EventSubmitted, ResultID: res.ResultID, Reason: string(reason)})
}

// force marks a forced submission as pending and fires it. The first
// forced reason wins; a trigger that lands while another submission is
// outstanding is retried once that one settles.
func (e *Engine) force(reason model.SubmitReason) {
	if !e.forcePending {
		e.forcedReason = reason
		e.forcePending = true
	}
	_ = e.finalize(e.forcedReason)
}

// retryForced re-fires a pending forced submission after a failure.
func (e *Engine) retryForced() {
	if !e.forcePending || e.submitting {
		return
	}
	if err := e.finalize(e.forcedReason); errors.Is(err, ErrRetriesExhausted) && !e.exhaustedLogged {
		e.exhaustedLogged = true
		e.log.Error().Int("retries", e.cfg.MaxSubmitRetries).Msg("Automatic submission retries exhausted, waiting for manual submit")
	}
}
