package engine

import (
	"github.com/stemsi/exstem-engine/internal/model"
)

// progressPayload builds an idempotent snapshot after flushing the current
// question's time.
func (e *Engine) progressPayload() model.ProgressPayload {
	now := e.clock.Now()
	e.state.flush(now)

	p := model.ProgressPayload{
		AttemptID:      e.attemptID,
		AssessmentID:   e.def.ID,
		AssignmentID:   e.assignmentID,
		Answers:        e.state.snapshotAnswers(),
		TotalTimeSpent: e.state.elapsed,
		SavedAt:        now.UTC(),
	}
	if e.nav.enabled() {
		idx := e.nav.current
		p.SectionTimes = e.state.sectionTimes()
		p.CurrentSectionIndex = &idx
	}
	return p
}

// SaveProgress pushes the full state to the store. A failed save is logged
// and swallowed; the next interval sends fresher state.
func (e *Engine) SaveProgress() {
	if e.status != StatusActive || e.saveInFlight {
		return
	}
	payload := e.progressPayload()

	e.saveInFlight = true
	var err error
	e.exec.Go(func() {
		ctx, cancel := e.requestContext()
		defer cancel()
		err = e.store.SaveProgress(ctx, payload)
	}, func() {
		e.saveInFlight = false
		if err != nil {
			e.log.Warn().Err(err).Int("elapsed", payload.TotalTimeSpent).Msg("Periodic save failed")
			return
		}
		e.log.Debug().Int("elapsed", payload.TotalTimeSpent).Msg("Progress saved")
	})
}

// Teardown is called when the participant's connection goes away. An active
// attempt is handed to the store's beacon without waiting, and the engine
// stops accepting work. The attempt stays resumable remotely.
func (e *Engine) Teardown() {
	if e.status != StatusActive {
		return
	}
	e.store.Beacon(e.progressPayload())
	e.status = StatusSuspended
	e.log.Info().Int("elapsed", e.state.elapsed).Msg("Attempt suspended, unload save dispatched")
}
