package engine

import (
	"github.com/stemsi/exstem-engine/internal/model"
)

// violationMonitor counts integrity events against the assessment's rules
// and tracks the two blocking overlays.
type violationMonitor struct {
	rules  model.CheatRules
	max    int
	events []model.Violation

	blurred            bool
	fullscreenRequired bool
}

func newViolationMonitor(rules model.CheatRules, defaultMax int) *violationMonitor {
	m := &violationMonitor{rules: rules, max: rules.MaxViolations}
	if m.max <= 0 {
		m.max = defaultMax
	}
	// The participant starts outside fullscreen.
	m.fullscreenRequired = rules.Enabled && rules.RequireFullscreen
	return m
}

// counts reports whether the rules make t a counted violation.
func (m *violationMonitor) counts(t model.ViolationType) bool {
	if !m.rules.Enabled {
		return false
	}
	switch t {
	case model.ViolationWindowBlur, model.ViolationTabHidden:
		return m.rules.BlockTabSwitch
	case model.ViolationFullscreenExit:
		return m.rules.RequireFullscreen
	case model.ViolationCopy, model.ViolationPaste, model.ViolationRightClick:
		return m.rules.BlockClipboard
	case model.ViolationDevtools:
		return m.rules.BlockDevtools
	case model.ViolationReload:
		return m.rules.BlockReload
	case model.ViolationShortcut:
		return m.rules.BlockShortcuts
	default:
		return true
	}
}

// observe records v. It reports whether v was counted and whether the
// count has reached the limit.
func (m *violationMonitor) observe(v model.Violation) (counted, limit bool) {
	switch v.Type {
	case model.ViolationWindowBlur, model.ViolationTabHidden:
		if m.rules.Enabled && m.rules.BlockTabSwitch {
			m.blurred = true
		}
	case model.ViolationFullscreenExit:
		if m.rules.Enabled && m.rules.RequireFullscreen {
			m.fullscreenRequired = true
		}
	}

	if !m.counts(v.Type) {
		return false, false
	}
	m.events = append(m.events, v)
	return true, m.max > 0 && len(m.events) >= m.max
}

func (m *violationMonitor) count() int {
	return len(m.events)
}

// ReportViolation feeds one environment signal into the monitor. Counted
// events are emitted, forwarded to the room audit log in virtual-room mode,
// and force submission once the limit is reached.
func (e *Engine) ReportViolation(t model.ViolationType, detail string) error {
	if e.status != StatusActive {
		return ErrNotActive
	}

	v := model.Violation{Type: t, At: e.clock.Now().UTC(), Detail: detail}
	wasBlurred, wasFullscreen := e.monitor.blurred, e.monitor.fullscreenRequired

	counted, limit := e.monitor.observe(v)
	if wasBlurred != e.monitor.blurred || wasFullscreen != e.monitor.fullscreenRequired {
		e.emit(Event{Kind: EventOverlay})
	}
	if !counted {
		return nil
	}

	count := e.monitor.count()
	e.log.Warn().
		Str("type", string(t)).
		Int("count", count).
		Int("max", e.monitor.max).
		Msg("Violation recorded")
	e.emit(Event{Kind: EventViolation, Violations: count, Reason: string(t)})

	e.forwardViolation(v, count)

	if limit {
		// The violation is recorded even when another submission is in
		// flight; the forced one follows if that fails.
		e.force(model.SubmitReasonViolations)
	}
	return nil
}

// FocusRestored clears the blur overlay.
func (e *Engine) FocusRestored() {
	if e.monitor.blurred {
		e.monitor.blurred = false
		e.emit(Event{Kind: EventOverlay})
	}
}

// FullscreenEntered clears the fullscreen-required overlay.
func (e *Engine) FullscreenEntered() {
	if e.monitor.fullscreenRequired {
		e.monitor.fullscreenRequired = false
		e.emit(Event{Kind: EventOverlay})
	}
}

// forwardViolation sends the audit record fire-and-forget. Failures never
// affect the attempt.
func (e *Engine) forwardViolation(v model.Violation, count int) {
	if !e.virtualRoom() || e.participantID == "" {
		return
	}
	rec := model.ViolationLog{
		ParticipantID: e.participantID,
		AssignmentID:  e.assignmentID,
		AttemptID:     e.attemptID,
		EventType:     v.Type,
		Description:   v.Detail,
		Metadata: map[string]any{
			"count":          count,
			"max_violations": e.monitor.max,
			"question_index": e.state.current,
		},
		RecordedAt: v.At,
	}

	var err error
	e.exec.Go(func() {
		ctx, cancel := e.requestContext()
		defer cancel()
		err = e.room.LogViolation(ctx, rec)
	}, func() {
		if err != nil {
			e.log.Warn().Err(err).Str("type", string(v.Type)).Msg("Violation log failed")
		}
	})
}
