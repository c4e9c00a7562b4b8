package engine

// EventKind identifies an engine notification.
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventWaitingRoom     EventKind = "waiting_room"
	EventTick            EventKind = "tick"
	EventAnswerChanged   EventKind = "answer_changed"
	EventNavigated       EventKind = "navigated"
	EventConfirmSection  EventKind = "confirm_section"
	EventSectionAdvanced EventKind = "section_advanced"
	EventReadyToSubmit   EventKind = "ready_to_submit"
	EventViolation       EventKind = "violation"
	EventOverlay         EventKind = "overlay"
	EventSubmitting      EventKind = "submitting"
	EventSubmitted       EventKind = "submitted"
	EventSubmitFailed    EventKind = "submit_failed"
	EventRemoved         EventKind = "removed"
)

// Terminal reports whether the event ends the attempt.
func (k EventKind) Terminal() bool {
	return k == EventSubmitted || k == EventRemoved
}

// Event is emitted synchronously on the engine goroutine.
type Event struct {
	Kind       EventKind
	Section    int
	Violations int
	ResultID   string
	Reason     string
	Err        error
}

// Listener receives engine events. It runs on the engine goroutine and
// must not block.
type Listener func(Event)

func (e *Engine) emit(ev Event) {
	if e.listener != nil {
		e.listener(ev)
	}
}
