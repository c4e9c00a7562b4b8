package model

import "time"

// ViolationType tags an integrity-relevant environment event.
type ViolationType string

const (
	ViolationWindowBlur     ViolationType = "window_blur"
	ViolationTabHidden      ViolationType = "tab_hidden"
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
	ViolationCopy           ViolationType = "clipboard_copy"
	ViolationPaste          ViolationType = "clipboard_paste"
	ViolationRightClick     ViolationType = "right_click"
	ViolationDevtools       ViolationType = "devtools"
	ViolationReload         ViolationType = "reload_attempt"
	ViolationShortcut       ViolationType = "keyboard_shortcut"
	ViolationOther          ViolationType = "other"
)

// ParseViolationType maps a client tag onto a known type, defaulting to other.
func ParseViolationType(raw string) ViolationType {
	switch t := ViolationType(raw); t {
	case ViolationWindowBlur, ViolationTabHidden, ViolationFullscreenExit,
		ViolationCopy, ViolationPaste, ViolationRightClick, ViolationDevtools,
		ViolationReload, ViolationShortcut:
		return t
	default:
		return ViolationOther
	}
}

// Violation is one counted event. Never mutated or removed.
type Violation struct {
	Type   ViolationType `json:"type"`
	At     time.Time     `json:"at"`
	Detail string        `json:"detail,omitempty"`
}

// ViolationLog is the audit record forwarded to the proctoring log.
type ViolationLog struct {
	ParticipantID string         `json:"participant_id"`
	AssignmentID  string         `json:"assignment_id"`
	AttemptID     string         `json:"attempt_id"`
	EventType     ViolationType  `json:"event_type"`
	Description   string         `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RecordedAt    time.Time      `json:"recorded_at"`
}
