package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSelectChoice           Action = "select_choice"
	ActionSetText                Action = "set_text"
	ActionToggleFlag             Action = "toggle_flag"
	ActionAdvance                Action = "advance"
	ActionJump                   Action = "jump"
	ActionRequestSectionComplete Action = "request_section_completion"
	ActionCancelSectionComplete  Action = "cancel_section_completion"
	ActionCompleteSection        Action = "complete_section"
	ActionViolation              Action = "violation"
	ActionFocusRestored          Action = "focus_restored"
	ActionFullscreenEntered      Action = "fullscreen_entered"
	ActionSubmit                 Action = "submit"
	ActionPing                   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
// Ref echoes back on the error frame of a rejected action.
type RequestEnvelope struct {
	Action Action `json:"action"`
	Ref    string `json:"ref,omitempty"`
}

// SelectChoiceRequest toggles a choice on a multiple choice question.
type SelectChoiceRequest struct {
	QID      string `json:"q_id"`
	ChoiceID string `json:"choice_id"`
}

// SetTextRequest replaces the free text of an essay question.
type SetTextRequest struct {
	QID  string `json:"q_id"`
	Text string `json:"text"`
}

// ToggleFlagRequest flags or unflags a question for review.
type ToggleFlagRequest struct {
	QID string `json:"q_id"`
}

// AdvanceRequest moves one question forward (1) or back (-1).
type AdvanceRequest struct {
	Direction int `json:"direction"`
}

// JumpRequest moves to a question by its position in the assessment.
type JumpRequest struct {
	Index int `json:"index"`
}

// ViolationRequest reports an environment signal observed by the client.
type ViolationRequest struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState        Event = "state"
	EventViolation    Event = "violation"
	EventSubmitted    Event = "submitted"
	EventSubmitFailed Event = "submit_failed"
	EventRemoved      Event = "removed"
	EventError        Event = "error"
	EventPong         Event = "pong"
)

// StateResponse carries the full view after every engine change.
// Cause is the engine event that produced it.
type StateResponse struct {
	Event Event       `json:"event"`
	Cause string      `json:"cause"`
	View  interface{} `json:"view"`
}

type ViolationResponse struct {
	Event Event `json:"event"`
	Count int   `json:"count"`
}

type SubmittedResponse struct {
	Event    Event  `json:"event"`
	ResultID string `json:"result_id"`
}

type SubmitFailedResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type RemovedResponse struct {
	Event  Event  `json:"event"`
	Reason string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
