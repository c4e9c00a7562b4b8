package model

import "time"

// QueuedProgress is the persistence queue entry for a progress snapshot.
type QueuedProgress struct {
	ParticipantID string `json:"participant_id"`
	ProgressPayload
}

// QueuedSubmission is the persistence queue entry for a final submission.
type QueuedSubmission struct {
	ResultID      string `json:"result_id"`
	ParticipantID string `json:"participant_id"`
	SubmitPayload
}

// MonitorMessage is published on a room's monitor channel for the proctor view.
type MonitorMessage struct {
	Type          string         `json:"type"`
	ParticipantID string         `json:"participant_id"`
	Data          map[string]any `json:"data,omitempty"`
	At            time.Time      `json:"at"`
}

// Monitor message types.
const (
	MonitorHeartbeat = "heartbeat"
	MonitorViolation = "violation"
	MonitorKicked    = "kicked"
	MonitorRoom      = "room_status"
)

// RoomParticipant is one row of the proctor's room view.
type RoomParticipant struct {
	ParticipantID        string     `json:"participant_id"`
	Admitted             bool       `json:"admitted"`
	Kicked               bool       `json:"is_kicked"`
	KickedReason         string     `json:"kicked_reason,omitempty"`
	CurrentQuestionIndex int        `json:"current_question_index"`
	AnsweredCount        int        `json:"answered_count"`
	LastHeartbeat        *time.Time `json:"last_heartbeat,omitempty"`
}

// RoomView is the proctor's view of a virtual room.
type RoomView struct {
	AssignmentID string            `json:"assignment_id"`
	AssessmentID string            `json:"assessment_id,omitempty"`
	Status       RoomStatus        `json:"status"`
	Participants []RoomParticipant `json:"participants"`
}
