package model

// RoomStatus enumerates virtual room states.
type RoomStatus string

const (
	RoomStatusWaiting    RoomStatus = "WAITING"
	RoomStatusActive     RoomStatus = "ACTIVE"
	RoomStatusCompleted  RoomStatus = "COMPLETED"
	RoomStatusTerminated RoomStatus = "TERMINATED"
)

// Ended reports whether the room no longer accepts work.
func (s RoomStatus) Ended() bool {
	return s == RoomStatusCompleted || s == RoomStatusTerminated
}

// RoomSignal is the polled state of a participant's virtual room.
type RoomSignal struct {
	HasSession    bool       `json:"has_session"`
	ParticipantID string     `json:"participant_id,omitempty"`
	Status        RoomStatus `json:"status,omitempty"`
	Kicked        bool       `json:"is_kicked"`
	KickedReason  string     `json:"kicked_reason,omitempty"`
}

// HeartbeatPayload reports progress to the proctor.
type HeartbeatPayload struct {
	ParticipantID        string `json:"participant_id"`
	CurrentQuestionIndex int    `json:"current_question_index"`
	AnsweredCount        int    `json:"answered_count"`
}

// HeartbeatAck is the room's reply to a heartbeat.
type HeartbeatAck struct {
	Kicked       bool   `json:"is_kicked"`
	KickedReason string `json:"kicked_reason,omitempty"`
}

// OpenRoomRequest opens a virtual room for an assignment.
type OpenRoomRequest struct {
	AssignmentID string `json:"assignment_id" binding:"required,max=64"`
	AssessmentID string `json:"assessment_id" binding:"required,uuid"`
}

// AdmitRequest admits a participant into a room.
type AdmitRequest struct {
	ParticipantID string `json:"participant_id" binding:"required,max=64"`
}

// KickRequest removes a participant from a room.
type KickRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}
