package model

import (
	"time"

	"github.com/google/uuid"
)

// Answer is the participant's state for one question. Exactly one exists per
// question for the lifetime of an attempt.
type Answer struct {
	QuestionID string  `json:"question_id"`
	ChoiceID   *string `json:"choice_id"`
	Text       *string `json:"text"`
	TimeSpent  int     `json:"time_spent"`
	Flagged    bool    `json:"flagged"`
}

// Answered reports whether the answer carries a choice or non-empty text.
func (a *Answer) Answered() bool {
	return a.ChoiceID != nil || (a.Text != nil && *a.Text != "")
}

// StartRequest asks the remote store to open (or resume) an attempt.
type StartRequest struct {
	AssessmentID uuid.UUID `json:"assessment_id"`
	AssignmentID string    `json:"assignment_id,omitempty"`
}

// StartResponse is authoritative: when Resumed is set the local state is
// seeded from it and nothing else.
type StartResponse struct {
	AttemptID                string      `json:"attempt_id"`
	Resumed                  bool        `json:"resumed"`
	SavedTimeSpent           int         `json:"saved_time_spent,omitempty"`
	SavedAnswers             []Answer    `json:"saved_answers,omitempty"`
	SavedSectionTimes        map[int]int `json:"saved_section_times,omitempty"`
	SavedCurrentSectionIndex *int        `json:"saved_current_section_index,omitempty"`
}

// ProgressPayload is the idempotent snapshot pushed by periodic and unload saves.
type ProgressPayload struct {
	AttemptID           string      `json:"attempt_id"`
	AssessmentID        uuid.UUID   `json:"assessment_id"`
	AssignmentID        string      `json:"assignment_id,omitempty"`
	Answers             []Answer    `json:"answers"`
	TotalTimeSpent      int         `json:"total_time_spent"`
	SectionTimes        map[int]int `json:"section_times,omitempty"`
	CurrentSectionIndex *int        `json:"current_section_index,omitempty"`
	SavedAt             time.Time   `json:"saved_at"`
}

// SubmitReason records which trigger produced a submission.
type SubmitReason string

const (
	SubmitReasonManual      SubmitReason = "MANUAL"
	SubmitReasonTimeout     SubmitReason = "TIMEOUT"
	SubmitReasonViolations  SubmitReason = "MAX_VIOLATIONS"
	SubmitReasonRemoteEnded SubmitReason = "REMOTE_TERMINATED"
)

// Forced reports whether the submission was not initiated by the participant.
func (r SubmitReason) Forced() bool {
	return r != SubmitReasonManual
}

// SubmitPayload is the immutable terminal payload of an attempt.
type SubmitPayload struct {
	AttemptID      string       `json:"attempt_id"`
	AssessmentID   uuid.UUID    `json:"assessment_id"`
	AssignmentID   string       `json:"assignment_id,omitempty"`
	Answers        []Answer     `json:"answers"`
	TotalTimeSpent int          `json:"total_time_spent"`
	Reason         SubmitReason `json:"reason"`
	SubmittedAt    time.Time    `json:"submitted_at"`
}

// SubmitResult identifies the graded result the participant is routed to.
type SubmitResult struct {
	ResultID string `json:"result_id"`
}
