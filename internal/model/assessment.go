package model

import (
	"time"

	"github.com/google/uuid"
)

// AssessmentStatus enumerates the possible states of an assessment definition.
type AssessmentStatus string

const (
	AssessmentStatusDraft     AssessmentStatus = "DRAFT"
	AssessmentStatusPublished AssessmentStatus = "PUBLISHED"
	AssessmentStatusArchived  AssessmentStatus = "ARCHIVED"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Choice is one selectable option of a multiple choice question.
type Choice struct {
	ID   string `json:"id" validate:"required"`
	Text string `json:"text"`
}

// Question is a question as delivered to the participant (no answer key).
type Question struct {
	ID      string       `json:"id" validate:"required"`
	Type    QuestionType `json:"question_type" validate:"required,oneof=MULTIPLE_CHOICE ESSAY"`
	Text    string       `json:"question_text"`
	Choices []Choice     `json:"choices,omitempty" validate:"dive"`
	// Weight is consumed by the external grader only.
	Weight float64 `json:"weight" validate:"min=0"`
}

// HasChoice reports whether choiceID is one of the question's options.
func (q *Question) HasChoice(choiceID string) bool {
	for _, c := range q.Choices {
		if c.ID == choiceID {
			return true
		}
	}
	return false
}

// Section is a time-boxed, one-way-navigable subset of an assessment's questions.
type Section struct {
	Name string `json:"name" validate:"required,max=255"`
	// DurationMinutes of 0 means the section has no time budget of its own.
	DurationMinutes int      `json:"duration_minutes" validate:"min=0,max=1440"`
	QuestionIDs     []string `json:"question_ids"`
	Subject         string   `json:"subject,omitempty"`
}

// CheatRules are the anti-cheat options of an assessment.
type CheatRules struct {
	Enabled           bool `json:"enabled"`
	RequireFullscreen bool `json:"require_fullscreen"`
	BlockTabSwitch    bool `json:"block_tab_switch"`
	BlockDevtools     bool `json:"block_devtools"`
	BlockClipboard    bool `json:"block_clipboard"`
	BlockShortcuts    bool `json:"block_shortcuts"`
	BlockReload       bool `json:"block_reload"`
	// MaxViolations of 0 falls back to the server default.
	MaxViolations int `json:"max_violations" validate:"min=0"`
}

// Assessment is the read-only definition an attempt runs against.
type Assessment struct {
	ID    uuid.UUID `json:"id"`
	Title string    `json:"title" validate:"required,max=255"`
	// DurationMinutes of 0 means the attempt is open-ended.
	DurationMinutes int              `json:"duration_minutes" validate:"min=0,max=1440"`
	Questions       []Question       `json:"questions" validate:"required,min=1,dive"`
	Sections        []Section        `json:"sections,omitempty" validate:"dive"`
	CheatRules      CheatRules       `json:"cheat_rules"`
	Status          AssessmentStatus `json:"status,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at,omitempty"`
}

// QuestionIDs returns the question identifiers in delivery order.
func (a *Assessment) QuestionIDs() []string {
	ids := make([]string, len(a.Questions))
	for i, q := range a.Questions {
		ids[i] = q.ID
	}
	return ids
}
