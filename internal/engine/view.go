package engine

import "github.com/stemsi/exstem-engine/internal/model"

// SectionView describes the section being worked.
type SectionView struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Subject    string `json:"subject,omitempty"`
	Budget     int    `json:"budget_seconds"`
	Elapsed    int    `json:"elapsed_seconds"`
	Count      int    `json:"section_count"`
	Confirming bool   `json:"confirming"`
}

// View is a read-only snapshot of the attempt, safe to hand to another
// goroutine.
type View struct {
	Status        Status `json:"status"`
	AttemptID     string `json:"attempt_id,omitempty"`
	AssessmentID  string `json:"assessment_id"`
	AssignmentID  string `json:"assignment_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Resumed       bool   `json:"resumed"`

	Elapsed   int  `json:"elapsed_seconds"`
	Remaining *int `json:"remaining_seconds"`

	CurrentIndex      int            `json:"current_question_index"`
	CurrentQuestionID string         `json:"current_question_id,omitempty"`
	VisibleQuestions  []int          `json:"visible_questions"`
	Section           *SectionView   `json:"section,omitempty"`
	CompletedSections []int          `json:"completed_sections"`
	ReadyToSubmit     bool           `json:"ready_to_submit"`
	Submitting        bool           `json:"submitting"`
	Answers           []model.Answer `json:"answers"`
	AnsweredCount     int            `json:"answered_count"`

	Violations         int  `json:"violations"`
	MaxViolations      int  `json:"max_violations"`
	Blurred            bool `json:"blurred"`
	FullscreenRequired bool `json:"fullscreen_required"`

	ResultID      string `json:"result_id,omitempty"`
	RemovedReason string `json:"removed_reason,omitempty"`
	SubmitError   string `json:"submit_error,omitempty"`
}

// Snapshot copies the observable state of the attempt.
func (e *Engine) Snapshot() View {
	v := View{
		Status:             e.status,
		AttemptID:          e.attemptID,
		AssessmentID:       e.def.ID.String(),
		AssignmentID:       e.assignmentID,
		ParticipantID:      e.participantID,
		Resumed:            e.resumed,
		Elapsed:            e.state.elapsed,
		CurrentIndex:       e.state.current,
		VisibleQuestions:   e.nav.visible(),
		CompletedSections:  e.nav.completedList(),
		ReadyToSubmit:      e.readyToSubmit,
		Submitting:         e.submitting,
		Answers:            e.state.snapshotAnswers(),
		AnsweredCount:      e.state.answeredCount(),
		Violations:         e.monitor.count(),
		MaxViolations:      e.monitor.max,
		Blurred:            e.monitor.blurred,
		FullscreenRequired: e.monitor.fullscreenRequired,
		ResultID:           e.resultID,
		RemovedReason:      e.removedReason,
	}

	if r, ok := e.remaining(); ok {
		v.Remaining = &r
	}
	if e.state.current >= 0 && e.state.current < len(e.state.order) {
		v.CurrentQuestionID = e.state.order[e.state.current]
	}
	if e.submitErr != nil {
		v.SubmitError = e.submitErr.Error()
	}

	if e.nav.enabled() && !e.nav.ready {
		sec := e.nav.sections[e.nav.current]
		v.Section = &SectionView{
			Index:      e.nav.current,
			Name:       sec.name,
			Subject:    sec.subject,
			Budget:     sec.budget,
			Elapsed:    e.state.sectionElapsed[e.nav.current],
			Count:      len(e.nav.sections),
			Confirming: e.nav.confirming,
		}
	}
	return v
}
