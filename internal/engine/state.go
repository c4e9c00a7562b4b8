package engine

import (
	"time"

	"github.com/stemsi/exstem-engine/internal/model"
)

// attemptState is the in-memory record of what the participant has done.
// answers is parallel to order and is never shrunk.
type attemptState struct {
	order       []string
	index       map[string]int
	answers     []model.Answer
	current     int
	initialized bool

	elapsed        int
	sectionElapsed map[int]int
	// sectionMark is the last tick already counted into a section. Section
	// time only grows for ticks strictly newer than it.
	sectionMark int

	flushedAt time.Time
	spent     int
}

func newAttemptState() *attemptState {
	return &attemptState{
		index:          make(map[string]int),
		sectionElapsed: make(map[int]int),
	}
}

// initialize creates one answer per question, or loads saved answers
// verbatim. A second call is ignored and reports false.
func (s *attemptState) initialize(questionIDs []string, saved []model.Answer) bool {
	if s.initialized {
		return false
	}
	s.initialized = true

	s.order = append([]string(nil), questionIDs...)
	s.answers = make([]model.Answer, len(questionIDs))
	for i, id := range questionIDs {
		s.index[id] = i
		s.answers[i] = model.Answer{QuestionID: id}
	}

	for _, a := range saved {
		i, ok := s.index[a.QuestionID]
		if !ok {
			continue
		}
		if a.Text != nil && *a.Text == "" {
			a.Text = nil
		}
		if a.TimeSpent < 0 {
			a.TimeSpent = 0
		}
		s.answers[i] = a
	}

	s.spent = 0
	for i := range s.answers {
		s.spent += s.answers[i].TimeSpent
	}
	return true
}

func (s *attemptState) answer(questionID string) (*model.Answer, int, bool) {
	i, ok := s.index[questionID]
	if !ok {
		return nil, -1, false
	}
	return &s.answers[i], i, true
}

// selectChoice toggles: selecting the selected choice clears it.
func (s *attemptState) selectChoice(i int, choiceID string) {
	a := &s.answers[i]
	if a.ChoiceID != nil && *a.ChoiceID == choiceID {
		a.ChoiceID = nil
		return
	}
	c := choiceID
	a.ChoiceID = &c
}

func (s *attemptState) setText(i int, text string) {
	if text == "" {
		s.answers[i].Text = nil
		return
	}
	s.answers[i].Text = &text
}

func (s *attemptState) toggleFlag(i int) {
	s.answers[i].Flagged = !s.answers[i].Flagged
}

// flush credits the wall time since the last flush to the current question,
// capped so the sum of time-on-question never exceeds elapsed seconds.
func (s *attemptState) flush(now time.Time) {
	defer func() { s.flushedAt = now }()
	if s.flushedAt.IsZero() || len(s.answers) == 0 || s.current < 0 || s.current >= len(s.answers) {
		return
	}

	secs := int(now.Sub(s.flushedAt).Round(time.Second) / time.Second)
	if budget := s.elapsed - s.spent; secs > budget {
		secs = budget
	}
	if secs <= 0 {
		return
	}
	s.answers[s.current].TimeSpent += secs
	s.spent += secs
}

func (s *attemptState) answeredCount() int {
	n := 0
	for i := range s.answers {
		if s.answers[i].Answered() {
			n++
		}
	}
	return n
}

// snapshotAnswers deep-copies the answers so payloads never alias live state.
func (s *attemptState) snapshotAnswers() []model.Answer {
	out := make([]model.Answer, len(s.answers))
	for i, a := range s.answers {
		if a.ChoiceID != nil {
			c := *a.ChoiceID
			a.ChoiceID = &c
		}
		if a.Text != nil {
			t := *a.Text
			a.Text = &t
		}
		out[i] = a
	}
	return out
}

func (s *attemptState) sectionTimes() map[int]int {
	out := make(map[int]int, len(s.sectionElapsed))
	for k, v := range s.sectionElapsed {
		out[k] = v
	}
	return out
}

// discard drops the answers after a successful submission.
func (s *attemptState) discard() {
	s.answers = nil
	s.order = nil
	s.index = make(map[string]int)
	s.sectionElapsed = make(map[int]int)
	s.spent = 0
}
