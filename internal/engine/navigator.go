package engine

import (
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
)

type resolvedSection struct {
	name      string
	subject   string
	budget    int   // seconds, 0 = no budget
	positions []int // question positions in delivery order
}

// navigator decides which questions are reachable now and enforces one-way
// progression between sections. With no sections every question is reachable.
type navigator struct {
	sections   []resolvedSection
	current    int
	completed  map[int]bool
	confirming bool
	ready      bool
	total      int
}

// newNavigator resolves the section list against the question order. Any
// section list that does not partition the questions degrades to
// single-section behaviour.
func newNavigator(def *model.Assessment, index map[string]int, log zerolog.Logger) *navigator {
	n := &navigator{completed: make(map[int]bool), total: len(def.Questions)}
	if len(def.Sections) == 0 {
		return n
	}

	owner := make(map[int]int, len(def.Questions))
	resolved := make([]resolvedSection, 0, len(def.Sections))
	for si, sec := range def.Sections {
		rs := resolvedSection{
			name:    sec.Name,
			subject: sec.Subject,
			budget:  sec.DurationMinutes * 60,
		}
		for _, qid := range sec.QuestionIDs {
			pos, ok := index[qid]
			if !ok {
				continue
			}
			if _, taken := owner[pos]; taken {
				continue
			}
			owner[pos] = si
			rs.positions = append(rs.positions, pos)
		}
		if len(rs.positions) == 0 {
			log.Warn().Str("section", sec.Name).Msg("Section references no questions, using single-section mode")
			return n
		}
		resolved = append(resolved, rs)
	}

	if len(owner) != len(def.Questions) {
		log.Warn().
			Int("covered", len(owner)).
			Int("questions", len(def.Questions)).
			Msg("Sections do not cover every question, using single-section mode")
		return n
	}

	n.sections = resolved
	return n
}

func (n *navigator) enabled() bool {
	return len(n.sections) > 0
}

// active returns the index of the section currently being worked, or -1.
func (n *navigator) active() int {
	if !n.enabled() || n.ready || n.completed[n.current] {
		return -1
	}
	return n.current
}

func (n *navigator) reachable(pos int) bool {
	if pos < 0 || pos >= n.total {
		return false
	}
	if !n.enabled() {
		return true
	}
	sec := n.active()
	if sec < 0 {
		return false
	}
	for _, p := range n.sections[sec].positions {
		if p == pos {
			return true
		}
	}
	return false
}

// visible returns the reachable positions in order.
func (n *navigator) visible() []int {
	if !n.enabled() {
		out := make([]int, n.total)
		for i := range out {
			out[i] = i
		}
		return out
	}
	sec := n.active()
	if sec < 0 {
		return []int{}
	}
	return append([]int(nil), n.sections[sec].positions...)
}

// step returns the neighbouring reachable position of from.
func (n *navigator) step(from, dir int) (int, error) {
	if dir != 1 && dir != -1 {
		return from, ErrInvalidDirection
	}
	if !n.enabled() {
		next := from + dir
		if next < 0 || next >= n.total {
			return from, ErrOutOfRange
		}
		return next, nil
	}

	sec := n.active()
	if sec < 0 {
		return from, ErrOutsideSection
	}
	positions := n.sections[sec].positions
	for i, p := range positions {
		if p != from {
			continue
		}
		j := i + dir
		if j < 0 || j >= len(positions) {
			return from, ErrOutsideSection
		}
		return positions[j], nil
	}
	return from, ErrOutsideSection
}

// complete marks the current section done. It returns the first position of
// the next section, or last=true when no section remains.
func (n *navigator) complete() (first int, last bool) {
	n.completed[n.current] = true
	n.confirming = false
	if n.current+1 < len(n.sections) {
		n.current++
		return n.sections[n.current].positions[0], false
	}
	n.ready = true
	return -1, true
}

// resume places the navigator at a saved section index. Every earlier
// section is treated as completed.
func (n *navigator) resume(index int) int {
	if !n.enabled() {
		return 0
	}
	if index < 0 {
		index = 0
	}
	if index >= len(n.sections) {
		index = len(n.sections) - 1
	}
	for i := 0; i < index; i++ {
		n.completed[i] = true
	}
	n.current = index
	return n.sections[index].positions[0]
}

func (n *navigator) completedList() []int {
	out := make([]int, 0, len(n.completed))
	for i := range n.sections {
		if n.completed[i] {
			out = append(out, i)
		}
	}
	return out
}
