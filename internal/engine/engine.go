// Package engine runs one participant through one timed assessment attempt.
//
// An Engine is not safe for concurrent use. A Runner owns it on a single
// goroutine and serialises ticks, periodic saves, heartbeats, participant
// commands and remote-call completions.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Store is the remote attempt store.
type Store interface {
	Start(ctx context.Context, req model.StartRequest) (model.StartResponse, error)
	SaveProgress(ctx context.Context, p model.ProgressPayload) error
	// Beacon hands the payload to a best-effort transport and returns
	// without waiting for delivery.
	Beacon(p model.ProgressPayload)
	Submit(ctx context.Context, p model.SubmitPayload) (model.SubmitResult, error)
}

// Room is the virtual room proctoring session.
type Room interface {
	Status(ctx context.Context) (model.RoomSignal, error)
	Heartbeat(ctx context.Context, p model.HeartbeatPayload) (model.HeartbeatAck, error)
	LogViolation(ctx context.Context, v model.ViolationLog) error
}

// Status is the lifecycle phase of an attempt.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusWaiting   Status = "WAITING_ROOM"
	StatusActive    Status = "ACTIVE"
	StatusSubmitted Status = "SUBMITTED"
	StatusRemoved   Status = "REMOVED"
	StatusFailed    Status = "FAILED"
	StatusSuspended Status = "SUSPENDED"
)

// Terminal reports whether the engine will accept no further work.
func (s Status) Terminal() bool {
	switch s {
	case StatusSubmitted, StatusRemoved, StatusFailed, StatusSuspended:
		return true
	}
	return false
}

// Config holds the engine's timing and budget knobs.
type Config struct {
	TickInterval      time.Duration
	AutosaveInterval  time.Duration
	HeartbeatInterval time.Duration
	RoomPollInterval  time.Duration
	RoomWaitInterval  time.Duration
	RequestTimeout    time.Duration
	// MaxSubmitRetries bounds automatic re-submission after a forced
	// submission failed. Manual submission is always allowed.
	MaxSubmitRetries int
	// DefaultMaxViolations applies when the assessment sets none. 0 disables the limit.
	DefaultMaxViolations int
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		TickInterval:         time.Second,
		AutosaveInterval:     30 * time.Second,
		HeartbeatInterval:    3 * time.Second,
		RoomPollInterval:     5 * time.Second,
		RoomWaitInterval:     2 * time.Second,
		RequestTimeout:       10 * time.Second,
		MaxSubmitRetries:     3,
		DefaultMaxViolations: 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = d.AutosaveInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RoomPollInterval <= 0 {
		c.RoomPollInterval = d.RoomPollInterval
	}
	if c.RoomWaitInterval <= 0 {
		c.RoomWaitInterval = d.RoomWaitInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxSubmitRetries < 0 {
		c.MaxSubmitRetries = 0
	}
	return c
}

// Params wires an Engine. Room is only used when AssignmentID is set.
type Params struct {
	Assessment   *model.Assessment
	AssignmentID string
	Store        Store
	Room         Room
	Config       Config
	Clock        Clock
	Executor     Executor
	Listener     Listener
	Log          zerolog.Logger
}

// Engine is the stateful attempt engine.
type Engine struct {
	def      *model.Assessment
	byID     map[string]*model.Question
	store    Store
	room     Room
	cfg      Config
	clock    Clock
	exec     Executor
	listener Listener
	log      zerolog.Logger
	ctx      context.Context

	assignmentID  string
	participantID string
	attemptID     string
	resumed       bool
	status        Status

	state   *attemptState
	nav     *navigator
	monitor *violationMonitor

	forcePending    bool
	readyToSubmit   bool
	submitting      bool
	forcedReason    model.SubmitReason
	forcedFailures  int
	exhaustedLogged bool
	submitErr       error
	resultID        string
	removedReason   string

	saveInFlight      bool
	heartbeatInFlight bool
	pollInFlight      bool
}

// New builds an idle engine for one attempt of p.Assessment.
func New(p Params) *Engine {
	cfg := p.Config.withDefaults()
	if p.Clock == nil {
		p.Clock = systemClock{}
	}
	if p.Executor == nil {
		p.Executor = InlineExecutor{}
	}

	log := p.Log.With().
		Str("component", "attempt_engine").
		Str("assessment_id", p.Assessment.ID.String()).
		Logger()
	if p.AssignmentID != "" {
		log = log.With().Str("assignment_id", p.AssignmentID).Logger()
	}

	byID := make(map[string]*model.Question, len(p.Assessment.Questions))
	for i := range p.Assessment.Questions {
		byID[p.Assessment.Questions[i].ID] = &p.Assessment.Questions[i]
	}

	return &Engine{
		def:          p.Assessment,
		byID:         byID,
		store:        p.Store,
		room:         p.Room,
		cfg:          cfg,
		clock:        p.Clock,
		exec:         p.Executor,
		listener:     p.Listener,
		log:          log,
		ctx:          context.Background(),
		assignmentID: p.AssignmentID,
		status:       StatusIdle,
		state:        newAttemptState(),
		nav:          &navigator{completed: make(map[int]bool), total: len(p.Assessment.Questions)},
		monitor:      newViolationMonitor(p.Assessment.CheatRules, cfg.DefaultMaxViolations),
	}
}

// Status returns the lifecycle phase.
func (e *Engine) Status() Status { return e.status }

// AttemptID returns the store-assigned attempt identifier.
func (e *Engine) AttemptID() string { return e.attemptID }

// ResultID returns the result identifier once submitted.
func (e *Engine) ResultID() string { return e.resultID }

func (e *Engine) virtualRoom() bool {
	return e.assignmentID != "" && e.room != nil
}

func (e *Engine) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
}

// Start opens or resumes the attempt. In virtual-room mode it returns
// ErrRoomNotOpen until the room is active and the participant admitted.
// A store failure is fatal: the engine moves to StatusFailed.
func (e *Engine) Start(ctx context.Context) error {
	if e.status != StatusIdle && e.status != StatusWaiting {
		return ErrAlreadyStarted
	}
	// In-flight calls must outlive a closing connection.
	e.ctx = context.WithoutCancel(ctx)

	if e.virtualRoom() {
		if err := e.awaitRoom(ctx); err != nil {
			return err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	resp, err := e.store.Start(reqCtx, model.StartRequest{
		AssessmentID: e.def.ID,
		AssignmentID: e.assignmentID,
	})
	if err != nil {
		e.status = StatusFailed
		e.log.Error().Err(err).Msg("Start attempt failed")
		return fmt.Errorf("start attempt: %w", err)
	}

	e.attemptID = resp.AttemptID
	e.resumed = resp.Resumed
	e.log = e.log.With().Str("attempt_id", e.attemptID).Logger()

	e.seed(resp)
	e.status = StatusActive
	e.state.flushedAt = e.clock.Now()

	e.log.Info().
		Bool("resumed", e.resumed).
		Int("elapsed", e.state.elapsed).
		Bool("sections", e.nav.enabled()).
		Msg("Attempt started")

	e.emit(Event{Kind: EventStarted})

	// A resumed section may already be exhausted.
	e.evaluateSectionDeadline()
	return nil
}

// seed loads the start response into fresh local state. The response is
// authoritative; nothing local is merged into it.
func (e *Engine) seed(resp model.StartResponse) {
	var saved []model.Answer
	if resp.Resumed {
		saved = resp.SavedAnswers
	}
	e.state.initialize(e.def.QuestionIDs(), saved)
	e.nav = newNavigator(e.def, e.state.index, e.log)

	if e.nav.enabled() {
		current := 0
		if resp.Resumed && resp.SavedCurrentSectionIndex != nil {
			current = *resp.SavedCurrentSectionIndex
		}
		e.state.current = e.nav.resume(current)
	}

	if !resp.Resumed {
		return
	}

	e.state.elapsed = max(resp.SavedTimeSpent, 0)
	e.state.sectionMark = e.state.elapsed

	if !e.nav.enabled() {
		return
	}

	for idx, secs := range resp.SavedSectionTimes {
		if idx < 0 || idx >= len(e.nav.sections) || secs <= 0 {
			continue
		}
		e.state.sectionElapsed[idx] = secs
	}
	e.reconcileSectionTime()
}

// reconcileSectionTime keeps the section counters consistent with the
// global counter after a resume. The global counter wins: any excess of
// section time over total elapsed is taken back from the current section.
func (e *Engine) reconcileSectionTime() {
	sum := 0
	for _, v := range e.state.sectionElapsed {
		sum += v
	}
	excess := sum - e.state.elapsed
	if excess <= 0 {
		return
	}
	cur := e.nav.current
	cut := min(excess, e.state.sectionElapsed[cur])
	e.state.sectionElapsed[cur] -= cut
	if cut < excess {
		e.log.Warn().Int("excess", excess-cut).Msg("Completed section time exceeds total elapsed")
	}
}

// mutable reports whether answer mutation is currently allowed.
func (e *Engine) mutable() error {
	if e.status != StatusActive {
		return ErrNotActive
	}
	if e.monitor.fullscreenRequired {
		return ErrFullscreenRequired
	}
	return nil
}

func (e *Engine) lookup(questionID string) (*model.Question, int, error) {
	q, ok := e.byID[questionID]
	if !ok {
		return nil, -1, ErrUnknownQuestion
	}
	_, pos, ok := e.state.answer(questionID)
	if !ok {
		return nil, -1, ErrUnknownQuestion
	}
	if !e.nav.reachable(pos) {
		return nil, -1, ErrOutsideSection
	}
	return q, pos, nil
}

// SelectChoice toggles choiceID on a multiple choice question.
func (e *Engine) SelectChoice(questionID, choiceID string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	q, pos, err := e.lookup(questionID)
	if err != nil {
		return err
	}
	if q.Type != model.QuestionTypeMultipleChoice {
		return ErrWrongQuestionType
	}
	if !q.HasChoice(choiceID) {
		return ErrUnknownChoice
	}
	e.state.selectChoice(pos, choiceID)
	e.emit(Event{Kind: EventAnswerChanged})
	return nil
}

// SetFreeText replaces the text of an essay question. "" clears it.
func (e *Engine) SetFreeText(questionID, text string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	q, pos, err := e.lookup(questionID)
	if err != nil {
		return err
	}
	if q.Type != model.QuestionTypeEssay {
		return ErrWrongQuestionType
	}
	e.state.setText(pos, text)
	e.emit(Event{Kind: EventAnswerChanged})
	return nil
}

// ToggleFlag flips the review flag of a question.
func (e *Engine) ToggleFlag(questionID string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	_, pos, err := e.lookup(questionID)
	if err != nil {
		return err
	}
	e.state.toggleFlag(pos)
	e.emit(Event{Kind: EventAnswerChanged})
	return nil
}

// Advance moves the current question by dir (-1 or 1) inside the reachable set.
func (e *Engine) Advance(dir int) error {
	if err := e.mutable(); err != nil {
		return err
	}
	next, err := e.nav.step(e.state.current, dir)
	if err != nil {
		return err
	}
	e.moveTo(next)
	return nil
}

// JumpTo moves to any reachable question position.
func (e *Engine) JumpTo(pos int) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if pos < 0 || pos >= len(e.def.Questions) {
		return ErrOutOfRange
	}
	if !e.nav.reachable(pos) {
		return ErrOutsideSection
	}
	e.moveTo(pos)
	return nil
}

func (e *Engine) moveTo(pos int) {
	e.state.flush(e.clock.Now())
	e.state.current = pos
	e.emit(Event{Kind: EventNavigated})
}

// RequestSectionCompletion opens the confirmation step for completing the
// current section. Completion itself happens in CompleteSection.
func (e *Engine) RequestSectionCompletion() error {
	if err := e.mutable(); err != nil {
		return err
	}
	if e.nav.active() < 0 {
		return ErrNoSections
	}
	e.nav.confirming = true
	e.emit(Event{Kind: EventConfirmSection})
	return nil
}

// CancelSectionCompletion closes a pending confirmation.
func (e *Engine) CancelSectionCompletion() error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.nav.confirming = false
	e.emit(Event{Kind: EventConfirmSection})
	return nil
}

// CompleteSection commits a requested completion. A confirmation left open
// when the section timed out is void, so a late confirm never completes the
// following section.
func (e *Engine) CompleteSection() error {
	if err := e.mutable(); err != nil {
		return err
	}
	if e.nav.active() < 0 {
		return ErrNoSections
	}
	if !e.nav.confirming {
		return ErrNoPendingConfirmation
	}
	e.completeSection(false)
	return nil
}

// completeSection marks the current section done and moves to the next one.
// On the last section it marks the attempt ready to submit, and submits
// right away when the completion was forced by the section clock.
func (e *Engine) completeSection(forced bool) {
	from := e.nav.current
	e.state.flush(e.clock.Now())

	first, last := e.nav.complete()
	e.log.Info().Int("section", from).Bool("forced", forced).Msg("Section completed")

	if !last {
		e.state.current = first
		e.emit(Event{Kind: EventSectionAdvanced, Section: e.nav.current})
		return
	}

	e.readyToSubmit = true
	e.emit(Event{Kind: EventReadyToSubmit})
	if forced {
		e.force(model.SubmitReasonTimeout)
	}
}
