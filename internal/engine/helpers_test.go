package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStore records every call. Submit consumes submitErrs in order before
// succeeding.
type fakeStore struct {
	mu sync.Mutex

	startResp  model.StartResponse
	startErr   error
	saveErr    error
	submitErrs []error

	starts  []model.StartRequest
	saves   []model.ProgressPayload
	beacons []model.ProgressPayload
	submits []model.SubmitPayload
}

func newFakeStore() *fakeStore {
	return &fakeStore{startResp: model.StartResponse{AttemptID: "attempt-1"}}
}

func (s *fakeStore) Start(_ context.Context, req model.StartRequest) (model.StartResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, req)
	return s.startResp, s.startErr
}

func (s *fakeStore) SaveProgress(_ context.Context, p model.ProgressPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, p)
	return s.saveErr
}

func (s *fakeStore) Beacon(p model.ProgressPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beacons = append(s.beacons, p)
}

func (s *fakeStore) Submit(_ context.Context, p model.SubmitPayload) (model.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, p)
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return model.SubmitResult{}, err
	}
	return model.SubmitResult{ResultID: fmt.Sprintf("result-%d", len(s.submits))}, nil
}

func (s *fakeStore) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func (s *fakeStore) beaconCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.beacons)
}

// mockRoom is a testify mock of the virtual room.
type mockRoom struct {
	mock.Mock
}

func (m *mockRoom) Status(ctx context.Context) (model.RoomSignal, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.RoomSignal), args.Error(1)
}

func (m *mockRoom) Heartbeat(ctx context.Context, p model.HeartbeatPayload) (model.HeartbeatAck, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(model.HeartbeatAck), args.Error(1)
}

func (m *mockRoom) LogViolation(ctx context.Context, v model.ViolationLog) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func activeSignal() model.RoomSignal {
	return model.RoomSignal{HasSession: true, ParticipantID: "participant-1", Status: model.RoomStatusActive}
}

// deferredExecutor queues remote calls until flush, so tests can interleave
// triggers with in-flight requests.
type deferredExecutor struct {
	pending []func()
}

func (x *deferredExecutor) Go(call func(), then func()) {
	x.pending = append(x.pending, func() {
		call()
		then()
	})
}

func (x *deferredExecutor) flush() {
	for len(x.pending) > 0 {
		next := x.pending[0]
		x.pending = x.pending[1:]
		next()
	}
}

func mcQuestion(id string) model.Question {
	return model.Question{
		ID:   id,
		Type: model.QuestionTypeMultipleChoice,
		Text: "Question " + id,
		Choices: []model.Choice{
			{ID: "a", Text: "A"},
			{ID: "b", Text: "B"},
			{ID: "c", Text: "C"},
		},
		Weight: 1,
	}
}

func essayQuestion(id string) model.Question {
	return model.Question{ID: id, Type: model.QuestionTypeEssay, Text: "Explain " + id, Weight: 2}
}

func newAssessment(minutes int, questions ...model.Question) *model.Assessment {
	return &model.Assessment{
		ID:              uuid.MustParse("7d1b6c3e-2a4f-4b8e-9c1d-0f3a5e7b9c21"),
		Title:           "Ujian Matematika",
		DurationMinutes: minutes,
		Questions:       questions,
		Status:          model.AssessmentStatusPublished,
	}
}

type harness struct {
	eng    *Engine
	store  *fakeStore
	clock  *fakeClock
	events []Event
}

type harnessOption func(*Params)

func withRoom(room Room, assignmentID string) harnessOption {
	return func(p *Params) {
		p.Room = room
		p.AssignmentID = assignmentID
	}
}

func withExecutor(x Executor) harnessOption {
	return func(p *Params) { p.Executor = x }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(p *Params) { fn(&p.Config) }
}

func newHarness(t *testing.T, def *model.Assessment, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{store: newFakeStore(), clock: newFakeClock()}
	p := Params{
		Assessment: def,
		Store:      h.store,
		Config:     DefaultConfig(),
		Clock:      h.clock,
		Listener:   func(ev Event) { h.events = append(h.events, ev) },
		Log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	h.eng = New(p)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Start(context.Background()))
	require.Equal(t, StatusActive, h.eng.Status())
}

// tick advances the clock by one second per tick.
func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.eng.Tick()
	}
}

func (h *harness) count(kind EventKind) int {
	n := 0
	for _, ev := range h.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
