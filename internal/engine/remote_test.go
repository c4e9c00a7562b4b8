package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRoom_WaitsUntilActive(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(model.RoomSignal{HasSession: true, ParticipantID: "participant-1", Status: model.RoomStatusWaiting}, nil).Once()
	room.On("Status", mock.Anything).Return(activeSignal(), nil).Once()

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"))

	assert.ErrorIs(t, h.eng.Start(context.Background()), ErrRoomNotOpen)
	assert.Equal(t, StatusWaiting, h.eng.Status())
	assert.Empty(t, h.store.starts)
	h.eng.Tick()
	assert.Zero(t, h.eng.Snapshot().Elapsed)

	h.start(t)
	require.Len(t, h.store.starts, 1)
	assert.Equal(t, "assignment-1", h.store.starts[0].AssignmentID)
	assert.Equal(t, "participant-1", h.eng.Snapshot().ParticipantID)
	assert.Equal(t, 1, h.count(EventWaitingRoom))
	room.AssertExpectations(t)
}

func TestRoom_StatusErrorKeepsWaiting(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(model.RoomSignal{}, errors.New("dial tcp: timeout"))

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"))

	assert.ErrorIs(t, h.eng.Start(context.Background()), ErrRoomNotOpen)
	assert.Equal(t, StatusWaiting, h.eng.Status())
}

func TestRoom_AlreadyEnded(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(model.RoomSignal{HasSession: true, ParticipantID: "participant-1", Status: model.RoomStatusCompleted}, nil)

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"))

	assert.ErrorIs(t, h.eng.Start(context.Background()), ErrRoomClosed)
	assert.Equal(t, StatusFailed, h.eng.Status())
	assert.Empty(t, h.store.starts)
}

func TestRoom_NoRoomWithoutAssignment(t *testing.T) {
	room := &mockRoom{}
	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, ""))
	h.start(t)

	h.eng.Heartbeat()
	h.eng.PollRoom()
	room.AssertNotCalled(t, "Status", mock.Anything)
	room.AssertNotCalled(t, "Heartbeat", mock.Anything, mock.Anything)
}

func TestRoom_KickedByHeartbeat(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(activeSignal(), nil)
	room.On("Heartbeat", mock.Anything, mock.MatchedBy(func(p model.HeartbeatPayload) bool {
		return p.ParticipantID == "participant-1" && p.AnsweredCount == 1
	})).Return(model.HeartbeatAck{Kicked: true, KickedReason: "Terdeteksi membuka aplikasi lain"}, nil)

	h := newHarness(t, newAssessment(10, mcQuestion("q1"), mcQuestion("q2")), withRoom(room, "assignment-1"))
	h.start(t)
	require.NoError(t, h.eng.SelectChoice("q1", "a"))
	h.tick(4)

	h.eng.Heartbeat()

	v := h.eng.Snapshot()
	assert.Equal(t, StatusRemoved, v.Status)
	assert.Equal(t, "Terdeteksi membuka aplikasi lain", v.RemovedReason)
	assert.Equal(t, 1, h.count(EventRemoved))

	assert.ErrorIs(t, h.eng.SelectChoice("q2", "b"), ErrNotActive)
	assert.ErrorIs(t, h.eng.Advance(1), ErrNotActive)
	assert.ErrorIs(t, h.eng.Submit(), ErrNotActive)
	h.tick(10)
	assert.Equal(t, 4, h.eng.Snapshot().Elapsed)
	assert.Zero(t, h.store.submitCount())
	room.AssertExpectations(t)
}

func TestRoom_HeartbeatFailureIsLogged(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(activeSignal(), nil)
	room.On("Heartbeat", mock.Anything, mock.Anything).Return(model.HeartbeatAck{}, errors.New("503"))

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"))
	h.start(t)

	h.eng.Heartbeat()
	h.eng.Heartbeat()
	assert.Equal(t, StatusActive, h.eng.Status())
	room.AssertNumberOfCalls(t, "Heartbeat", 2)
}

func TestRoom_HeartbeatSkippedWhileInFlight(t *testing.T) {
	exec := &deferredExecutor{}
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(activeSignal(), nil)
	room.On("Heartbeat", mock.Anything, mock.Anything).Return(model.HeartbeatAck{}, nil)

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"), withExecutor(exec))
	h.start(t)

	h.eng.Heartbeat()
	h.eng.Heartbeat()
	h.eng.PollRoom()
	h.eng.PollRoom()
	assert.Len(t, exec.pending, 2)
	exec.flush()
	room.AssertNumberOfCalls(t, "Heartbeat", 1)
}

func TestRoom_TerminationForcesSubmission(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(activeSignal(), nil).Once()
	room.On("Status", mock.Anything).Return(model.RoomSignal{HasSession: true, ParticipantID: "participant-1", Status: model.RoomStatusTerminated}, nil)

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"))
	h.start(t)
	h.tick(7)

	h.eng.PollRoom()

	require.Equal(t, 1, h.store.submitCount())
	p := h.store.submits[0]
	assert.Equal(t, model.SubmitReasonRemoteEnded, p.Reason)
	assert.Equal(t, "assignment-1", p.AssignmentID)
	assert.Equal(t, 7, p.TotalTimeSpent)
	assert.Equal(t, StatusSubmitted, h.eng.Status())
}

func TestRoom_KickWinsOverTermination(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(activeSignal(), nil).Once()
	room.On("Status", mock.Anything).Return(model.RoomSignal{
		HasSession:    true,
		ParticipantID: "participant-1",
		Status:        model.RoomStatusTerminated,
		Kicked:        true,
		KickedReason:  "Dikeluarkan",
	}, nil)

	h := newHarness(t, newAssessment(10, mcQuestion("q1")), withRoom(room, "assignment-1"))
	h.start(t)

	h.eng.PollRoom()
	assert.Equal(t, StatusRemoved, h.eng.Status())
	assert.Zero(t, h.store.submitCount())
}

func TestRoom_ViolationsForwardedToAuditLog(t *testing.T) {
	room := &mockRoom{}
	room.On("Status", mock.Anything).Return(activeSignal(), nil)
	room.On("LogViolation", mock.Anything, mock.MatchedBy(func(v model.ViolationLog) bool {
		return v.ParticipantID == "participant-1" &&
			v.AttemptID == "attempt-1" &&
			v.EventType == model.ViolationWindowBlur &&
			v.Metadata["count"] == 1 &&
			v.Metadata["max_violations"] == 3
	})).Return(errors.New("audit log unavailable"))

	def := newAssessment(10, mcQuestion("q1"))
	def.CheatRules = model.CheatRules{Enabled: true, BlockTabSwitch: true, MaxViolations: 3}
	h := newHarness(t, def, withRoom(room, "assignment-1"))
	h.start(t)

	require.NoError(t, h.eng.ReportViolation(model.ViolationWindowBlur, "visibilitychange"))
	assert.Equal(t, 1, h.eng.Snapshot().Violations)
	assert.Equal(t, StatusActive, h.eng.Status())
	room.AssertExpectations(t)
}
