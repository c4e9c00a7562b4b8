package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var assessmentID = uuid.MustParse("0b7f5c1e-8a43-4d2e-a7c9-5f1e3b2d4a60")

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "participant-1", zerolog.Nop()), mr, rdb
}

func TestStart_OpensThenResumes(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	req := model.StartRequest{AssessmentID: assessmentID, AssignmentID: "assignment-1"}

	first, err := s.Start(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Resumed)
	assert.NotEmpty(t, first.AttemptID)

	// Claimed but never saved.
	again, err := s.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.AttemptID, again.AttemptID)
	assert.False(t, again.Resumed)

	require.NoError(t, s.SaveProgress(ctx, model.ProgressPayload{
		AttemptID:           first.AttemptID,
		AssessmentID:        assessmentID,
		AssignmentID:        "assignment-1",
		Answers:             []model.Answer{{QuestionID: "q1", TimeSpent: 40}},
		TotalTimeSpent:      42,
		SectionTimes:        map[int]int{0: 42},
		CurrentSectionIndex: new(int),
	}))

	resumed, err := s.Start(ctx, req)
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, first.AttemptID, resumed.AttemptID)
	assert.Equal(t, 42, resumed.SavedTimeSpent)
	assert.Equal(t, map[int]int{0: 42}, resumed.SavedSectionTimes)
	require.NotNil(t, resumed.SavedCurrentSectionIndex)
	assert.Equal(t, 0, *resumed.SavedCurrentSectionIndex)
	require.Len(t, resumed.SavedAnswers, 1)
	assert.Equal(t, 40, resumed.SavedAnswers[0].TimeSpent)
}

func TestStart_SeparatesAssignments(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Start(ctx, model.StartRequest{AssessmentID: assessmentID})
	require.NoError(t, err)
	b, err := s.Start(ctx, model.StartRequest{AssessmentID: assessmentID, AssignmentID: "assignment-2"})
	require.NoError(t, err)
	assert.NotEqual(t, a.AttemptID, b.AttemptID)
}

func TestSaveProgress_QueuesForPersistence(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	p := model.ProgressPayload{AttemptID: "attempt-1", AssessmentID: assessmentID, TotalTimeSpent: 9}
	require.NoError(t, s.SaveProgress(ctx, p))
	require.NoError(t, s.SaveProgress(ctx, p))

	items, err := mr.List(config.WorkerKey.PersistProgressQueue)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var queued model.QueuedProgress
	require.NoError(t, json.Unmarshal([]byte(items[0]), &queued))
	assert.Equal(t, "participant-1", queued.ParticipantID)
	assert.Equal(t, 9, queued.TotalTimeSpent)

	ttl := mr.TTL(config.CacheKey.AttemptProgressKey("attempt-1"))
	assert.Equal(t, AttemptTTL, ttl)
}

func TestBeacon_SavesInBackground(t *testing.T) {
	s, mr, _ := newTestStore(t)

	s.Beacon(model.ProgressPayload{AttemptID: "attempt-7", AssessmentID: assessmentID, TotalTimeSpent: 3})

	assert.Eventually(t, func() bool {
		return mr.Exists(config.CacheKey.AttemptProgressKey("attempt-7"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBeacon_WaitBeacons(t *testing.T) {
	s, mr, _ := newTestStore(t)

	require.NoError(t, s.WaitBeacons(context.Background()))

	for i := 0; i < 3; i++ {
		s.Beacon(model.ProgressPayload{AttemptID: fmt.Sprintf("attempt-%d", 20+i), AssessmentID: assessmentID})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitBeacons(ctx))
	for i := 0; i < 3; i++ {
		assert.True(t, mr.Exists(config.CacheKey.AttemptProgressKey(fmt.Sprintf("attempt-%d", 20+i))))
	}
}

func TestSubmit_IsIdempotent(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()
	req := model.StartRequest{AssessmentID: assessmentID}

	started, err := s.Start(ctx, req)
	require.NoError(t, err)

	p := model.SubmitPayload{
		AttemptID:      started.AttemptID,
		AssessmentID:   assessmentID,
		TotalTimeSpent: 601,
		Reason:         model.SubmitReasonTimeout,
	}
	first, err := s.Submit(ctx, p)
	require.NoError(t, err)
	second, err := s.Submit(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ResultID, second.ResultID)

	items, err := mr.List(config.WorkerKey.PersistSubmissionsQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var queued model.QueuedSubmission
	require.NoError(t, json.Unmarshal([]byte(items[0]), &queued))
	assert.Equal(t, first.ResultID, queued.ResultID)
	assert.Equal(t, model.SubmitReasonTimeout, queued.Reason)

	// The pointer is released, so the next start opens a new attempt.
	assert.False(t, mr.Exists(config.CacheKey.ActiveAttemptKey("participant-1", assessmentID.String(), "")))
	next, err := s.Start(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, started.AttemptID, next.AttemptID)
}

func TestStart_RejectsSubmittedAttempt(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	pointer := config.CacheKey.ActiveAttemptKey("participant-1", assessmentID.String(), "")
	require.NoError(t, mr.Set(pointer, "attempt-5"))
	require.NoError(t, mr.Set(config.CacheKey.AttemptResultKey("attempt-5"), "result-5"))

	_, err := s.Start(ctx, model.StartRequest{AssessmentID: assessmentID})
	assert.ErrorIs(t, err, ErrAttemptClosed)
}

func TestStart_RedisDown(t *testing.T) {
	s, mr, _ := newTestStore(t)
	mr.Close()

	_, err := s.Start(context.Background(), model.StartRequest{AssessmentID: assessmentID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim attempt")
}
