package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu       sync.Mutex
	execErr  error
	copyErr  error
	execs    []execCall
	copyRows [][]any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) CopyFrom(ctx context.Context, _ pgx.Identifier, _ []string, rows pgx.CopyFromSource) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	var n int64
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return n, err
		}
		f.copyRows = append(f.copyRows, vals)
		n++
	}
	return n, nil
}

func (f *fakeDB) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func (f *fakeDB) copyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.copyRows)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func push(t *testing.T, mr *miniredis.Miniredis, queue string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = mr.Push(queue, string(raw))
	require.NoError(t, err)
}

var testAssessment = uuid.MustParse("9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d")

func TestProgressWorker_UpsertsSnapshot(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{}
	w := NewProgressWorker(db, rdb, zerolog.Nop())

	push(t, mr, config.WorkerKey.PersistProgressQueue, model.QueuedProgress{
		ParticipantID: "participant-1",
		ProgressPayload: model.ProgressPayload{
			AttemptID:      "attempt-1",
			AssessmentID:   testAssessment,
			TotalTimeSpent: 30,
			Answers:        []model.Answer{{QuestionID: "q1", TimeSpent: 30}},
		},
	})

	w.processNext(context.Background())

	require.Equal(t, 1, db.execCount())
	call := db.execs[0]
	assert.Contains(t, call.sql, "ON CONFLICT (attempt_id)")
	assert.Equal(t, "attempt-1", call.args[0])
	assert.Equal(t, "participant-1", call.args[1])
	assert.Equal(t, 30, call.args[5])
	assert.Nil(t, call.args[6])
}

func TestProgressWorker_RequeuesOnFailure(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{execErr: errors.New("connection reset")}
	w := NewProgressWorker(db, rdb, zerolog.Nop())
	w.retryDelay = 0

	push(t, mr, config.WorkerKey.PersistProgressQueue, model.QueuedProgress{
		ProgressPayload: model.ProgressPayload{AttemptID: "attempt-1", AssessmentID: testAssessment},
	})
	w.processNext(context.Background())

	items, err := mr.List(config.WorkerKey.PersistProgressQueue)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestProgressWorker_DrainsOnShutdown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{}
	w := NewProgressWorker(db, rdb, zerolog.Nop())

	for _, id := range []string{"attempt-1", "attempt-2", "attempt-3"} {
		push(t, mr, config.WorkerKey.PersistProgressQueue, model.QueuedProgress{
			ProgressPayload: model.ProgressPayload{AttemptID: id, AssessmentID: testAssessment},
		})
	}
	_, err := mr.Push(config.WorkerKey.PersistProgressQueue, "{not json")
	require.NoError(t, err)

	w.drain(context.Background())
	assert.Equal(t, 3, db.execCount())
	assert.False(t, mr.Exists(config.WorkerKey.PersistProgressQueue))
}

func violation(attemptID string) model.ViolationLog {
	return model.ViolationLog{
		ParticipantID: "participant-1",
		AssignmentID:  "assignment-1",
		AttemptID:     attemptID,
		EventType:     model.ViolationWindowBlur,
		Metadata:      map[string]any{"count": 1},
		RecordedAt:    time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestViolationWorker_BulkInsert(t *testing.T) {
	_, rdb := newTestRedis(t)
	db := &fakeDB{}
	w := NewViolationWorker(db, rdb, zerolog.Nop())

	a, b := violation("attempt-1"), violation("attempt-2")
	w.flushSafe(context.Background(), []*model.ViolationLog{&a, &b})

	require.Equal(t, 2, db.copyCount())
	assert.Equal(t, "attempt-2", db.copyRows[1][0])
	assert.Equal(t, "window_blur", db.copyRows[1][3])
	assert.Zero(t, db.execCount())
}

func TestViolationWorker_FallbackThenRequeue(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{copyErr: errors.New("copy failed"), execErr: errors.New("db down")}
	w := NewViolationWorker(db, rdb, zerolog.Nop())
	w.retryDelay = 0

	a, b := violation("attempt-1"), violation("attempt-2")
	w.flushSafe(context.Background(), []*model.ViolationLog{&a, &b})

	assert.Equal(t, 2, db.execCount())
	items, err := mr.List(config.WorkerKey.PersistViolationsQueue)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestViolationWorker_FlushesOnShutdown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{}
	w := NewViolationWorker(db, rdb, zerolog.Nop())

	push(t, mr, config.WorkerKey.PersistViolationsQueue, violation("attempt-1"))
	push(t, mr, config.WorkerKey.PersistViolationsQueue, violation("attempt-2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !mr.Exists(config.WorkerKey.PersistViolationsQueue)
	}, 3*time.Second, 10*time.Millisecond)
	// Let the last popped item reach the buffer.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 2, db.copyCount())
}

func submission(attemptID string) *model.QueuedSubmission {
	return &model.QueuedSubmission{
		ResultID:      uuid.NewString(),
		ParticipantID: "participant-1",
		SubmitPayload: model.SubmitPayload{
			AttemptID:      attemptID,
			AssessmentID:   testAssessment,
			TotalTimeSpent: 601,
			Reason:         model.SubmitReasonTimeout,
			Answers:        []model.Answer{{QuestionID: "q1"}},
		},
	}
}

func TestSubmissionWorker_PersistsAndClearsLiveState(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{}
	w := NewSubmissionWorker(db, rdb, zerolog.Nop())

	require.NoError(t, mr.Set(config.CacheKey.AttemptProgressKey("attempt-1"), "{}"))
	require.NoError(t, mr.Set(config.CacheKey.AttemptProgressKey("attempt-2"), "{}"))

	w.flushSafe(context.Background(), []*model.QueuedSubmission{submission("attempt-1"), submission("attempt-2")})

	require.Equal(t, 1, db.execCount())
	assert.Contains(t, db.execs[0].sql, "UNNEST")
	assert.Equal(t, []string{"attempt-1", "attempt-2"}, db.execs[0].args[1])
	assert.Equal(t, []int{601, 601}, db.execs[0].args[6])
	assert.False(t, mr.Exists(config.CacheKey.AttemptProgressKey("attempt-1")))
	assert.False(t, mr.Exists(config.CacheKey.AttemptProgressKey("attempt-2")))
}

func TestSubmissionWorker_RequeuesWhenDatabaseDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	db := &fakeDB{execErr: errors.New("db down")}
	w := NewSubmissionWorker(db, rdb, zerolog.Nop())

	require.NoError(t, mr.Set(config.CacheKey.AttemptProgressKey("attempt-1"), "{}"))
	w.flushSafe(context.Background(), []*model.QueuedSubmission{submission("attempt-1")})

	// One bulk attempt plus one fallback.
	assert.Equal(t, 2, db.execCount())
	items, err := mr.List(config.WorkerKey.PersistSubmissionsQueue)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.True(t, mr.Exists(config.CacheKey.AttemptProgressKey("attempt-1")))
}
