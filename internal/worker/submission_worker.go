package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// SubmissionWorker persists final submissions for the external grader and
// clears the live attempt snapshot once it is durable.
type SubmissionWorker struct {
	db  DB
	rdb *redis.Client
	log zerolog.Logger
}

func NewSubmissionWorker(db DB, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		db:  db,
		rdb: rdb,
		log: log.With().Str("component", "submission_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	batch := make([]*model.QueuedSubmission, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var s model.QueuedSubmission
			if err := json.Unmarshal([]byte(item[1]), &s); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &s)
		}
	}
}

// ----------------------------------------------------------------
// Batch insert wrapper
// ----------------------------------------------------------------

func (w *SubmissionWorker) flushSafe(ctx context.Context, batch []*model.QueuedSubmission) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk submission insert failed, using fallback")

		done := make([]*model.QueuedSubmission, 0, len(batch))
		for _, s := range batch {
			if err := w.persistSingle(ctx, s); err != nil {
				w.log.Error().Err(err).Str("attempt_id", s.AttemptID).Msg("persistSingle failed, requeueing")
				raw, _ := json.Marshal(s)
				w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSubmissionsQueue, raw)
				continue
			}
			done = append(done, s)
		}
		w.clearLiveState(ctx, done)
		return
	}

	w.clearLiveState(ctx, batch)
}

// ----------------------------------------------------------------
// BULK PostgreSQL INSERT using UNNEST; replays are no-ops
// ----------------------------------------------------------------

func (w *SubmissionWorker) bulkInsert(ctx context.Context, batch []*model.QueuedSubmission) error {
	n := len(batch)

	resultIDs := make([]string, 0, n)
	attemptIDs := make([]string, 0, n)
	participants := make([]string, 0, n)
	assessments := make([]string, 0, n)
	assignments := make([]string, 0, n)
	answers := make([]string, 0, n)
	totals := make([]int, 0, n)
	reasons := make([]string, 0, n)
	submittedAts := make([]time.Time, 0, n)

	for _, s := range batch {
		raw, err := json.Marshal(s.Answers)
		if err != nil {
			return err
		}
		resultIDs = append(resultIDs, s.ResultID)
		attemptIDs = append(attemptIDs, s.AttemptID)
		participants = append(participants, s.ParticipantID)
		assessments = append(assessments, s.AssessmentID.String())
		assignments = append(assignments, s.AssignmentID)
		answers = append(answers, string(raw))
		totals = append(totals, s.TotalTimeSpent)
		reasons = append(reasons, string(s.Reason))
		submittedAts = append(submittedAts, s.SubmittedAt)
	}

	query := `
		INSERT INTO attempt_submissions
			(result_id, attempt_id, participant_id, assessment_id, assignment_id,
			 answers, total_time_spent, reason, submitted_at)
		SELECT
			u.result_id::uuid,
			u.attempt_id,
			u.participant_id,
			u.assessment_id::uuid,
			NULLIF(u.assignment_id, ''),
			u.answers::jsonb,
			u.total_time_spent,
			u.reason,
			u.submitted_at
		FROM UNNEST(
			$1::text[],
			$2::text[],
			$3::text[],
			$4::text[],
			$5::text[],
			$6::text[],
			$7::int[],
			$8::text[],
			$9::timestamptz[]
		) AS u (result_id, attempt_id, participant_id, assessment_id, assignment_id,
		        answers, total_time_spent, reason, submitted_at)
		ON CONFLICT (attempt_id) DO NOTHING
	`

	_, err := w.db.Exec(ctx, query,
		resultIDs, attemptIDs, participants, assessments, assignments,
		answers, totals, reasons, submittedAts,
	)
	return err
}

// ----------------------------------------------------------------
// FALLBACK single insert
// ----------------------------------------------------------------

func (w *SubmissionWorker) persistSingle(ctx context.Context, s *model.QueuedSubmission) error {
	raw, err := json.Marshal(s.Answers)
	if err != nil {
		return err
	}

	_, err = w.db.Exec(ctx,
		`INSERT INTO attempt_submissions
		   (result_id, attempt_id, participant_id, assessment_id, assignment_id,
		    answers, total_time_spent, reason, submitted_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::jsonb, $7, $8, $9)
		 ON CONFLICT (attempt_id) DO NOTHING`,
		s.ResultID, s.AttemptID, s.ParticipantID, s.AssessmentID, s.AssignmentID,
		string(raw), s.TotalTimeSpent, string(s.Reason), s.SubmittedAt,
	)
	return err
}

// ----------------------------------------------------------------
// BULK Redis DEL of live snapshots
// ----------------------------------------------------------------

func (w *SubmissionWorker) clearLiveState(ctx context.Context, batch []*model.QueuedSubmission) {
	if len(batch) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	pipe := w.rdb.Pipeline()
	for _, s := range batch {
		pipe.Del(ctx, config.CacheKey.AttemptProgressKey(s.AttemptID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn().Err(err).Msg("Failed to clear live attempt snapshots")
	}
}
