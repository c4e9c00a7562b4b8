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

// ProgressWorker consumes persist_progress_queue and UPSERTs the latest
// snapshot of each attempt to PostgreSQL.
type ProgressWorker struct {
	db         DB
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewProgressWorker creates a new ProgressWorker.
func NewProgressWorker(db DB, rdb *redis.Client, log zerolog.Logger) *ProgressWorker {
	return &ProgressWorker{
		db:         db,
		rdb:        rdb,
		log:        log.With().Str("component", "progress_worker").Logger(),
		retryDelay: 5 * time.Second,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *ProgressWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ProgressWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistProgressQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}

	if len(result) < 2 {
		return
	}

	var payload model.QueuedProgress
	if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
		w.log.Error().Err(err).Msg("Discarding malformed progress payload")
		return
	}

	if err := w.persist(ctx, &payload); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", payload.AttemptID).
			Dur("retry_in", w.retryDelay).
			Msg("Persist error, requeueing")
		// Push back to queue for retry.
		w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistProgressQueue, result[1])
		sleep(ctx, w.retryDelay)
	}
}

// persist keeps the row monotonic: an older snapshot arriving late never
// overwrites a newer one.
func (w *ProgressWorker) persist(ctx context.Context, p *model.QueuedProgress) error {
	answers, err := json.Marshal(p.Answers)
	if err != nil {
		return err
	}
	var sectionTimes []byte
	if p.SectionTimes != nil {
		if sectionTimes, err = json.Marshal(p.SectionTimes); err != nil {
			return err
		}
	}

	_, err = w.db.Exec(ctx,
		`INSERT INTO attempt_progress
		   (attempt_id, participant_id, assessment_id, assignment_id, answers,
		    total_time_spent, section_times, current_section_index, saved_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5::jsonb, $6, $7::jsonb, $8, $9)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET answers = EXCLUDED.answers,
		     total_time_spent = EXCLUDED.total_time_spent,
		     section_times = EXCLUDED.section_times,
		     current_section_index = EXCLUDED.current_section_index,
		     saved_at = EXCLUDED.saved_at,
		     updated_at = NOW()
		 WHERE attempt_progress.total_time_spent <= EXCLUDED.total_time_spent`,
		p.AttemptID, p.ParticipantID, p.AssessmentID, p.AssignmentID, answers,
		p.TotalTimeSpent, sectionTimes, p.CurrentSectionIndex, p.SavedAt,
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *ProgressWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistProgressQueue).Result()
		if err != nil {
			break
		}

		var payload model.QueuedProgress
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persist(ctx, &payload); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistProgressQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
