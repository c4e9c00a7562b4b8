package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

var violationColumns = []string{
	"attempt_id", "participant_id", "assignment_id", "event_type", "description", "metadata", "recorded_at",
}

// ViolationWorker batches the room audit log into attempt_violations.
type ViolationWorker struct {
	db         DB
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

func NewViolationWorker(db DB, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		db:         db,
		rdb:        rdb,
		log:        log.With().Str("component", "violation_worker").Logger(),
		retryDelay: 2 * time.Second,
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ViolationLog, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check flush conditions (time or size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. Returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // Queue empty, loop back to check the flush timer
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var rec model.ViolationLog
		if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
			// Malformed JSON can never succeed. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, &rec)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ViolationLog) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func violationRow(v *model.ViolationLog) ([]any, error) {
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		v.AttemptID, v.ParticipantID, v.AssignmentID, string(v.EventType), v.Description, meta, v.RecordedAt,
	}, nil
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*model.ViolationLog) error {
	rows := make([][]any, 0, len(batch))
	for _, v := range batch {
		row, err := violationRow(v)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := w.db.CopyFrom(ctx, pgx.Identifier{"attempt_violations"}, violationColumns, pgx.CopyFromRows(rows))
	return err
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ViolationLog) {
	requeue := make([]*model.ViolationLog, 0)

	for _, v := range batch {
		row, err := violationRow(v)
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", v.AttemptID).Msg("Dropping violation with unencodable metadata")
			continue
		}

		_, err = w.db.Exec(ctx,
			`INSERT INTO attempt_violations
			   (attempt_id, participant_id, assignment_id, event_type, description, metadata, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
			row...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("participant_id", v.ParticipantID).Msg("Insert failed, requeueing")
			requeue = append(requeue, v)
		}
	}

	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ViolationLog) {
	ctx = context.WithoutCancel(ctx)
	pipe := w.rdb.Pipeline()
	for _, v := range items {
		data, _ := json.Marshal(v)
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue violations to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleep(ctx, w.retryDelay)
}

func (w *ViolationWorker) shutdown(buffer []*model.ViolationLog) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
