// Package store is the Redis-backed remote attempt store. Redis holds the
// live attempt; the persistence workers drain its queues into PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

const (
	// AttemptTTL bounds how long an abandoned attempt stays resumable.
	AttemptTTL    = 24 * time.Hour
	beaconTimeout = 5 * time.Second
)

var ErrAttemptClosed = errors.New("attempt already submitted")

// RedisStore implements the engine's remote store for one participant.
type RedisStore struct {
	rdb           *redis.Client
	participantID string
	log           zerolog.Logger

	beacons sync.WaitGroup
}

// NewRedisStore creates a store scoped to participantID.
func NewRedisStore(rdb *redis.Client, participantID string, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		participantID: participantID,
		log: log.With().
			Str("component", "attempt_store").
			Str("participant_id", participantID).
			Logger(),
	}
}

// Start claims the participant's attempt pointer for this assessment or
// resumes the attempt it already points at.
func (s *RedisStore) Start(ctx context.Context, req model.StartRequest) (model.StartResponse, error) {
	pointer := config.CacheKey.ActiveAttemptKey(s.participantID, req.AssessmentID.String(), req.AssignmentID)

	fresh := uuid.NewString()
	claimed, err := s.rdb.SetNX(ctx, pointer, fresh, AttemptTTL).Result()
	if err != nil {
		return model.StartResponse{}, fmt.Errorf("claim attempt: %w", err)
	}
	if claimed {
		s.log.Info().Str("attempt_id", fresh).Msg("New attempt opened")
		return model.StartResponse{AttemptID: fresh}, nil
	}

	attemptID, err := s.rdb.Get(ctx, pointer).Result()
	if err != nil {
		return model.StartResponse{}, fmt.Errorf("read attempt pointer: %w", err)
	}

	n, err := s.rdb.Exists(ctx, config.CacheKey.AttemptResultKey(attemptID)).Result()
	if err != nil {
		return model.StartResponse{}, fmt.Errorf("check attempt result: %w", err)
	}
	if n > 0 {
		return model.StartResponse{}, ErrAttemptClosed
	}

	raw, err := s.rdb.Get(ctx, config.CacheKey.AttemptProgressKey(attemptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Claimed but never saved: nothing to restore.
		return model.StartResponse{AttemptID: attemptID}, nil
	}
	if err != nil {
		return model.StartResponse{}, fmt.Errorf("load progress: %w", err)
	}

	var saved model.ProgressPayload
	if err := json.Unmarshal(raw, &saved); err != nil {
		return model.StartResponse{}, fmt.Errorf("decode progress: %w", err)
	}

	s.log.Info().
		Str("attempt_id", attemptID).
		Int("saved_time_spent", saved.TotalTimeSpent).
		Msg("Resuming attempt")

	return model.StartResponse{
		AttemptID:                attemptID,
		Resumed:                  true,
		SavedTimeSpent:           saved.TotalTimeSpent,
		SavedAnswers:             saved.Answers,
		SavedSectionTimes:        saved.SectionTimes,
		SavedCurrentSectionIndex: saved.CurrentSectionIndex,
	}, nil
}

// SaveProgress overwrites the live snapshot and queues it for PostgreSQL.
// Saving the same payload twice leaves the same state.
func (s *RedisStore) SaveProgress(ctx context.Context, p model.ProgressPayload) error {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	queued, err := json.Marshal(model.QueuedProgress{ParticipantID: s.participantID, ProgressPayload: p})
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AttemptProgressKey(p.AttemptID), snapshot, AttemptTTL)
	pipe.Expire(ctx, config.CacheKey.ActiveAttemptKey(s.participantID, p.AssessmentID.String(), p.AssignmentID), AttemptTTL)
	pipe.RPush(ctx, config.WorkerKey.PersistProgressQueue, queued)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// Beacon saves in the background with its own deadline. The caller never
// learns the outcome.
func (s *RedisStore) Beacon(p model.ProgressPayload) {
	s.beacons.Add(1)
	go func() {
		defer s.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := s.SaveProgress(ctx, p); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", p.AttemptID).Msg("Unload save failed")
		}
	}()
}

// WaitBeacons blocks until every dispatched beacon has finished or ctx is
// done.
func (s *RedisStore) WaitBeacons(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit records the final payload once per attempt. A repeated submit of an
// already submitted attempt returns the original result.
func (s *RedisStore) Submit(ctx context.Context, p model.SubmitPayload) (model.SubmitResult, error) {
	resultKey := config.CacheKey.AttemptResultKey(p.AttemptID)

	resultID := uuid.NewString()
	claimed, err := s.rdb.SetNX(ctx, resultKey, resultID, AttemptTTL).Result()
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("claim result: %w", err)
	}
	if !claimed {
		existing, err := s.rdb.Get(ctx, resultKey).Result()
		if err != nil {
			return model.SubmitResult{}, fmt.Errorf("read result: %w", err)
		}
		s.log.Info().Str("attempt_id", p.AttemptID).Msg("Duplicate submit, returning recorded result")
		return model.SubmitResult{ResultID: existing}, nil
	}

	queued, err := json.Marshal(model.QueuedSubmission{
		ResultID:      resultID,
		ParticipantID: s.participantID,
		SubmitPayload: p,
	})
	if err != nil {
		s.rdb.Del(ctx, resultKey)
		return model.SubmitResult{}, fmt.Errorf("encode submission: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, queued)
	pipe.Del(ctx, config.CacheKey.ActiveAttemptKey(s.participantID, p.AssessmentID.String(), p.AssignmentID))
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the claim so the engine can retry.
		s.rdb.Del(context.WithoutCancel(ctx), resultKey)
		return model.SubmitResult{}, fmt.Errorf("queue submission: %w", err)
	}

	s.log.Info().
		Str("attempt_id", p.AttemptID).
		Str("result_id", resultID).
		Str("reason", string(p.Reason)).
		Msg("Submission queued")

	return model.SubmitResult{ResultID: resultID}, nil
}
