package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// Domain Errors
var (
	ErrAssessmentNotPublished = errors.New("assessment status is not PUBLISHED")
	ErrInvalidDefinition      = errors.New("assessment definition is invalid")
)

// DefinitionError carries the per-field validation messages of a rejected definition.
type DefinitionError struct {
	Fields map[string]string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s: %d field(s)", ErrInvalidDefinition, len(e.Fields))
}

func (e *DefinitionError) Unwrap() error { return ErrInvalidDefinition }

// AssessmentSource is the durable side of assessment definitions.
type AssessmentSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error)
	ListPublished(ctx context.Context) ([]model.Assessment, error)
	Upsert(ctx context.Context, a *model.Assessment) error
}

// AssessmentService serves read-only assessment definitions from Redis,
// falling back to PostgreSQL and re-populating the cache on a miss.
type AssessmentService struct {
	repo AssessmentSource
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(repo AssessmentSource, rdb *redis.Client, log zerolog.Logger) *AssessmentService {
	return &AssessmentService{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "assessment_service").Logger(),
	}
}

func validate(a *model.Assessment) error {
	if fields := validator.Struct(a); fields != nil {
		return &DefinitionError{Fields: fields}
	}
	return nil
}

// Get returns a published definition, preferring the cache.
func (s *AssessmentService) Get(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	key := config.CacheKey.AssessmentPayloadKey(id.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var a model.Assessment
		if err := json.Unmarshal(data, &a); err == nil {
			return &a, nil
		}
		s.log.Warn().Str("assessment_id", id.String()).Msg("Corrupt cached definition, reloading")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("assessment_id", id.String()).Msg("Cache read failed, falling back to database")
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAssessmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load assessment: %w", err)
	}
	if a.Status != model.AssessmentStatusPublished {
		return nil, ErrAssessmentNotPublished
	}

	// Self-heal: the next reader hits the cache.
	if err := s.Warm(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("assessment_id", id.String()).Msg("Failed to re-populate cache")
	}
	return a, nil
}

// Warm validates a definition and writes it to the cache.
func (s *AssessmentService) Warm(ctx context.Context, a *model.Assessment) error {
	if err := validate(a); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.AssessmentPayloadKey(a.ID.String()), payload, 0).Err(); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("assessment_id", a.ID.String()).
		Int("questions", len(a.Questions)).
		Int("sections", len(a.Sections)).
		Msg("Cache warmed")
	return nil
}

// Save validates and stores a definition. Published definitions are
// cached immediately, anything else is evicted.
func (s *AssessmentService) Save(ctx context.Context, a *model.Assessment) error {
	if err := validate(a); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, a); err != nil {
		return fmt.Errorf("upsert assessment: %w", err)
	}
	if a.Status == model.AssessmentStatusPublished {
		return s.Warm(ctx, a)
	}
	return s.rdb.Del(ctx, config.CacheKey.AssessmentPayloadKey(a.ID.String())).Err()
}

// PrewarmAllCaches loads all published assessments into Redis on application startup.
func (s *AssessmentService) PrewarmAllCaches(ctx context.Context) error {
	list, err := s.repo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published assessments: %w", err)
	}

	if len(list) == 0 {
		s.log.Info().Msg("No published assessments to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(list)).Msg("Prewarming published assessments...")

	warmed := 0
	for i := range list {
		if err := s.Warm(ctx, &list[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("assessment_id", list[i].ID.String()).
				Msg("Failed to warm assessment, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(list)).
		Msg("Prewarming complete")
	return nil
}
