package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stemsi/exstem-engine/internal/model"
)

// ErrAssessmentNotFound is returned when no definition exists for an id.
var ErrAssessmentNotFound = errors.New("assessment not found")

// Querier is the subset of *pgxpool.Pool the repository needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AssessmentRepository handles assessment definition data access.
// The question list, sections and cheat rules live in one JSONB column.
type AssessmentRepository struct {
	pool Querier
}

// NewAssessmentRepository creates a new AssessmentRepository.
func NewAssessmentRepository(pool Querier) *AssessmentRepository {
	return &AssessmentRepository{pool: pool}
}

// definition is the JSONB document stored alongside the scalar columns.
type definition struct {
	Questions  []model.Question `json:"questions"`
	Sections   []model.Section  `json:"sections,omitempty"`
	CheatRules model.CheatRules `json:"cheat_rules"`
}

const selectAssessment = `SELECT id, title, duration_minutes, definition, status, created_at, updated_at FROM assessments`

func scanAssessment(row pgx.Row) (*model.Assessment, error) {
	a := &model.Assessment{}
	var raw []byte
	if err := row.Scan(&a.ID, &a.Title, &a.DurationMinutes, &raw, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var def definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", a.ID, err)
	}
	a.Questions = def.Questions
	a.Sections = def.Sections
	a.CheatRules = def.CheatRules
	return a, nil
}

// GetByID retrieves an assessment by its UUID.
func (r *AssessmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Assessment, error) {
	a, err := scanAssessment(r.pool.QueryRow(ctx, selectAssessment+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssessmentNotFound
	}
	return a, err
}

// ListPublished returns all assessments with PUBLISHED status.
// Used for cache prewarming on application startup.
func (r *AssessmentRepository) ListPublished(ctx context.Context) ([]model.Assessment, error) {
	rows, err := r.pool.Query(ctx, selectAssessment+` WHERE status = $1 ORDER BY created_at DESC`,
		model.AssessmentStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces a definition, keyed by id.
func (r *AssessmentRepository) Upsert(ctx context.Context, a *model.Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.AssessmentStatusDraft
	}
	raw, err := json.Marshal(definition{Questions: a.Questions, Sections: a.Sections, CheatRules: a.CheatRules})
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}

	return r.pool.QueryRow(ctx,
		`INSERT INTO assessments (id, title, duration_minutes, definition, status)
		 VALUES ($1, $2, $3, $4::jsonb, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title,
		     duration_minutes = EXCLUDED.duration_minutes,
		     definition = EXCLUDED.definition,
		     status = EXCLUDED.status,
		     updated_at = NOW()
		 RETURNING created_at, updated_at`,
		a.ID, a.Title, a.DurationMinutes, raw, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

// UpdateStatus updates an assessment's status.
func (r *AssessmentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.AssessmentStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE assessments SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAssessmentNotFound
	}
	return nil
}
