package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/runbox/internal/storage"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// ExecutionRepository implements the execution queries for both backends.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts an execution and its test cases in one transaction.
func (r *ExecutionRepository) Create(ctx context.Context, exec *storage.Execution) error {
	model := toExecutionModel(exec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("creating execution %s: %w", exec.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// SetStatus updates only the lifecycle status.
func (r *ExecutionRepository) SetStatus(ctx context.Context, id uuid.UUID, status storage.Status) error {
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("id = ?", id).
		Update("status", string(status))
	if result.Error != nil {
		return fmt.Errorf("updating execution status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Finish writes the outcome columns and replaces the test cases.
func (r *ExecutionRepository) Finish(ctx context.Context, exec *storage.Execution) error {
	model := toExecutionModel(exec)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ExecutionModel{}).
			Where("id = ?", exec.ID).
			Updates(map[string]any{
				"status":      model.Status,
				"job_id":      model.JobID,
				"language":    model.Language,
				"framework":   model.Framework,
				"image":       model.Image,
				"success":     model.Success,
				"exit_code":   model.ExitCode,
				"stdout":      model.Stdout,
				"stderr":      model.Stderr,
				"error":       model.Error,
				"duration_ms": model.DurationMs,
				"finished_at": model.FinishedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("finishing execution: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return storage.ErrNotFound
		}

		if err := tx.Where("execution_id = ?", exec.ID).Delete(&TestCaseModel{}).Error; err != nil {
			return fmt.Errorf("clearing test cases: %w", err)
		}
		if len(model.TestCases) > 0 {
			if err := tx.Create(&model.TestCases).Error; err != nil {
				return fmt.Errorf("storing test cases: %w", err)
			}
		}
		return nil
	})
}

// Get returns an execution with its test cases in run order.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Execution, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).
		Preload("TestCases", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution: %w", err)
	}
	return toExecutionDomain(&model), nil
}

// List returns recent executions, newest first, without test cases.
// Limit defaults to storage.DefaultListLimit.
func (r *ExecutionRepository) List(ctx context.Context, clientID string, limit int) ([]*storage.Execution, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	q := r.db.WithContext(ctx)
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	var models []ExecutionModel
	if err := q.Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	out := make([]*storage.Execution, len(models))
	for i := range models {
		out[i] = toExecutionDomain(&models[i])
	}
	return out, nil
}

// Prune deletes executions created before the cutoff along with their test
// cases.
func (r *ExecutionRepository) Prune(ctx context.Context, before time.Time) (int, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&ExecutionModel{}).Select("id").Where("created_at < ?", before.UTC())
		if err := tx.Where("execution_id IN (?)", stale).Delete(&TestCaseModel{}).Error; err != nil {
			return fmt.Errorf("pruning test cases: %w", err)
		}
		result := tx.Where("created_at < ?", before.UTC()).Delete(&ExecutionModel{})
		if result.Error != nil {
			return fmt.Errorf("pruning executions: %w", result.Error)
		}
		removed = result.RowsAffected
		return nil
	})
	return int(removed), err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	// SQLite drivers that do not translate constraint errors.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
