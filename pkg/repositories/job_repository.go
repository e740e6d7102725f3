package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// JobRepository defines the interface for ETL job state persistence. The job
// controller serializes writes per job; this layer only persists documents.
type JobRepository interface {
	// Create inserts a new job. Returns apperrors.ErrConflict when a job
	// with the same id already exists.
	Create(ctx context.Context, job *models.ETLJob) error

	// Get retrieves a job by id.
	Get(ctx context.Context, jobID uuid.UUID) (*models.ETLJob, error)

	// GetByName retrieves the most recent job with the given name.
	GetByName(ctx context.Context, jobName string) (*models.ETLJob, error)

	// Update persists the full mutable state of the job: overall status,
	// step statuses, watermark and reset bookkeeping.
	Update(ctx context.Context, job *models.ETLJob) error

	// List retrieves all jobs of the tenant, newest first.
	List(ctx context.Context) ([]*models.ETLJob, error)
}

type jobRepository struct{}

// NewJobRepository creates a new job repository.
func NewJobRepository() JobRepository {
	return &jobRepository{}
}

var _ JobRepository = (*jobRepository)(nil)

func (r *jobRepository) Create(ctx context.Context, job *models.ETLJob) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode job steps: %w", err)
	}

	now := time.Now()
	job.TenantID = scope.TenantID
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO etl_jobs (tenant_id, id, job_name, integration_id, overall, steps,
			last_sync_date, reset_deadline, reset_attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		scope.TenantID, job.ID, job.JobName, job.IntegrationID, job.Overall, steps,
		job.LastSyncDate, job.ResetDeadline, job.ResetAttempt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, jobID uuid.UUID) (*models.ETLJob, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	row := scope.Conn.QueryRow(ctx, jobSelect+` WHERE tenant_id = $1 AND id = $2`, scope.TenantID, jobID)
	return scanJob(row)
}

func (r *jobRepository) GetByName(ctx context.Context, jobName string) (*models.ETLJob, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	row := scope.Conn.QueryRow(ctx,
		jobSelect+` WHERE tenant_id = $1 AND job_name = $2 ORDER BY created_at DESC LIMIT 1`,
		scope.TenantID, jobName)
	return scanJob(row)
}

func (r *jobRepository) Update(ctx context.Context, job *models.ETLJob) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode job steps: %w", err)
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE etl_jobs
		SET overall = $3, steps = $4, last_sync_date = $5,
			reset_deadline = $6, reset_attempt = $7, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID, job.ID, job.Overall, steps,
		job.LastSyncDate, job.ResetDeadline, job.ResetAttempt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *jobRepository) List(ctx context.Context) ([]*models.ETLJob, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	rows, err := scope.Conn.Query(ctx, jobSelect+` WHERE tenant_id = $1 ORDER BY created_at DESC`, scope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ETLJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const jobSelect = `
	SELECT tenant_id, id, job_name, integration_id, overall, steps,
		last_sync_date, reset_deadline, reset_attempt, created_at, updated_at
	FROM etl_jobs`

func scanJob(row pgx.Row) (*models.ETLJob, error) {
	var job models.ETLJob
	var steps []byte
	err := row.Scan(
		&job.TenantID,
		&job.ID,
		&job.JobName,
		&job.IntegrationID,
		&job.Overall,
		&steps,
		&job.LastSyncDate,
		&job.ResetDeadline,
		&job.ResetAttempt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := json.Unmarshal(steps, &job.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode job steps: %w", err)
	}
	return &job, nil
}
