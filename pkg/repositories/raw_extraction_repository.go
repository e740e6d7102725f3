package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// RawExtractionRepository defines the interface for the raw landing zone.
// Records are upserted on (integration, payload_type, provider_ref) so a
// redelivered extraction overwrites its previous payload instead of piling
// up duplicates.
type RawExtractionRepository interface {
	// Upsert stores a raw payload and returns the record id. On conflict the
	// payload is replaced and the status reset to pending.
	Upsert(ctx context.Context, rec *models.RawExtractionRecord) (uuid.UUID, error)

	// Get retrieves one raw record.
	Get(ctx context.Context, id uuid.UUID) (*models.RawExtractionRecord, error)

	// MarkCompleted flips the record to completed. Done inside the transform
	// transaction via MarkCompletedTx in practice; this form serves tooling.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkCompletedTx flips the record to completed inside a caller-owned
	// transaction, so raw status and normalized rows commit atomically.
	MarkCompletedTx(ctx context.Context, tx pgx.Tx, tenantID int, id uuid.UUID) error

	// MarkFailed flips the record to failed.
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type rawExtractionRepository struct{}

// NewRawExtractionRepository creates a new raw extraction repository.
func NewRawExtractionRepository() RawExtractionRepository {
	return &rawExtractionRepository{}
}

var _ RawExtractionRepository = (*rawExtractionRepository)(nil)

func (r *rawExtractionRepository) Upsert(ctx context.Context, rec *models.RawExtractionRecord) (uuid.UUID, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return uuid.Nil, apperrors.ErrNoTenantScope
	}

	query := `
		INSERT INTO raw_extraction_data (tenant_id, id, integration_id, payload_type, provider_ref, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tenant_id, integration_id, payload_type, provider_ref)
		DO UPDATE SET payload = EXCLUDED.payload, status = EXCLUDED.status, created_at = NOW()
		RETURNING id`

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = models.RawPending
	}

	var id uuid.UUID
	err := scope.Conn.QueryRow(ctx, query,
		scope.TenantID, rec.ID, rec.IntegrationID, rec.PayloadType, rec.ProviderRef, rec.Payload, rec.Status,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert raw extraction record: %w", err)
	}
	rec.ID = id
	rec.TenantID = scope.TenantID
	return id, nil
}

func (r *rawExtractionRepository) Get(ctx context.Context, id uuid.UUID) (*models.RawExtractionRecord, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, integration_id, payload_type, provider_ref, payload, status, created_at
		FROM raw_extraction_data
		WHERE tenant_id = $1 AND id = $2`

	var rec models.RawExtractionRecord
	err := scope.Conn.QueryRow(ctx, query, scope.TenantID, id).Scan(
		&rec.TenantID,
		&rec.ID,
		&rec.IntegrationID,
		&rec.PayloadType,
		&rec.ProviderRef,
		&rec.Payload,
		&rec.Status,
		&rec.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get raw extraction record: %w", err)
	}
	return &rec, nil
}

func (r *rawExtractionRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, models.RawCompleted)
}

func (r *rawExtractionRepository) MarkCompletedTx(ctx context.Context, tx pgx.Tx, tenantID int, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE raw_extraction_data SET status = $3
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, models.RawCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark raw record completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *rawExtractionRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, models.RawFailed)
}

func (r *rawExtractionRepository) setStatus(ctx context.Context, id uuid.UUID, status models.RawStatus) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE raw_extraction_data SET status = $3
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID, id, status)
	if err != nil {
		return fmt.Errorf("failed to update raw record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
