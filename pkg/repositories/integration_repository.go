package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// IntegrationRepository defines the interface for integration data access.
// Credentials inside settings stay encrypted here; decryption happens in the
// extraction workers.
type IntegrationRepository interface {
	// GetByID retrieves one integration.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)

	// ListActive retrieves all active integrations of the tenant.
	ListActive(ctx context.Context) ([]*models.Integration, error)

	// UpdateLastSyncDate persists the integration watermark.
	UpdateLastSyncDate(ctx context.Context, id uuid.UUID, lastSyncDate time.Time) error

	// GetCustomFieldMapping retrieves the tenant's slot-to-field mapping for
	// an integration. Returns an empty mapping when none is configured yet.
	GetCustomFieldMapping(ctx context.Context, integrationID uuid.UUID) (*models.CustomFieldMapping, error)

	// UpsertCustomFieldSlot records the provider field id behind one slot.
	UpsertCustomFieldSlot(ctx context.Context, integrationID uuid.UUID, slot, fieldID string) error
}

type integrationRepository struct{}

// NewIntegrationRepository creates a new integration repository.
func NewIntegrationRepository() IntegrationRepository {
	return &integrationRepository{}
}

var _ IntegrationRepository = (*integrationRepository)(nil)

func (r *integrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, provider, settings, last_sync_date, active, created_at, updated_at
		FROM integrations
		WHERE tenant_id = $1 AND id = $2`

	integration, err := scanIntegration(scope.Conn.QueryRow(ctx, query, scope.TenantID, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return integration, nil
}

func (r *integrationRepository) ListActive(ctx context.Context) ([]*models.Integration, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, provider, settings, last_sync_date, active, created_at, updated_at
		FROM integrations
		WHERE tenant_id = $1 AND active
		ORDER BY created_at`

	rows, err := scope.Conn.Query(ctx, query, scope.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []*models.Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		integrations = append(integrations, integration)
	}
	return integrations, rows.Err()
}

func (r *integrationRepository) UpdateLastSyncDate(ctx context.Context, id uuid.UUID, lastSyncDate time.Time) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE integrations
		SET last_sync_date = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		scope.TenantID, id, lastSyncDate)
	if err != nil {
		return fmt.Errorf("failed to update last sync date: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *integrationRepository) GetCustomFieldMapping(ctx context.Context, integrationID uuid.UUID) (*models.CustomFieldMapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT slot, field_id
		FROM custom_fields_mapping
		WHERE tenant_id = $1 AND integration_id = $2`

	rows, err := scope.Conn.Query(ctx, query, scope.TenantID, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get custom field mapping: %w", err)
	}
	defer rows.Close()

	mapping := &models.CustomFieldMapping{Slots: make(map[string]*string)}
	for rows.Next() {
		var slot, fieldID string
		if err := rows.Scan(&slot, &fieldID); err != nil {
			return nil, fmt.Errorf("failed to scan custom field slot: %w", err)
		}
		f := fieldID
		mapping.Slots[slot] = &f
	}
	return mapping, rows.Err()
}

func (r *integrationRepository) UpsertCustomFieldSlot(ctx context.Context, integrationID uuid.UUID, slot, fieldID string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO custom_fields_mapping (tenant_id, integration_id, slot, field_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, integration_id, slot)
		DO UPDATE SET field_id = EXCLUDED.field_id, updated_at = NOW()`,
		scope.TenantID, integrationID, slot, fieldID)
	if err != nil {
		return fmt.Errorf("failed to upsert custom field slot: %w", err)
	}
	return nil
}

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var integration models.Integration
	var settings []byte
	err := row.Scan(
		&integration.TenantID,
		&integration.ID,
		&integration.Provider,
		&settings,
		&integration.LastSyncDate,
		&integration.Active,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &integration.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode integration settings: %w", err)
		}
	}
	return &integration, nil
}
