package repositories

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// MappingRepository defines the interface for the tenant-configured mapping
// tables. The core never creates mappings; it resolves provider names against
// them (case-insensitively) and re-activates rows it touches.
type MappingRepository interface {
	// ResolveWITMapping finds the mapping row for a provider WIT name.
	// Returns apperrors.ErrNotFound when the tenant has not mapped the name.
	ResolveWITMapping(ctx context.Context, integrationID uuid.UUID, name string) (*models.WITMapping, error)

	// ResolveStatusMapping finds the mapping row for a provider status name.
	ResolveStatusMapping(ctx context.Context, integrationID uuid.UUID, name string) (*models.StatusMapping, error)

	// GetWorkflow retrieves one workflow definition.
	GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDef, error)

	// ListHierarchies retrieves the hierarchy levels of an integration.
	ListHierarchies(ctx context.Context, integrationID uuid.UUID) ([]*models.WITHierarchy, error)

	// SetWITMappingActive flips the active flag of a mapping row and of its
	// vector bridge row in one transaction.
	SetWITMappingActive(ctx context.Context, id int64, active bool) error

	// SetStatusMappingActive flips the active flag, bridge row included.
	SetStatusMappingActive(ctx context.Context, id int64, active bool) error
}

type mappingRepository struct{}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository() MappingRepository {
	return &mappingRepository{}
}

var _ MappingRepository = (*mappingRepository)(nil)

func (r *mappingRepository) ResolveWITMapping(ctx context.Context, integrationID uuid.UUID, name string) (*models.WITMapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, integration_id, name, wits_hierarchy_id, active, last_updated_at
		FROM wits_mappings
		WHERE tenant_id = $1 AND integration_id = $2 AND LOWER(name) = LOWER($3)
		LIMIT 1`

	var m models.WITMapping
	err := scope.Conn.QueryRow(ctx, query, scope.TenantID, integrationID, name).Scan(
		&m.TenantID, &m.ID, &m.IntegrationID, &m.Name, &m.WITHierarchyID, &m.Active, &m.LastUpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve wit mapping: %w", err)
	}
	return &m, nil
}

func (r *mappingRepository) ResolveStatusMapping(ctx context.Context, integrationID uuid.UUID, name string) (*models.StatusMapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, integration_id, name, canonical, workflow_id, active, last_updated_at
		FROM status_mappings
		WHERE tenant_id = $1 AND integration_id = $2 AND LOWER(name) = LOWER($3)
		LIMIT 1`

	var m models.StatusMapping
	err := scope.Conn.QueryRow(ctx, query, scope.TenantID, integrationID, name).Scan(
		&m.TenantID, &m.ID, &m.IntegrationID, &m.Name, &m.Canonical, &m.WorkflowID, &m.Active, &m.LastUpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve status mapping: %w", err)
	}
	return &m, nil
}

func (r *mappingRepository) GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDef, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, integration_id, name, active, last_updated_at
		FROM workflows
		WHERE tenant_id = $1 AND id = $2`

	var w models.WorkflowDef
	err := scope.Conn.QueryRow(ctx, query, scope.TenantID, id).Scan(
		&w.TenantID, &w.ID, &w.IntegrationID, &w.Name, &w.Active, &w.LastUpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &w, nil
}

func (r *mappingRepository) ListHierarchies(ctx context.Context, integrationID uuid.UUID) ([]*models.WITHierarchy, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	query := `
		SELECT tenant_id, id, integration_id, name, level, active, last_updated_at
		FROM wits_hierarchies
		WHERE tenant_id = $1 AND integration_id = $2
		ORDER BY level`

	rows, err := scope.Conn.Query(ctx, query, scope.TenantID, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchies: %w", err)
	}
	defer rows.Close()

	var hierarchies []*models.WITHierarchy
	for rows.Next() {
		var h models.WITHierarchy
		if err := rows.Scan(&h.TenantID, &h.ID, &h.IntegrationID, &h.Name, &h.Level, &h.Active, &h.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy: %w", err)
		}
		hierarchies = append(hierarchies, &h)
	}
	return hierarchies, rows.Err()
}

func (r *mappingRepository) SetWITMappingActive(ctx context.Context, id int64, active bool) error {
	return r.setActive(ctx, "wits_mappings", id, active)
}

func (r *mappingRepository) SetStatusMappingActive(ctx context.Context, id int64, active bool) error {
	return r.setActive(ctx, "status_mappings", id, active)
}

func (r *mappingRepository) setActive(ctx context.Context, table string, id int64, active bool) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin active-flag update: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	query := fmt.Sprintf(`UPDATE %s SET active = $3, last_updated_at = NOW() WHERE tenant_id = $1 AND id = $2`, table)
	tag, err := tx.Exec(ctx, query, scope.TenantID, id, active)
	if err != nil {
		return fmt.Errorf("failed to update %s active flag: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	// The bridge row mirrors the mapping row's flag; flipping both inside
	// one transaction keeps them from ever diverging. A row that was never
	// vectorized has no bridge row and the update touches nothing.
	if _, err := tx.Exec(ctx, `
		UPDATE qdrant_vectors SET active = $4, last_updated_at = NOW()
		WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3`,
		scope.TenantID, table, strconv.FormatInt(id, 10), active); err != nil {
		return fmt.Errorf("failed to mirror %s active flag onto bridge: %w", table, err)
	}
	return tx.Commit(ctx)
}
