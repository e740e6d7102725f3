package repositories

import (
	"context"
	"fmt"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// VectorBridgeRepository defines the interface for the relational-to-vector
// bridge. Every upserted point gets exactly one bridge row; the bridge is how
// activation changes reach the vector index and how stale points are found.
type VectorBridgeRepository interface {
	// Upsert stores or refreshes the bridge row for a point.
	Upsert(ctx context.Context, bridge *models.VectorBridge) error

	// SetActive flips the active flag of one bridge row.
	SetActive(ctx context.Context, tableName, recordID, vectorType string, active bool) error

	// ListForRecord retrieves all bridge rows of one normalized record, one
	// per vector type.
	ListForRecord(ctx context.Context, tableName, recordID string) ([]*models.VectorBridge, error)

	// CountForTable reports how many active bridge rows a table has; serves
	// the ops surface.
	CountForTable(ctx context.Context, tableName string) (int, error)
}

type vectorBridgeRepository struct{}

// NewVectorBridgeRepository creates a new vector bridge repository.
func NewVectorBridgeRepository() VectorBridgeRepository {
	return &vectorBridgeRepository{}
}

var _ VectorBridgeRepository = (*vectorBridgeRepository)(nil)

func (r *vectorBridgeRepository) Upsert(ctx context.Context, bridge *models.VectorBridge) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	_, err := scope.Conn.Exec(ctx, `
		INSERT INTO qdrant_vectors (tenant_id, integration_id, table_name, record_id, vector_type,
			collection_name, point_id, active, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tenant_id, table_name, record_id, vector_type)
		DO UPDATE SET integration_id = EXCLUDED.integration_id, collection_name = EXCLUDED.collection_name,
			point_id = EXCLUDED.point_id, active = EXCLUDED.active, last_updated_at = NOW()`,
		scope.TenantID, bridge.IntegrationID, bridge.TableName, bridge.RecordID, bridge.VectorType,
		bridge.CollectionName, bridge.PointID, bridge.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert vector bridge row: %w", err)
	}
	bridge.TenantID = scope.TenantID
	return nil
}

func (r *vectorBridgeRepository) SetActive(ctx context.Context, tableName, recordID, vectorType string, active bool) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return apperrors.ErrNoTenantScope
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE qdrant_vectors SET active = $5, last_updated_at = NOW()
		WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3 AND vector_type = $4`,
		scope.TenantID, tableName, recordID, vectorType, active)
	if err != nil {
		return fmt.Errorf("failed to update vector bridge active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *vectorBridgeRepository) ListForRecord(ctx context.Context, tableName, recordID string) ([]*models.VectorBridge, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}

	rows, err := scope.Conn.Query(ctx, `
		SELECT tenant_id, integration_id, table_name, record_id, vector_type, collection_name, point_id, active, last_updated_at
		FROM qdrant_vectors
		WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3`,
		scope.TenantID, tableName, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vector bridge rows: %w", err)
	}
	defer rows.Close()

	var bridges []*models.VectorBridge
	for rows.Next() {
		var b models.VectorBridge
		if err := rows.Scan(&b.TenantID, &b.IntegrationID, &b.TableName, &b.RecordID, &b.VectorType,
			&b.CollectionName, &b.PointID, &b.Active, &b.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vector bridge row: %w", err)
		}
		bridges = append(bridges, &b)
	}
	return bridges, rows.Err()
}

func (r *vectorBridgeRepository) CountForTable(ctx context.Context, tableName string) (int, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, apperrors.ErrNoTenantScope
	}

	var count int
	err := scope.Conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM qdrant_vectors
		WHERE tenant_id = $1 AND table_name = $2 AND active`,
		scope.TenantID, tableName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count vector bridge rows: %w", err)
	}
	return count, nil
}
