// Package vectorstore wraps the Qdrant client behind the naming and identity
// rules of the vector index: per-tenant-per-table collections and
// deterministic point ids derived from the record identity.
package vectorstore

import (
	"fmt"

	"github.com/google/uuid"
)

// CollectionName returns the collection holding vectors of one table for one
// tenant. Tenant isolation in the index is by collection, not by filter.
func CollectionName(tenantID int, table string) string {
	return fmt.Sprintf("tenant_%d_%s", tenantID, table)
}

// PointID derives the deterministic UUIDv5 point id for a record. The same
// (tenant, table, record) always maps to the same point, so re-embedding
// overwrites in place and never duplicates.
func PointID(tenantID int, table, recordID string) uuid.UUID {
	name := fmt.Sprintf("%d_%s_%s", tenantID, table, recordID)
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name))
}
