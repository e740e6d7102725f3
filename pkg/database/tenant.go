package database

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantScope wraps a connection with tenant context and ensures cleanup.
// The connection has app.current_tenant_id set for RLS policy evaluation.
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID int
}

// Close resets tenant context and releases connection to pool.
// This MUST be called to prevent tenant context from leaking to the next
// unit of work.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	// Reset the tenant context before returning connection to pool
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_tenant_id")
	s.Conn.Release()
}

// WithTenant acquires a connection and sets the tenant context for RLS.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, tenantID int) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_tenant_id', $1, false)", strconv.Itoa(tenantID))
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &TenantScope{Conn: conn, TenantID: tenantID}, nil
}

// WithoutTenant acquires a connection without tenant context.
// Use this for administrative operations that need full access.
// The returned TenantScope MUST be closed with defer scope.Close().
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TenantScope{Conn: conn}, nil
}
