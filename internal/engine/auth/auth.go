package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// ForbiddenError indicates the actor lacks a required permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides site-scoped RBAC lookups backed by SQL. Roles and their
// permissions are seeded from site config; actors get roles per site.
type Service struct {
	DB *sql.DB
}

func (s Service) ActorHasPermission(ctx context.Context, siteID, actorID, perm string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.site_id=ar.site_id AND rp.role_id=ar.role_id
WHERE ar.site_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		siteID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require is ActorHasPermission with a ForbiddenError on denial.
func (s Service) Require(ctx context.Context, siteID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, siteID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, siteID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE site_id=? AND actor_id=? ORDER BY role_id`, siteID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, siteID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.site_id=ar.site_id AND rp.role_id=ar.role_id
WHERE ar.site_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, siteID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
