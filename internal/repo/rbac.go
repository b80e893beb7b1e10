package repo

import (
	"context"
	"database/sql"

	"fieldcheck/internal/config"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, siteID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(site_id, actor_id, role_id) VALUES (?,?,?)`, siteID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, siteID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE site_id=? AND actor_id=? AND role_id=?`, siteID, actorID, roleID)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, siteID, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(site_id, role_id, permission_id) VALUES (?,?,?)`, siteID, roleID, permID)
	return err
}

// SeedRolesFromConfig replaces the site's role/permission tables with the
// RBAC section of the config.
func (r Repo) SeedRolesFromConfig(ctx context.Context, tx *sql.Tx, siteID string, cfg *config.Config) error {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE site_id=?`, siteID); err != nil {
		return err
	}
	for roleID, role := range cfg.RBAC.Roles {
		for _, perm := range role.Permissions {
			if err := r.AddRolePermission(ctx, tx, siteID, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) ActorRoles(ctx context.Context, siteID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE site_id=? AND actor_id=?`, siteID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
