package repo

import (
	"context"
	"database/sql"
	"sort"

	"taskline/internal/config"
	"taskline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) ClearRolePermissions(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?)`, projectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID)
	return err
}

// SeedRBAC replaces role/permission definitions from config. Role assignments
// are left untouched.
func (r Repo) SeedRBAC(ctx context.Context, tx *sql.Tx, roles map[string]config.RBACRole) error {
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		role := roles[name]
		if err := r.InsertRole(ctx, tx, name, role.Description); err != nil {
			return err
		}
		if err := r.ClearRolePermissions(ctx, tx, name); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, tx, name, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActorProfileTx resolves roles and effective permissions for an actor on a project.
func (r Repo) ActorProfileTx(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.ActorProfile, error) {
	profile := domain.ActorProfile{ProjectID: projectID, ActorID: actorID}
	roles, err := r.actorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return profile, err
	}
	profile.Roles = roles
	seen := map[string]bool{}
	for _, role := range roles {
		perms, err := r.rolePermissions(ctx, tx, role)
		if err != nil {
			return profile, err
		}
		for _, p := range perms {
			if !seen[p] {
				seen[p] = true
				profile.Permissions = append(profile.Permissions, p)
			}
		}
	}
	sort.Strings(profile.Permissions)
	return profile, nil
}

func (r Repo) actorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=?`, projectID, actorID)
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

func (r Repo) rolePermissions(ctx context.Context, tx *sql.Tx, roleID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id=?`, roleID)
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
