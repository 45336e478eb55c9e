package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Capabilities are the actor-side inputs to task action eligibility.
// Clocking means the actor may operate the task clock: either task.clock
// permission or being the task assignee.
type Capabilities struct {
	ActorID   string
	CanCreate bool
	CanWrite  bool
	CanClock  bool
}

// ClockingFor reports whether the actor may clock the given assignee's task.
func (c Capabilities) ClockingFor(assignee *string) bool {
	if c.CanClock {
		return true
	}
	return assignee != nil && *assignee == c.ActorID
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ActorCapabilities resolves the task-action capability set for an actor.
func (s Service) ActorCapabilities(ctx context.Context, tx *sql.Tx, projectID, actorID string) (Capabilities, error) {
	caps := Capabilities{ActorID: actorID}
	perms, err := s.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return caps, err
	}
	for _, p := range perms {
		switch p {
		case "task.create":
			caps.CanCreate = true
		case "task.write":
			caps.CanWrite = true
		case "task.clock":
			caps.CanClock = true
		}
	}
	// task.write implies operating the clock, matching assignee-or-editor rules.
	if caps.CanWrite {
		caps.CanClock = true
	}
	return caps, nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=?`, projectID, actorID)
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

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?`, projectID, actorID)
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
