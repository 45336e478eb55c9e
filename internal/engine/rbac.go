package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/engine/auth"
	"taskline/internal/events"
	"taskline/internal/repo"
)

// ActorHasPermission reports whether the actor holds a permission in the project.
func (e Engine) ActorHasPermission(ctx context.Context, projectID, actorID, perm string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return e.Auth.ActorHasPermission(ctx, tx, projectID, actorID, perm)
}

// WhoAmI resolves the actor's roles and permissions in a project.
func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (domain.ActorProfile, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.ActorProfile{}, err
	}
	defer tx.Rollback()
	return e.Repo.ActorProfileTx(ctx, tx, projectID, actorID)
}

// GrantRole assigns roleID to actorID. The grantor needs rbac.manage.
func (e Engine) GrantRole(ctx context.Context, projectID, grantorID, actorID, roleID string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(roleID) == "" {
		return errors.New("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, grantorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.granted", projectID, "", grantorID, events.EventPayload{"actor_id": actorID, "role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes roleID from actorID. The grantor needs rbac.manage.
func (e Engine) RevokeRole(ctx context.Context, projectID, grantorID, actorID, roleID string) error {
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(roleID) == "" {
		return errors.New("actor_id and role_id are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, grantorID, "rbac.manage")
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "rbac.manage"}
	}
	if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.revoked", projectID, "", grantorID, events.EventPayload{"actor_id": actorID, "role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportConfig replaces the project's stored config and reseeds role
// permissions from it.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.Repo.SeedRBAC(ctx, tx, cfg.RBAC.Roles); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.config.imported", projectID, "", actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a new key for the actor. The plaintext secret is returned
// once and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "tk_" + hex.EncodeToString(raw)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: now,
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// DeleteAPIKey removes a key owned by the actor.
func (e Engine) DeleteAPIKey(ctx context.Context, actorID, keyID string) error {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return e.Repo.DeleteAPIKey(ctx, keyID)
		}
	}
	return repo.ErrNotFound
}
