package engine

import (
	"context"
	"errors"
	"time"

	"fieldcheck/internal/events"
)

// WhoAmIResult is the resolved RBAC view of one actor within a site.
type WhoAmIResult struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

func (e Engine) WhoAmI(ctx context.Context, siteID, actorID string) (WhoAmIResult, error) {
	roles, err := e.Auth.ActorRoles(ctx, siteID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, siteID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	return WhoAmIResult{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

func (e Engine) GrantRole(ctx context.Context, siteID, byActorID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor_id and role_id are required")
	}
	if err := e.Auth.Require(ctx, siteID, byActorID, "rbac.manage"); err != nil {
		return err
	}
	if !e.roleKnown(roleID) {
		return errors.New("unknown role " + roleID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, siteID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role_granted", siteID, "rbac", actorID, byActorID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, siteID, byActorID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor_id and role_id are required")
	}
	if err := e.Auth.Require(ctx, siteID, byActorID, "rbac.manage"); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, siteID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role_revoked", siteID, "rbac", actorID, byActorID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) roleKnown(roleID string) bool {
	if e.Config == nil || len(e.Config.RBAC.Roles) == 0 {
		return true
	}
	_, ok := e.Config.RBAC.Roles[roleID]
	return ok
}
