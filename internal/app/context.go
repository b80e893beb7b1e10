package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldcheck/internal/config"
	"fieldcheck/internal/repo"
)

// ResolveSiteAndConfig picks the active site and ensures a site + config exist
// in DB, seeding defaults if missing. It prefers overrides, then single-site
// DB. If the site does not exist, it is created on the fly.
func ResolveSiteAndConfig(ctx context.Context, siteOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	siteID := siteOverride
	if siteID == "" {
		if s, err := r.SingleSite(ctx); err == nil {
			siteID = s.ID
		} else {
			return "", nil, fmt.Errorf("site not specified; use --site")
		}
	}
	seedCfg := config.Default(siteID)

	if _, err := r.GetSite(ctx, siteID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createSite(ctx, r, siteID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetSiteConfig(ctx, siteID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertSiteConfig(ctx, siteID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed site config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Site.ID = siteID
	return siteID, cfg, nil
}

// createSite inserts a minimal site/rbac footprint using the seed config.
func createSite(ctx context.Context, r repo.Repo, siteID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(siteID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		siteID, "construction-site", "active", nil, now); err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	if err := r.UpsertSiteConfigTx(ctx, tx, siteID, seedCfg); err != nil {
		return fmt.Errorf("insert site config: %w", err)
	}
	if err := r.SeedRolesFromConfig(ctx, tx, siteID, seedCfg); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, siteID, actorID, "owner"); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return tx.Commit()
}
