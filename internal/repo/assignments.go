package repo

import (
	"context"
	"database/sql"
	"time"

	"fieldcheck/internal/domain"
)

// UpsertAssignment binds an instance to its inspector. An instance has at
// most one assignee; re-assigning replaces the previous one.
func (r Repo) UpsertAssignment(ctx context.Context, instanceID, actorID string) (domain.Assignment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := r.UpsertAssignmentTx(ctx, tx, instanceID, actorID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func (r Repo) UpsertAssignmentTx(ctx context.Context, tx *sql.Tx, instanceID, actorID string) (domain.Assignment, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Assignment{}, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(instance_id, actor_id, created_at, updated_at)
VALUES (?,?,?,?)
ON CONFLICT(instance_id) DO UPDATE SET actor_id=excluded.actor_id, updated_at=excluded.updated_at`,
		instanceID, actorID, now, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	return r.getAssignmentTx(ctx, tx, instanceID)
}

func (r Repo) GetAssignment(ctx context.Context, instanceID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := r.DB.QueryRowContext(ctx, `SELECT instance_id, actor_id, created_at, updated_at FROM assignments WHERE instance_id=?`,
		instanceID).Scan(&a.InstanceID, &a.ActorID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) getAssignmentTx(ctx context.Context, tx *sql.Tx, instanceID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := tx.QueryRowContext(ctx, `SELECT instance_id, actor_id, created_at, updated_at FROM assignments WHERE instance_id=?`,
		instanceID).Scan(&a.InstanceID, &a.ActorID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) DeleteAssignment(ctx context.Context, instanceID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assignments WHERE instance_id=?`, instanceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
