package repo

import (
	"context"
	"database/sql"

	"fieldcheck/internal/domain"
)

func (r Repo) InsertSignature(ctx context.Context, tx *sql.Tx, sig domain.Signature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signatures(id, instance_id, signer_id, url, captured_at) VALUES (?,?,?,?,?)`,
		sig.ID, sig.InstanceID, sig.SignerID, sig.URL, sig.CapturedAt)
	return err
}

// HasSignature reports whether at least one signature has been captured for
// the instance. This is the signature-present flag the validator consumes.
func (r Repo) HasSignature(ctx context.Context, instanceID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM signatures WHERE instance_id=? LIMIT 1`, instanceID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) LatestSignature(ctx context.Context, instanceID string) (domain.Signature, error) {
	var sig domain.Signature
	err := r.DB.QueryRowContext(ctx, `SELECT id, instance_id, signer_id, url, captured_at FROM signatures WHERE instance_id=? ORDER BY captured_at DESC, id DESC LIMIT 1`,
		instanceID).Scan(&sig.ID, &sig.InstanceID, &sig.SignerID, &sig.URL, &sig.CapturedAt)
	if err == sql.ErrNoRows {
		return sig, ErrNotFound
	}
	return sig, err
}

func (r Repo) ListSignatures(ctx context.Context, instanceID string) ([]domain.Signature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, instance_id, signer_id, url, captured_at FROM signatures WHERE instance_id=? ORDER BY captured_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signature
	for rows.Next() {
		var sig domain.Signature
		if err := rows.Scan(&sig.ID, &sig.InstanceID, &sig.SignerID, &sig.URL, &sig.CapturedAt); err != nil {
			return nil, err
		}
		res = append(res, sig)
	}
	return res, rows.Err()
}
