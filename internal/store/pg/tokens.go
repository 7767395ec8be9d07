package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campusadmin.org/internal/auth"
)

type refreshStore struct{ db *sql.DB }

func (r refreshStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	if r.db == nil {
		return errNoDB
	}
	if err := insertRefresh(ctx, r.db, tok); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (r refreshStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	if r.db == nil {
		return nil, errNoDB
	}
	var (
		tok     auth.RefreshToken
		revoked sql.NullTime
		reason  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		select id, user_id, family_id, token_hash, expires_at, created_at, revoked_at, revoked_reason
		from refresh_tokens
		where token_hash = $1
	`, hash).Scan(&tok.ID, &tok.UserID, &tok.FamilyID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &revoked, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refresh token: %w", auth.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	tok.RevokedAt = timePtr(revoked)
	tok.RevokedReason = reason.String
	return &tok, nil
}

// Rotate revokes the predecessor with a conditional update and inserts the
// successor in the same transaction. The family lock orders it against
// family and user revocation, which would otherwise miss an uncommitted
// successor. A concurrent rotation blocks on the lock and then matches zero
// rows.
func (r refreshStore) Rotate(ctx context.Context, predecessorID string, successor *auth.RefreshToken, now time.Time) error {
	if r.db == nil {
		return errNoDB
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockFamilies(ctx, tx, successor.FamilyID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_reason = $3
		where id = $1 and family_id = $4 and revoked_at is null and expires_at > $2
	`, predecessorID, now, auth.RevokedRotated, successor.FamilyID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rotateFailure(ctx, tx, predecessorID, successor.FamilyID)
	}
	if err := insertRefresh(ctx, tx, successor); err != nil {
		return mapWriteError(err)
	}
	return tx.Commit()
}

func rotateFailure(ctx context.Context, q queryer, id, familyID string) error {
	var (
		revoked sql.NullTime
		family  string
	)
	err := q.QueryRowContext(ctx, `select revoked_at, family_id from refresh_tokens where id = $1`, id).Scan(&revoked, &family)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("refresh token %s: %w", id, auth.ErrNotFound)
	case err != nil:
		return err
	case revoked.Valid:
		return auth.ErrCredentialReused
	case family != familyID:
		return fmt.Errorf("%w: successor family mismatch", auth.ErrInvalidInput)
	default:
		return auth.ErrCredentialExpired
	}
}

// RevokeFamily revokes every live credential of the family while holding
// the family lock, so a rotation in flight either lands first and is
// revoked here or runs after and finds its predecessor revoked.
func (r refreshStore) RevokeFamily(ctx context.Context, familyID, reason string, now time.Time) (int64, error) {
	return r.revokeLocked(ctx, func(*sql.Tx) ([]string, error) {
		return []string{familyID}, nil
	}, `family_id = $1`, familyID, reason, now)
}

// RevokeUser locks every live family of the user before revoking.
func (r refreshStore) RevokeUser(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	return r.revokeLocked(ctx, func(tx *sql.Tx) ([]string, error) {
		return liveFamilies(ctx, tx, userID)
	}, `user_id = $1`, userID, reason, now)
}

func (r refreshStore) revokeLocked(ctx context.Context, families func(*sql.Tx) ([]string, error), where, arg, reason string, now time.Time) (int64, error) {
	if r.db == nil {
		return 0, errNoDB
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := families(tx)
	if err != nil {
		return 0, err
	}
	if err := lockFamilies(ctx, tx, ids...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_reason = $3
		where `+where+` and revoked_at is null
	`, arg, now, reason)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func liveFamilies(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		select distinct family_id from refresh_tokens
		where user_id = $1 and revoked_at is null
		order by family_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// lockFamilies takes the transaction-scoped advisory lock of each family.
// Callers pass families in a stable order.
func lockFamilies(ctx context.Context, tx *sql.Tx, familyIDs ...string) error {
	for _, id := range familyIDs {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
			return fmt.Errorf("lock family %s: %w", id, err)
		}
	}
	return nil
}

func (r refreshStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if r.db == nil {
		return 0, errNoDB
	}
	res, err := r.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func insertRefresh(ctx context.Context, q queryer, tok *auth.RefreshToken) error {
	_, err := q.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, family_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.UserID, tok.FamilyID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return err
}
