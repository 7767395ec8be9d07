package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"campusadmin.org/internal/auth"
)

const userColumns = `id, email, name, password_hash, active, deleted_at, created_at, updated_at`

type userStore struct{ db *sql.DB }

func (u userStore) Create(ctx context.Context, user *auth.User) error {
	if u.db == nil {
		return errNoDB
	}
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users (id, email, name, password_hash, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.Active, user.CreatedAt); err != nil {
		return mapWriteError(err)
	}
	if err := insertUserRoles(ctx, tx, user.ID, user.RoleIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (u userStore) FindActive(ctx context.Context, id string) (*auth.User, error) {
	return u.find(ctx, `select `+userColumns+` from users where id = $1 and deleted_at is null`, id)
}

func (u userStore) FindIncludingDeleted(ctx context.Context, id string) (*auth.User, error) {
	return u.find(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (u userStore) FindActiveByEmail(ctx context.Context, email string) (*auth.User, error) {
	return u.find(ctx, `select `+userColumns+` from users where lower(email) = lower($1) and deleted_at is null`, email)
}

func (u userStore) find(ctx context.Context, query, arg string) (*auth.User, error) {
	if u.db == nil {
		return nil, errNoDB
	}
	var (
		user    auth.User
		deleted sql.NullTime
	)
	err := u.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.Active, &deleted, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", arg, auth.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	user.DeletedAt = timePtr(deleted)
	rows, err := u.db.QueryContext(ctx, `select role_id from user_roles where user_id = $1 order by role_id`, user.ID)
	if err != nil {
		return nil, err
	}
	if user.RoleIDs, err = scanStrings(rows); err != nil {
		return nil, err
	}
	return &user, nil
}

func (u userStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return u.exec(ctx, `update users set password_hash = $2, updated_at = now() where id = $1 and deleted_at is null`, id, hash)
}

func (u userStore) SetActive(ctx context.Context, id string, active bool) error {
	return u.exec(ctx, `update users set active = $2, updated_at = now() where id = $1 and deleted_at is null`, id, active)
}

func (u userStore) SoftDelete(ctx context.Context, id string) error {
	return u.exec(ctx, `update users set deleted_at = now(), active = false, updated_at = now() where id = $1 and deleted_at is null`, id)
}

func (u userStore) exec(ctx context.Context, query string, args ...any) error {
	if u.db == nil {
		return errNoDB
	}
	res, err := u.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(err)
	}
	return expectAffected(res)
}

func (u userStore) SetRoles(ctx context.Context, id string, roleIDs []string) error {
	if u.db == nil {
		return errNoDB
	}
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// lock the user row so concurrent replacements serialize
	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from users where id = $1 and deleted_at is null for update`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", id, auth.ErrNotFound)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, id); err != nil {
		return err
	}
	if err := insertUserRoles(ctx, tx, id, roleIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update users set updated_at = now() where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (u userStore) IDsWithRole(ctx context.Context, roleID string) ([]string, error) {
	if u.db == nil {
		return nil, errNoDB
	}
	rows, err := u.db.QueryContext(ctx, `
		select ur.user_id
		from user_roles ur
		join users u on u.id = ur.user_id
		where ur.role_id = $1 and u.deleted_at is null
		order by ur.user_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func insertUserRoles(ctx context.Context, q queryer, userID string, roleIDs []string) error {
	seen := make([]string, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		if slices.Contains(seen, roleID) {
			continue
		}
		seen = append(seen, roleID)
		if _, err := q.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2)
		`, userID, roleID); err != nil {
			if err := mapWriteError(err); errors.Is(err, auth.ErrNotFound) {
				return fmt.Errorf("role %s: %w", roleID, auth.ErrNotFound)
			}
			return err
		}
	}
	return nil
}

const roleColumns = `id, name, display_name, description, is_system, active, deleted_at, created_at, updated_at`

type roleStore struct{ db *sql.DB }

func (r roleStore) Create(ctx context.Context, role *auth.Role) error {
	if r.db == nil {
		return errNoDB
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles (id, name, display_name, description, is_system, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $7)
	`, role.ID, role.Name, role.DisplayName, nullIfEmpty(role.Description), role.IsSystem, role.Active, role.CreatedAt); err != nil {
		return mapWriteError(err)
	}
	if err := insertRolePermissions(ctx, tx, role.ID, role.PermissionIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (r roleStore) FindActive(ctx context.Context, id string) (*auth.Role, error) {
	return r.find(ctx, `select `+roleColumns+` from roles where id = $1 and deleted_at is null`, id)
}

func (r roleStore) FindIncludingDeleted(ctx context.Context, id string) (*auth.Role, error) {
	return r.find(ctx, `select `+roleColumns+` from roles where id = $1`, id)
}

func (r roleStore) FindActiveByName(ctx context.Context, name string) (*auth.Role, error) {
	return r.find(ctx, `select `+roleColumns+` from roles where name = $1 and deleted_at is null`, name)
}

func (r roleStore) find(ctx context.Context, query, arg string) (*auth.Role, error) {
	if r.db == nil {
		return nil, errNoDB
	}
	role, err := scanRole(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", arg, auth.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if role.PermissionIDs, err = rolePermissionIDs(ctx, r.db, role.ID); err != nil {
		return nil, err
	}
	return role, nil
}

// Lookup resolves each id with its own query so the result keeps input order
// and marks every unknown or deleted id as missing.
func (r roleStore) Lookup(ctx context.Context, ids []string) ([]auth.RoleRef, error) {
	out := make([]auth.RoleRef, 0, len(ids))
	for _, id := range ids {
		role, err := r.FindActive(ctx, id)
		switch {
		case err == nil:
			out = append(out, auth.FoundRole(role))
		case errors.Is(err, auth.ErrNotFound):
			out = append(out, auth.MissingRole(id))
		default:
			return nil, err
		}
	}
	return out, nil
}

func (r roleStore) Rename(ctx context.Context, id, name, displayName string) error {
	return r.exec(ctx, `
		update roles
		set name = $2, display_name = coalesce(nullif($3, ''), display_name), updated_at = now()
		where id = $1 and deleted_at is null
	`, id, name, displayName)
}

func (r roleStore) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, `update roles set active = $2, updated_at = now() where id = $1 and deleted_at is null`, id, active)
}

func (r roleStore) SoftDelete(ctx context.Context, id string) error {
	return r.exec(ctx, `update roles set deleted_at = now(), active = false, updated_at = now() where id = $1 and deleted_at is null`, id)
}

func (r roleStore) exec(ctx context.Context, query string, args ...any) error {
	if r.db == nil {
		return errNoDB
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(err)
	}
	return expectAffected(res)
}

func (r roleStore) SetPermissions(ctx context.Context, id string, permissionIDs []string) error {
	if r.db == nil {
		return errNoDB
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 and deleted_at is null for update`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("role %s: %w", id, auth.ErrNotFound)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, id); err != nil {
		return err
	}
	if err := insertRolePermissions(ctx, tx, id, permissionIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanRole(row *sql.Row) (*auth.Role, error) {
	var (
		role        auth.Role
		description sql.NullString
		deleted     sql.NullTime
	)
	if err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &description, &role.IsSystem,
		&role.Active, &deleted, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	role.Description = description.String
	role.DeletedAt = timePtr(deleted)
	return &role, nil
}

func rolePermissionIDs(ctx context.Context, q queryer, roleID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `select permission_id from role_permissions where role_id = $1 order by permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func insertRolePermissions(ctx context.Context, q queryer, roleID string, permissionIDs []string) error {
	seen := make([]string, 0, len(permissionIDs))
	for _, pid := range permissionIDs {
		if slices.Contains(seen, pid) {
			continue
		}
		seen = append(seen, pid)
		if _, err := q.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, pid); err != nil {
			if err := mapWriteError(err); errors.Is(err, auth.ErrNotFound) {
				return fmt.Errorf("permission %s: %w", pid, auth.ErrNotFound)
			}
			return err
		}
	}
	return nil
}

type permissionStore struct{ db *sql.DB }

func (p permissionStore) Sync(ctx context.Context, perms []auth.Permission) error {
	if p.db == nil {
		return errNoDB
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, perm := range perms {
		var resource, action string
		err := tx.QueryRowContext(ctx, `
			insert into permissions (id, key, resource, action, description, created_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (key) do update set description = excluded.description
			returning resource, action
		`, perm.ID, perm.Key, perm.Resource, perm.Action, perm.Description, perm.CreatedAt).Scan(&resource, &action)
		if err != nil {
			return err
		}
		if resource != perm.Resource || action != perm.Action {
			return fmt.Errorf("permission %s changed resource/action: %w", perm.Key, auth.ErrConflict)
		}
	}
	return tx.Commit()
}

// FindByIDs drops unknown ids.
func (p permissionStore) FindByIDs(ctx context.Context, ids []string) ([]auth.Permission, error) {
	return p.query(ctx, `
		select id, key, resource, action, description, created_at
		from permissions where id = any($1) order by key
	`, ids)
}

func (p permissionStore) FindByKeys(ctx context.Context, keys []string) ([]auth.Permission, error) {
	return p.query(ctx, `
		select id, key, resource, action, description, created_at
		from permissions where key = any($1) order by key
	`, keys)
}

func (p permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	return p.query(ctx, `
		select id, key, resource, action, description, created_at
		from permissions order by key
	`)
}

func (p permissionStore) query(ctx context.Context, query string, args ...any) ([]auth.Permission, error) {
	if p.db == nil {
		return nil, errNoDB
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var perm auth.Permission
		if err := rows.Scan(&perm.ID, &perm.Key, &perm.Resource, &perm.Action, &perm.Description, &perm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
