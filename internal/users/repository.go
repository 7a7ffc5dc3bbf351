package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helix-identity/helix/internal/shared"
)

// Repository defines persistence operations for user records.
type Repository interface {
	FindByID(ctx context.Context, id int64) (*UserRecord, error)
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
	Create(ctx context.Context, user *UserRecord) (*UserRecord, error)
	Save(ctx context.Context, user *UserRecord) error
	SetVerified(ctx context.Context, id int64, verified bool) error
	List(ctx context.Context, offset, limit int64) ([]UserRecord, error)
	Count(ctx context.Context) (int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, email, COALESCE(password_hash, ''), name, auth_methods, is_verified, login_count, COALESCE(last_session, 'epoch'::timestamptz), created_at, updated_at`

func scanUser(row pgx.Row) (*UserRecord, error) {
	var user UserRecord
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Name,
		&user.AuthMethods,
		&user.IsVerified,
		&user.LoginCount,
		&user.LastSession,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindByID fetches a user by primary key.
func (r *PGRepository) FindByID(ctx context.Context, id int64) (*UserRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindByEmail fetches a user by unique email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*UserRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// Create inserts a new user record and returns it with generated fields
// populated. A duplicate email maps to shared.ErrUserExists.
func (r *PGRepository) Create(ctx context.Context, user *UserRecord) (*UserRecord, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, name, auth_methods, is_verified, login_count)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, 0)
		RETURNING `+userColumns,
		user.Email, user.PasswordHash, user.Name, user.AuthMethods, user.IsVerified)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, shared.ErrUserExists
		}
		return nil, err
	}
	return created, nil
}

// Save persists mutable fields of an existing record.
func (r *PGRepository) Save(ctx context.Context, user *UserRecord) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users
		SET email = $2,
		    password_hash = NULLIF($3, ''),
		    name = $4,
		    auth_methods = $5,
		    is_verified = $6,
		    login_count = $7,
		    last_session = NULLIF($8, 'epoch'::timestamptz),
		    updated_at = now()
		WHERE id = $1`,
		user.ID, user.Email, user.PasswordHash, user.Name, user.AuthMethods,
		user.IsVerified, user.LoginCount, user.LastSession)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetVerified flips the verified flag in the source of truth.
func (r *PGRepository) SetVerified(ctx context.Context, id int64, verified bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET is_verified = $2, updated_at = now() WHERE id = $1`, id, verified)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// List returns users ordered by id descending.
func (r *PGRepository) List(ctx context.Context, offset, limit int64) ([]UserRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id DESC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []UserRecord
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Count returns the total number of users.
func (r *PGRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

var _ Repository = (*PGRepository)(nil)
