package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/rideboard/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, namespace, first_name, last_name, avatar_url, chat_handle, email, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Namespace, &user.FirstName, &user.LastName, &user.AvatarURL,
		&user.ChatHandle, &user.Email, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}

// Upsert はログイン時のプロフィールでユーザーを作成または更新する。
// 氏名とアバターは毎回上書きし、連絡先は既存値が空の場合のみ埋める。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, namespace, first_name, last_name, avatar_url, chat_handle, email, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		   first_name  = EXCLUDED.first_name,
		   last_name   = EXCLUDED.last_name,
		   avatar_url  = EXCLUDED.avatar_url,
		   chat_handle = COALESCE(NULLIF(users.chat_handle, ''), EXCLUDED.chat_handle),
		   email       = COALESCE(NULLIF(users.email, ''), EXCLUDED.email),
		   updated_at  = now()
		 RETURNING chat_handle, email, created_at, updated_at`,
		user.ID, user.Namespace, user.FirstName, user.LastName, user.AvatarURL, user.ChatHandle, user.Email,
	).Scan(&user.ChatHandle, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// UpdateContact はユーザーの通知用連絡先を更新する。
func (r *PostgresUserRepo) UpdateContact(ctx context.Context, id, chatHandle, email string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET chat_handle = $2, email = $3, updated_at = now() WHERE id = $1`,
		id, chatHandle, email,
	)
	if err != nil {
		return fmt.Errorf("failed to update user contact: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.NewUserNotFoundError()
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
