package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresBalanceRepo はPostgreSQLを使用したユーザー残高リポジトリ。
type PostgresBalanceRepo struct {
	db *sql.DB
}

// NewPostgresBalanceRepo はPostgresBalanceRepoを生成する。
func NewPostgresBalanceRepo(db *sql.DB) *PostgresBalanceRepo {
	return &PostgresBalanceRepo{db: db}
}

// Get は指定ユーザーの現在残高を返す。
func (r *PostgresBalanceRepo) Get(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx,
		`SELECT balance FROM users WHERE id = $1`,
		userID,
	).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user not found: %s", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("残高の取得に失敗しました: %w", err)
	}
	return balance, nil
}

// ApplyDelta は残高に差分を適用し、適用後の残高を返す。
// 行ロックはUPDATE文の実行中のみで、長時間のロックは持たない。
func (r *PostgresBalanceRepo) ApplyDelta(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = now()
		 WHERE id = $1
		 RETURNING balance`,
		userID, delta,
	).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user not found: %s", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("残高の更新に失敗しました: %w", err)
	}
	return balance, nil
}

// compile-time interface check
var _ BalanceRepository = (*PostgresBalanceRepo)(nil)
