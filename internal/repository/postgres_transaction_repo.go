package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/numgate/internal/model"
)

// PostgresTransactionRepo はPostgreSQLを使用した取引リポジトリ。
type PostgresTransactionRepo struct {
	db *sql.DB
}

// NewPostgresTransactionRepo はPostgresTransactionRepoを生成する。
func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db}
}

const transactionColumns = `id, user_id, type, amount, reference, description,
        balance_before, balance_after, created_at`

// Create は取引を作成する。
func (r *PostgresTransactionRepo) Create(ctx context.Context, tx *model.Transaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, reference, description,
		        balance_before, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.Reference, tx.Description,
		tx.BalanceBefore, tx.BalanceAfter, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("取引の作成に失敗しました: %w", err)
	}
	return nil
}

// ListByTypes は指定種別の取引をcreated_at昇順でページ取得する。
func (r *PostgresTransactionRepo) ListByTypes(ctx context.Context, types []model.TxType, limit, offset int) ([]*model.Transaction, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE type = ANY($1)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		pq.Array(typeStrs), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("取引一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// ListByUser は指定ユーザーの全取引をcreated_at昇順で取得する。
func (r *PostgresTransactionRepo) ListByUser(ctx context.Context, userID string) ([]*model.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ユーザー取引の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// FindByReference は参照文字列が一致する最初の取引を返す。
// 見つからない場合はnilを返す。
func (r *PostgresTransactionRepo) FindByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE reference = $1
		 ORDER BY created_at ASC
		 LIMIT 1`,
		ref,
	)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("取引の参照検索に失敗しました: %w", err)
	}
	return tx, nil
}

// ListRecentByType は指定種別の直近の取引をcreated_at降順でlimit件取得する。
func (r *PostgresTransactionRepo) ListRecentByType(ctx context.Context, txType model.TxType, limit int) ([]*model.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE type = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		string(txType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("直近取引の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// rowScanner は*sql.Rowと*sql.RowsのScanを共通化する。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTransaction は1行をTransactionにスキャンする。
func scanTransaction(row rowScanner) (*model.Transaction, error) {
	tx := &model.Transaction{}
	var txType string
	if err := row.Scan(
		&tx.ID, &tx.UserID, &txType, &tx.Amount, &tx.Reference, &tx.Description,
		&tx.BalanceBefore, &tx.BalanceAfter, &tx.CreatedAt,
	); err != nil {
		return nil, err
	}
	tx.Type = model.TxType(txType)
	return tx, nil
}

// scanTransactions は結果セット全体をスキャンする。
func scanTransactions(rows *sql.Rows) ([]*model.Transaction, error) {
	var txs []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("取引行のスキャンに失敗しました: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("取引行の読み取りに失敗しました: %w", err)
	}
	return txs, nil
}

// compile-time interface check
var _ TransactionRepository = (*PostgresTransactionRepo)(nil)
