package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/numgate/internal/model"
)

// PostgresRentalSessionRepo はPostgreSQLを使用したレンタルセッションリポジトリ。
type PostgresRentalSessionRepo struct {
	db *sql.DB
}

// NewPostgresRentalSessionRepo はPostgresRentalSessionRepoを生成する。
func NewPostgresRentalSessionRepo(db *sql.DB) *PostgresRentalSessionRepo {
	return &PostgresRentalSessionRepo{db: db}
}

const sessionColumns = `id, user_id, provider, service, phone_number, status, price,
        expires_at, created_at, updated_at`

// Create はセッションを作成する。
func (r *PostgresRentalSessionRepo) Create(ctx context.Context, session *model.RentalSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rental_sessions (id, user_id, provider, service, phone_number,
		        status, price, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.UserID, session.Provider, session.Service,
		session.PhoneNumber, string(session.Status), session.Price,
		session.ExpiresAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("レンタルセッションの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresRentalSessionRepo) FindByID(ctx context.Context, id string) (*model.RentalSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM rental_sessions WHERE id = $1`,
		id,
	)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レンタルセッションの取得に失敗しました: %w", err)
	}
	return session, nil
}

// ListByProvider は指定プロバイダファミリーのセッションを
// created_at昇順でページ取得する。
func (r *PostgresRentalSessionRepo) ListByProvider(ctx context.Context, provider string, limit, offset int) ([]*model.RentalSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM rental_sessions
		 WHERE provider = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		provider, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("レンタルセッション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sessions []*model.RentalSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッション行のスキャンに失敗しました: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッション行の読み取りに失敗しました: %w", err)
	}
	return sessions, nil
}

// UpdateStatus はセッションの状態を更新する。
func (r *PostgresRentalSessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rental_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rental session not found: %s", id)
	}
	return nil
}

// ListProviders は記録されている全プロバイダファミリー名を返す。
func (r *PostgresRentalSessionRepo) ListProviders(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT provider FROM rental_sessions ORDER BY provider`,
	)
	if err != nil {
		return nil, fmt.Errorf("プロバイダ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("プロバイダ行のスキャンに失敗しました: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("プロバイダ行の読み取りに失敗しました: %w", err)
	}
	return providers, nil
}

// ListServices は利用実績のある全サービス種別を返す。
func (r *PostgresRentalSessionRepo) ListServices(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT service FROM rental_sessions ORDER BY service`,
	)
	if err != nil {
		return nil, fmt.Errorf("サービス種別一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, fmt.Errorf("サービス種別行のスキャンに失敗しました: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("サービス種別行の読み取りに失敗しました: %w", err)
	}
	return services, nil
}

// ListExpiredPending は期限を過ぎた保留中セッションをexpires_at昇順で
// limit件まで返す。
func (r *PostgresRentalSessionRepo) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.RentalSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`
		 FROM rental_sessions
		 WHERE status = 'pending' AND expires_at <= $1
		 ORDER BY expires_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("失効セッション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sessions []*model.RentalSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッション行のスキャンに失敗しました: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッション行の読み取りに失敗しました: %w", err)
	}
	return sessions, nil
}

// scanSession は1行をRentalSessionにスキャンする。
func scanSession(row rowScanner) (*model.RentalSession, error) {
	session := &model.RentalSession{}
	var status string
	if err := row.Scan(
		&session.ID, &session.UserID, &session.Provider, &session.Service,
		&session.PhoneNumber, &status, &session.Price,
		&session.ExpiresAt, &session.CreatedAt, &session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	session.Status = model.SessionStatus(status)
	return session, nil
}

// compile-time interface check
var _ RentalSessionRepository = (*PostgresRentalSessionRepo)(nil)
