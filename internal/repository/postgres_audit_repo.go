package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/numgate/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査ログ・監査指摘リポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// CreateLog は監査ログエントリを作成する。
func (r *PostgresAuditRepo) CreateLog(ctx context.Context, entry *model.AuditLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Actor, entry.Action, entry.Detail, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("監査ログの作成に失敗しました: %w", err)
	}
	return nil
}

// CreateFinding は監査指摘を作成する。
func (r *PostgresAuditRepo) CreateFinding(ctx context.Context, finding *model.AuditFinding) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_findings (id, kind, user_id, session_ref, transaction_id,
		        amount, evidence, detected_at, recovered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		finding.ID, string(finding.Kind), finding.UserID, finding.SessionRef,
		finding.TransactionID, finding.Amount, finding.Evidence,
		finding.DetectedAt, finding.RecoveredAt,
	)
	if err != nil {
		return fmt.Errorf("監査指摘の作成に失敗しました: %w", err)
	}
	return nil
}

const findingColumns = `id, kind, user_id, session_ref, transaction_id, amount,
        evidence, detected_at, recovered_at`

// FindFindingByTransactionID は対象取引IDに対する既存の指摘を返す。
// 見つからない場合はnilを返す。
func (r *PostgresAuditRepo) FindFindingByTransactionID(ctx context.Context, txID string) (*model.AuditFinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+findingColumns+`
		 FROM audit_findings
		 WHERE transaction_id = $1
		 LIMIT 1`,
		txID,
	)

	finding, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("監査指摘の検索に失敗しました: %w", err)
	}
	return finding, nil
}

// ListUnrecoveredFindings は未是正の指摘をdetected_at昇順で返す。
func (r *PostgresAuditRepo) ListUnrecoveredFindings(ctx context.Context) ([]*model.AuditFinding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+findingColumns+`
		 FROM audit_findings
		 WHERE recovered_at IS NULL
		 ORDER BY detected_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("未是正指摘の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var findings []*model.AuditFinding
	for rows.Next() {
		finding, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("指摘行のスキャンに失敗しました: %w", err)
		}
		findings = append(findings, finding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("指摘行の読み取りに失敗しました: %w", err)
	}
	return findings, nil
}

// MarkFindingRecovered は指摘に是正済みマーカーを設定する。
func (r *PostgresAuditRepo) MarkFindingRecovered(ctx context.Context, findingID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE audit_findings SET recovered_at = now()
		 WHERE id = $1 AND recovered_at IS NULL`,
		findingID,
	)
	if err != nil {
		return fmt.Errorf("是正マーカーの設定に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("finding not found or already recovered: %s", findingID)
	}
	return nil
}

// PurgeOldEntries は保持期間を超過した監査ログと是正済み指摘を削除する。
func (r *PostgresAuditRepo) PurgeOldEntries(ctx context.Context, retentionDays int) (int64, error) {
	interval := fmt.Sprintf("%d days", retentionDays)

	logsResult, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE created_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("監査ログの削除に失敗しました: %w", err)
	}
	logsDeleted, err := logsResult.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// 未是正の指摘は保持期間に関わらず残す
	findingsResult, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_findings
		 WHERE recovered_at IS NOT NULL AND detected_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("是正済み指摘の削除に失敗しました: %w", err)
	}
	findingsDeleted, err := findingsResult.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return logsDeleted + findingsDeleted, nil
}

// scanFinding は1行をAuditFindingにスキャンする。
func scanFinding(row rowScanner) (*model.AuditFinding, error) {
	finding := &model.AuditFinding{}
	var kind string
	var recoveredAt sql.NullTime
	if err := row.Scan(
		&finding.ID, &kind, &finding.UserID, &finding.SessionRef,
		&finding.TransactionID, &finding.Amount, &finding.Evidence,
		&finding.DetectedAt, &recoveredAt,
	); err != nil {
		return nil, err
	}
	finding.Kind = model.FindingKind(kind)
	if recoveredAt.Valid {
		finding.RecoveredAt = &recoveredAt.Time
	}
	return finding, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
