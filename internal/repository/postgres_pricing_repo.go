package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/numgate/internal/model"
)

// PostgresPricingRepo はPostgreSQLを使用した価格設定リポジトリ。
type PostgresPricingRepo struct {
	db *sql.DB
}

// NewPostgresPricingRepo はPostgresPricingRepoを生成する。
func NewPostgresPricingRepo(db *sql.DB) *PostgresPricingRepo {
	return &PostgresPricingRepo{db: db}
}

// GetServicePricing は指定サービス種別の価格設定を返す。
// 未設定の場合はnilを返す。
func (r *PostgresPricingRepo) GetServicePricing(ctx context.Context, serviceType string) (*model.ServicePricing, error) {
	pricing := &model.ServicePricing{}
	err := r.db.QueryRowContext(ctx,
		`SELECT service_type, price, updated_at
		 FROM service_pricing
		 WHERE service_type = $1`,
		serviceType,
	).Scan(&pricing.ServiceType, &pricing.Price, &pricing.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("価格設定の取得に失敗しました: %w", err)
	}
	return pricing, nil
}

// compile-time interface check
var _ PricingRepository = (*PostgresPricingRepo)(nil)
