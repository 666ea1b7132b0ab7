package rental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/numgate/internal/breaker"
	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/provider"
	"github.com/hitoshi/numgate/internal/repository"
)

// defaultSessionTTL はプロバイダが期限を返さない場合の保留セッションの
// 有効期間。
const defaultSessionTTL = 20 * time.Minute

// Service は番号レンタルのオーケストレーションを行う。
// ガバナー判定、課金、ブレーカー越しのプロバイダ呼び出し、
// セッション管理、失敗時の返金を1箇所にまとめる。
type Service struct {
	governor    *Governor
	client      provider.Client
	breakers    *breaker.Registry
	txRepo      repository.TransactionRepository
	balanceRepo repository.BalanceRepository
	sessionRepo repository.RentalSessionRepository
	pricingRepo repository.PricingRepository
	logger      *slog.Logger
	newID       func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	governor *Governor,
	client provider.Client,
	breakers *breaker.Registry,
	txRepo repository.TransactionRepository,
	balanceRepo repository.BalanceRepository,
	sessionRepo repository.RentalSessionRepository,
	pricingRepo repository.PricingRepository,
	logger *slog.Logger,
	newID func() string,
) *Service {
	return &Service{
		governor:    governor,
		client:      client,
		breakers:    breakers,
		txRepo:      txRepo,
		balanceRepo: balanceRepo,
		sessionRepo: sessionRepo,
		pricingRepo: pricingRepo,
		logger:      logger,
		newID:       newID,
	}
}

// breakerName はプロバイダ依存のブレーカー名を返す。
func (s *Service) breakerName() string {
	return "provider:" + s.client.Name()
}

// Rent は番号レンタルを1件開始する。
// ガバナー判定 → 価格確認 → 残高確認 → プロバイダから番号取得 →
// 課金 → セッション作成の順に実行する。番号取得後の課金失敗時は
// 番号をベストエフォートで返却する。
func (s *Service) Rent(ctx context.Context, userID, serviceType string) (*model.RentalSession, error) {
	check := s.governor.CheckAllowed(userID)
	if !check.Allowed {
		s.logger.Info("ガバナーがレンタルを拒否しました",
			slog.String("user_id", userID),
			slog.String("reason", string(check.Reason)),
			slog.Float64("wait_sec", check.WaitTime.Seconds()),
		)
		return nil, model.NewRentalBlockedError(string(check.Reason), int(check.WaitTime.Seconds())+1)
	}

	pricing, err := s.pricingRepo.GetServicePricing(ctx, serviceType)
	if err != nil {
		return nil, fmt.Errorf("価格設定の取得に失敗しました: %w", err)
	}
	if pricing == nil {
		return nil, model.NewServiceNotConfiguredError(serviceType)
	}

	balance, err := s.balanceRepo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("残高の取得に失敗しました: %w", err)
	}
	if balance < pricing.Price {
		return nil, model.NewInsufficientFundsError()
	}

	var number *provider.Number
	brk := s.breakers.Get(s.breakerName())
	err = brk.Execute(ctx, func(ctx context.Context) error {
		var acquireErr error
		number, acquireErr = s.client.AcquireNumber(ctx, serviceType)
		return acquireErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return nil, model.NewCircuitOpenError(s.client.Name())
		}
		if errors.Is(err, provider.ErrNoNumbersAvailable) {
			return nil, model.NewNoNumbersError(s.client.Name())
		}
		return nil, fmt.Errorf("番号の取得に失敗しました: %w", err)
	}

	ref := model.NewReference(s.client.Name(), number.SessionID)
	balanceAfter, err := s.balanceRepo.ApplyDelta(ctx, userID, -pricing.Price)
	if err != nil {
		s.releaseNumber(ctx, number.SessionID)
		return nil, fmt.Errorf("課金に失敗しました: %w", err)
	}

	chargeTx := &model.Transaction{
		ID:            s.newID(),
		UserID:        userID,
		Type:          model.TxTypeCharge,
		Amount:        -pricing.Price,
		Reference:     ref.String(),
		Description:   fmt.Sprintf("番号レンタル課金: %s", serviceType),
		BalanceBefore: balanceAfter + pricing.Price,
		BalanceAfter:  balanceAfter,
		CreatedAt:     time.Now(),
	}
	if err := s.txRepo.Create(ctx, chargeTx); err != nil {
		// 台帳に記録できない課金を残さない。残高を戻し、番号を返却する
		s.releaseNumber(ctx, number.SessionID)
		if _, revErr := s.balanceRepo.ApplyDelta(ctx, userID, pricing.Price); revErr != nil {
			s.logger.Error("課金取り消しに失敗しました。残高と台帳が不整合です",
				slog.String("user_id", userID),
				slog.String("reference", ref.String()),
				slog.Int64("amount", pricing.Price),
				slog.String("error", revErr.Error()),
			)
		}
		return nil, fmt.Errorf("課金取引の記録に失敗しました: %w", err)
	}

	expiresAt := number.ExpiresAt
	if expiresAt.IsZero() {
		// プロバイダが期限を返さない場合のフォールバック
		expiresAt = time.Now().Add(defaultSessionTTL)
	}
	session := &model.RentalSession{
		ID:          number.SessionID,
		UserID:      userID,
		Provider:    s.client.Name(),
		Service:     serviceType,
		PhoneNumber: number.PhoneNumber,
		Status:      model.SessionStatusPending,
		Price:       pricing.Price,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		// 課金済みのためセッションなしでは残せない。番号を返却し、
		// 返金取引とともに残高を戻す
		s.releaseNumber(ctx, number.SessionID)
		if refundErr := s.refundCharge(ctx, userID, serviceType, ref, pricing.Price); refundErr != nil {
			s.logger.Error("セッション作成失敗後の返金に失敗しました",
				slog.String("user_id", userID),
				slog.String("reference", ref.String()),
				slog.String("error", refundErr.Error()),
			)
		}
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	s.governor.RecordSuccess(userID, number.PhoneNumber)

	s.logger.Info("番号レンタルを開始しました",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
		slog.String("service", serviceType),
		slog.Int64("price", pricing.Price),
	)
	return session, nil
}

// GetOTP はセッションに届いたOTPを取得する。
// 受信に成功するとセッションを完了状態に遷移させ、保留番号を
// ガバナーから解放する。未着の場合はprovider.ErrOTPNotReadyを返す。
func (s *Service) GetOTP(ctx context.Context, userID, sessionID string) (string, error) {
	session, err := s.findOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status.IsTerminal() {
		return "", model.NewSessionClosedError(sessionID)
	}

	var code string
	brk := s.breakers.Get(s.breakerName())
	err = brk.Execute(ctx, func(ctx context.Context) error {
		var otpErr error
		code, otpErr = s.client.GetOTP(ctx, session.ID)
		// OTP未着は依存の障害ではないためブレーカーに数えない
		if errors.Is(otpErr, provider.ErrOTPNotReady) {
			return nil
		}
		return otpErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return "", model.NewCircuitOpenError(s.client.Name())
		}
		return "", fmt.Errorf("OTPの取得に失敗しました: %w", err)
	}
	if code == "" {
		return "", provider.ErrOTPNotReady
	}

	if err := s.sessionRepo.UpdateStatus(ctx, session.ID, model.SessionStatusCompleted); err != nil {
		return "", fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	s.governor.Release(userID, session.PhoneNumber)
	// 完了はウィンドウ満了より早く枠を解放するため、成功カウントを即時リセットする
	s.governor.ResetSuccessfulRequests(userID)

	s.logger.Info("OTPを受信しました",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
	)
	return code, nil
}

// Cancel はセッションをキャンセルし、課金額を返金する。
// 終端状態のセッションへのキャンセルはエラーを返す（二重返金の防止）。
func (s *Service) Cancel(ctx context.Context, userID, sessionID string) error {
	session, err := s.findOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return model.NewSessionClosedError(sessionID)
	}

	s.releaseNumber(ctx, session.ID)

	if err := s.sessionRepo.UpdateStatus(ctx, session.ID, model.SessionStatusCancelled); err != nil {
		return fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}

	ref := model.NewReference(session.Provider, session.ID)
	balanceAfter, err := s.balanceRepo.ApplyDelta(ctx, userID, session.Price)
	if err != nil {
		return fmt.Errorf("返金に失敗しました: %w", err)
	}
	refundTx := &model.Transaction{
		ID:            s.newID(),
		UserID:        userID,
		Type:          model.TxTypeRefund,
		Amount:        session.Price,
		Reference:     ref.String(),
		Description:   fmt.Sprintf("番号レンタルキャンセル返金: %s", session.Service),
		BalanceBefore: balanceAfter - session.Price,
		BalanceAfter:  balanceAfter,
		CreatedAt:     time.Now(),
	}
	if err := s.txRepo.Create(ctx, refundTx); err != nil {
		return fmt.Errorf("返金取引の記録に失敗しました: %w", err)
	}

	s.governor.Release(userID, session.PhoneNumber)

	s.logger.Info("レンタルをキャンセルしました",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
		slog.Int64("refund", session.Price),
	)
	return nil
}

// findOwnedSession はセッションを取得し所有者を確認する。
// 他ユーザーのセッションは存在を漏らさないため未検出として扱う。
func (s *Service) findOwnedSession(ctx context.Context, userID, sessionID string) (*model.RentalSession, error) {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	return session, nil
}

// refundCharge は課金を打ち消す返金を残高と台帳の両方に適用する。
func (s *Service) refundCharge(ctx context.Context, userID, serviceType string, ref model.Reference, price int64) error {
	balanceAfter, err := s.balanceRepo.ApplyDelta(ctx, userID, price)
	if err != nil {
		return fmt.Errorf("返金に失敗しました: %w", err)
	}
	refundTx := &model.Transaction{
		ID:            s.newID(),
		UserID:        userID,
		Type:          model.TxTypeRefund,
		Amount:        price,
		Reference:     ref.String(),
		Description:   fmt.Sprintf("番号レンタル失敗返金: %s", serviceType),
		BalanceBefore: balanceAfter - price,
		BalanceAfter:  balanceAfter,
		CreatedAt:     time.Now(),
	}
	if err := s.txRepo.Create(ctx, refundTx); err != nil {
		return fmt.Errorf("返金取引の記録に失敗しました: %w", err)
	}
	return nil
}

// releaseNumber はプロバイダへの番号返却をベストエフォートで行う。
// 失敗してもレンタル側の処理は継続する（プロバイダ側で期限切れになる）。
func (s *Service) releaseNumber(ctx context.Context, providerSessionID string) {
	if err := s.client.CancelNumber(ctx, providerSessionID); err != nil {
		s.logger.Warn("番号の返却に失敗しました",
			slog.String("provider", s.client.Name()),
			slog.String("session_id", providerSessionID),
			slog.String("error", err.Error()),
		)
	}
}
