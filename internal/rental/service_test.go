package rental

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/numgate/internal/breaker"
	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/provider"
)

// --- モック ---

type mockProviderClient struct {
	acquireNumberFn func(ctx context.Context, serviceType string) (*provider.Number, error)
	getOTPFn        func(ctx context.Context, sessionID string) (string, error)
	cancelNumberFn  func(ctx context.Context, sessionID string) error
	cancelCalls     int
}

func (m *mockProviderClient) Name() string { return "smsrent" }
func (m *mockProviderClient) AcquireNumber(ctx context.Context, serviceType string) (*provider.Number, error) {
	if m.acquireNumberFn != nil {
		return m.acquireNumberFn(ctx, serviceType)
	}
	return &provider.Number{
		SessionID:   "psess-1",
		PhoneNumber: "+81901234567",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}, nil
}
func (m *mockProviderClient) GetOTP(ctx context.Context, sessionID string) (string, error) {
	if m.getOTPFn != nil {
		return m.getOTPFn(ctx, sessionID)
	}
	return "", provider.ErrOTPNotReady
}
func (m *mockProviderClient) CancelNumber(ctx context.Context, sessionID string) error {
	m.cancelCalls++
	if m.cancelNumberFn != nil {
		return m.cancelNumberFn(ctx, sessionID)
	}
	return nil
}

type mockTxRepo struct {
	created  []*model.Transaction
	createFn func(ctx context.Context, tx *model.Transaction) error
}

func (m *mockTxRepo) Create(ctx context.Context, tx *model.Transaction) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, tx); err != nil {
			return err
		}
	}
	m.created = append(m.created, tx)
	return nil
}
func (m *mockTxRepo) ListByTypes(ctx context.Context, types []model.TxType, limit, offset int) ([]*model.Transaction, error) {
	return nil, nil
}
func (m *mockTxRepo) ListByUser(ctx context.Context, userID string) ([]*model.Transaction, error) {
	return nil, nil
}
func (m *mockTxRepo) FindByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	return nil, nil
}
func (m *mockTxRepo) ListRecentByType(ctx context.Context, txType model.TxType, limit int) ([]*model.Transaction, error) {
	return nil, nil
}

type mockBalanceRepo struct {
	balance      int64
	applyDeltaFn func(ctx context.Context, userID string, delta int64) (int64, error)
}

func (m *mockBalanceRepo) Get(ctx context.Context, userID string) (int64, error) {
	return m.balance, nil
}
func (m *mockBalanceRepo) ApplyDelta(ctx context.Context, userID string, delta int64) (int64, error) {
	if m.applyDeltaFn != nil {
		return m.applyDeltaFn(ctx, userID, delta)
	}
	m.balance += delta
	return m.balance, nil
}

type mockSessionRepo struct {
	sessions map[string]*model.RentalSession
	createFn func(ctx context.Context, session *model.RentalSession) error
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*model.RentalSession)}
}
func (m *mockSessionRepo) Create(ctx context.Context, session *model.RentalSession) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, session); err != nil {
			return err
		}
	}
	m.sessions[session.ID] = session
	return nil
}
func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.RentalSession, error) {
	return m.sessions[id], nil
}
func (m *mockSessionRepo) ListByProvider(ctx context.Context, providerName string, limit, offset int) ([]*model.RentalSession, error) {
	return nil, nil
}
func (m *mockSessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	s, ok := m.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}
func (m *mockSessionRepo) ListProviders(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (m *mockSessionRepo) ListServices(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (m *mockSessionRepo) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.RentalSession, error) {
	return nil, nil
}

type mockPricingRepo struct {
	price int64
}

func (m *mockPricingRepo) GetServicePricing(ctx context.Context, serviceType string) (*model.ServicePricing, error) {
	if m.price <= 0 {
		return nil, nil
	}
	return &model.ServicePricing{ServiceType: serviceType, Price: m.price}, nil
}

// --- ヘルパー ---

type serviceFixture struct {
	service     *Service
	governor    *Governor
	client      *mockProviderClient
	txRepo      *mockTxRepo
	balanceRepo *mockBalanceRepo
	sessionRepo *mockSessionRepo
	breakers    *breaker.Registry
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	governor := NewGovernor(GovernorConfig{
		MaxPendingGlobal: 30,
		PacingInterval:   time.Nanosecond,
		Window:           6 * time.Minute,
		WindowMax:        30,
		SweepInterval:    time.Hour,
	})
	t.Cleanup(governor.Stop)

	f := &serviceFixture{
		governor:    governor,
		client:      &mockProviderClient{},
		txRepo:      &mockTxRepo{},
		balanceRepo: &mockBalanceRepo{balance: 1000},
		sessionRepo: newMockSessionRepo(),
		breakers:    breaker.NewRegistry(breaker.DefaultSettings(), nil),
	}
	idSeq := 0
	f.service = NewService(
		f.governor, f.client, f.breakers,
		f.txRepo, f.balanceRepo, f.sessionRepo,
		&mockPricingRepo{price: 100},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func() string { idSeq++; return fmt.Sprintf("id-%d", idSeq) },
	)
	return f
}

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorではありません: %v", err)
	}
	return apiErr.Code
}

// --- レンタル開始のテスト ---

// TestService_RentSuccess はレンタル開始の成功パスを検証する。
func TestService_RentSuccess(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}

	if session.Status != model.SessionStatusPending {
		t.Errorf("Status = %s, want pending", session.Status)
	}
	if session.Price != 100 {
		t.Errorf("Price = %d, want 100", session.Price)
	}
	if f.balanceRepo.balance != 900 {
		t.Errorf("残高 = %d, want 900", f.balanceRepo.balance)
	}
	if len(f.txRepo.created) != 1 {
		t.Fatalf("取引 = %d件, want 1件", len(f.txRepo.created))
	}
	tx := f.txRepo.created[0]
	if tx.Type != model.TxTypeCharge || tx.Amount != -100 {
		t.Errorf("取引 = %s/%d, want charge/-100", tx.Type, tx.Amount)
	}
	if tx.Reference != "smsrent:psess-1" {
		t.Errorf("Reference = %s, want smsrent:psess-1", tx.Reference)
	}
	if f.governor.PendingTotal() != 1 {
		t.Errorf("PendingTotal = %d, want 1", f.governor.PendingTotal())
	}
	if session.ExpiresAt.IsZero() {
		t.Error("ExpiresAt が設定されていない")
	}
}

// TestService_RentDefaultsExpiry はプロバイダが期限を返さない場合、
// セッションに既定の有効期間が設定されることを検証する。
func TestService_RentDefaultsExpiry(t *testing.T) {
	f := newServiceFixture(t)
	f.client.acquireNumberFn = func(ctx context.Context, serviceType string) (*provider.Number, error) {
		return &provider.Number{SessionID: "psess-1", PhoneNumber: "+819012345678"}, nil
	}

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}

	remaining := time.Until(session.ExpiresAt)
	if remaining < 19*time.Minute || remaining > 21*time.Minute {
		t.Errorf("ExpiresAt まで %v, want 約20分", remaining)
	}
}

// TestService_RentBlockedByGovernor はガバナー拒否がRENTAL_BLOCKEDに
// なり、プロバイダも課金も呼ばれないことを検証する。
func TestService_RentBlockedByGovernor(t *testing.T) {
	f := newServiceFixture(t)
	f.balanceRepo.balance = 10000

	acquireCalls := 0
	f.client.acquireNumberFn = func(ctx context.Context, serviceType string) (*provider.Number, error) {
		acquireCalls++
		return &provider.Number{SessionID: fmt.Sprintf("psess-%d", acquireCalls), PhoneNumber: fmt.Sprintf("+8190%07d", acquireCalls)}, nil
	}

	// ウィンドウ上限まで成功を積む
	for i := 0; i < 30; i++ {
		session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
		if err != nil {
			t.Fatalf("Rent() #%d error = %v", i+1, err)
		}
		// 保留上限に当たらないよう完了させる
		f.governor.Release("user-1", session.PhoneNumber)
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if code := apiErrorCode(t, err); code != model.ErrCodeRentalBlocked {
		t.Errorf("code = %s, want RENTAL_BLOCKED", code)
	}
	if acquireCalls != 30 {
		t.Errorf("拒否後にプロバイダが呼ばれました: %d回", acquireCalls)
	}
	if f.balanceRepo.balance != 10000-30*100 {
		t.Errorf("拒否後に課金されました: 残高 = %d", f.balanceRepo.balance)
	}
}

// TestService_GetOTPResetsSuccessWindow はOTP受信成功がローリング
// ウィンドウの成功カウントを即時リセットし、次のレンタルを許可する
// ことを検証する。
func TestService_GetOTPResetsSuccessWindow(t *testing.T) {
	f := newServiceFixture(t)
	f.balanceRepo.balance = 10000

	acquireCalls := 0
	f.client.acquireNumberFn = func(ctx context.Context, serviceType string) (*provider.Number, error) {
		acquireCalls++
		return &provider.Number{SessionID: fmt.Sprintf("psess-%d", acquireCalls), PhoneNumber: fmt.Sprintf("+8190%07d", acquireCalls)}, nil
	}
	f.client.getOTPFn = func(ctx context.Context, sessionID string) (string, error) {
		return "654321", nil
	}

	var last *model.RentalSession
	for i := 0; i < 30; i++ {
		session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
		if err != nil {
			t.Fatalf("Rent() #%d error = %v", i+1, err)
		}
		last = session
		if i < 29 {
			f.governor.Release("user-1", session.PhoneNumber)
		}
	}

	// ウィンドウ上限に達しているため拒否される
	if _, err := f.service.Rent(context.Background(), "user-1", "shoptop"); err == nil {
		t.Fatal("ウィンドウ上限到達後のRent()が許可されました")
	}

	if _, err := f.service.GetOTP(context.Background(), "user-1", last.ID); err != nil {
		t.Fatalf("GetOTP() error = %v", err)
	}

	// OTP受信成功でウィンドウがリセットされ、次のレンタルが通る
	if _, err := f.service.Rent(context.Background(), "user-1", "shoptop"); err != nil {
		t.Errorf("OTP受信後のRent() error = %v", err)
	}
}

// TestService_RentInsufficientFunds は残高不足でプロバイダが呼ばれない
// ことを検証する。
func TestService_RentInsufficientFunds(t *testing.T) {
	f := newServiceFixture(t)
	f.balanceRepo.balance = 50

	called := false
	f.client.acquireNumberFn = func(ctx context.Context, serviceType string) (*provider.Number, error) {
		called = true
		return nil, nil
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if code := apiErrorCode(t, err); code != model.ErrCodeInsufficientFunds {
		t.Errorf("code = %s, want INSUFFICIENT_FUNDS", code)
	}
	if called {
		t.Error("残高不足なのにプロバイダが呼ばれました")
	}
}

// TestService_RentUnknownService は価格未設定のサービス種別が
// 拒否されることを検証する。
func TestService_RentUnknownService(t *testing.T) {
	f := newServiceFixture(t)
	f.service.pricingRepo = &mockPricingRepo{price: 0}

	_, err := f.service.Rent(context.Background(), "user-1", "unknown")
	if code := apiErrorCode(t, err); code != model.ErrCodeServiceNotFound {
		t.Errorf("code = %s, want SERVICE_NOT_FOUND", code)
	}
}

// TestService_RentCircuitOpen はブレーカー遮断中にCIRCUIT_OPENが返り、
// プロバイダが呼ばれないことを検証する。
func TestService_RentCircuitOpen(t *testing.T) {
	f := newServiceFixture(t)
	f.breakers.Get("provider:smsrent").ForceOpen()

	called := false
	f.client.acquireNumberFn = func(ctx context.Context, serviceType string) (*provider.Number, error) {
		called = true
		return nil, nil
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if code := apiErrorCode(t, err); code != model.ErrCodeCircuitOpen {
		t.Errorf("code = %s, want CIRCUIT_OPEN", code)
	}
	if called {
		t.Error("遮断中なのにプロバイダが呼ばれました")
	}
	if f.balanceRepo.balance != 1000 {
		t.Errorf("遮断中に課金されました: 残高 = %d", f.balanceRepo.balance)
	}
}

// TestService_RentNoStock は在庫切れがNO_NUMBERS_AVAILABLEになり
// 課金されないことを検証する。
func TestService_RentNoStock(t *testing.T) {
	f := newServiceFixture(t)
	f.client.acquireNumberFn = func(ctx context.Context, serviceType string) (*provider.Number, error) {
		return nil, provider.ErrNoNumbersAvailable
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if code := apiErrorCode(t, err); code != model.ErrCodeNoNumbers {
		t.Errorf("code = %s, want NO_NUMBERS_AVAILABLE", code)
	}
	if f.balanceRepo.balance != 1000 {
		t.Errorf("在庫切れで課金されました: 残高 = %d", f.balanceRepo.balance)
	}
}

// TestService_RentChargeFailureReleasesNumber は課金失敗時に取得済みの
// 番号が返却されることを検証する。
func TestService_RentChargeFailureReleasesNumber(t *testing.T) {
	f := newServiceFixture(t)
	f.balanceRepo.applyDeltaFn = func(ctx context.Context, userID string, delta int64) (int64, error) {
		return 0, errors.New("db down")
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err == nil {
		t.Fatal("Rent() error = nil, want error")
	}
	if f.client.cancelCalls != 1 {
		t.Errorf("番号返却 = %d回, want 1回", f.client.cancelCalls)
	}
}

// TestService_RentLedgerFailureReversesCharge は課金取引の記録失敗時に
// 残高が戻され、番号が返却されることを検証する。台帳に載らない課金を
// 残さない。
func TestService_RentLedgerFailureReversesCharge(t *testing.T) {
	f := newServiceFixture(t)
	f.txRepo.createFn = func(ctx context.Context, tx *model.Transaction) error {
		if tx.Type == model.TxTypeCharge {
			return errors.New("db down")
		}
		return nil
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err == nil {
		t.Fatal("Rent() error = nil, want error")
	}
	if f.balanceRepo.balance != 1000 {
		t.Errorf("残高 = %d, want 1000（課金が取り消されること）", f.balanceRepo.balance)
	}
	if f.client.cancelCalls != 1 {
		t.Errorf("番号返却 = %d回, want 1回", f.client.cancelCalls)
	}
	if len(f.txRepo.created) != 0 {
		t.Errorf("取引 = %d件, want 0件", len(f.txRepo.created))
	}
}

// TestService_RentSessionFailureRefundsCharge はセッション作成失敗時に
// 返金取引とともに残高が戻り、番号が返却されることを検証する。
func TestService_RentSessionFailureRefundsCharge(t *testing.T) {
	f := newServiceFixture(t)
	f.sessionRepo.createFn = func(ctx context.Context, session *model.RentalSession) error {
		return errors.New("db down")
	}

	_, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err == nil {
		t.Fatal("Rent() error = nil, want error")
	}
	if f.balanceRepo.balance != 1000 {
		t.Errorf("残高 = %d, want 1000", f.balanceRepo.balance)
	}
	if f.client.cancelCalls != 1 {
		t.Errorf("番号返却 = %d回, want 1回", f.client.cancelCalls)
	}
	// 課金と返金が対で台帳に残る
	if len(f.txRepo.created) != 2 {
		t.Fatalf("取引 = %d件, want 2件（課金+返金）", len(f.txRepo.created))
	}
	if f.txRepo.created[1].Type != model.TxTypeRefund {
		t.Errorf("2件目の取引 = %s, want refund", f.txRepo.created[1].Type)
	}
}

// --- OTP取得のテスト ---

// TestService_GetOTPCompletesSession はOTP受信でセッションが完了し
// 保留番号が解放されることを検証する。
func TestService_GetOTPCompletesSession(t *testing.T) {
	f := newServiceFixture(t)
	f.client.getOTPFn = func(ctx context.Context, sessionID string) (string, error) {
		return "123456", nil
	}

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}

	code, err := f.service.GetOTP(context.Background(), "user-1", session.ID)
	if err != nil {
		t.Fatalf("GetOTP() error = %v", err)
	}
	if code != "123456" {
		t.Errorf("code = %s, want 123456", code)
	}
	if f.sessionRepo.sessions[session.ID].Status != model.SessionStatusCompleted {
		t.Errorf("Status = %s, want completed", f.sessionRepo.sessions[session.ID].Status)
	}
	if f.governor.PendingTotal() != 0 {
		t.Errorf("PendingTotal = %d, want 0", f.governor.PendingTotal())
	}
	// OTP受信成功は返金されない
	if len(f.txRepo.created) != 1 {
		t.Errorf("取引 = %d件, want 1件（課金のみ）", len(f.txRepo.created))
	}
}

// TestService_GetOTPNotReady はOTP未着時にセッションが保留のまま
// であることを検証する。
func TestService_GetOTPNotReady(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}

	_, err = f.service.GetOTP(context.Background(), "user-1", session.ID)
	if !errors.Is(err, provider.ErrOTPNotReady) {
		t.Fatalf("GetOTP() error = %v, want ErrOTPNotReady", err)
	}
	if f.sessionRepo.sessions[session.ID].Status != model.SessionStatusPending {
		t.Errorf("Status = %s, want pending", f.sessionRepo.sessions[session.ID].Status)
	}
	if f.governor.PendingTotal() != 1 {
		t.Errorf("PendingTotal = %d, want 1", f.governor.PendingTotal())
	}
}

// TestService_GetOTPWrongUser は他ユーザーのセッションが未検出として
// 扱われることを検証する。
func TestService_GetOTPWrongUser(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}

	_, err = f.service.GetOTP(context.Background(), "user-2", session.ID)
	if code := apiErrorCode(t, err); code != model.ErrCodeSessionNotFound {
		t.Errorf("code = %s, want SESSION_NOT_FOUND", code)
	}
}

// --- キャンセルのテスト ---

// TestService_CancelRefundsOnce はキャンセルで返金取引がちょうど1件
// 作成され、2回目のキャンセルが拒否されることを検証する。
func TestService_CancelRefundsOnce(t *testing.T) {
	f := newServiceFixture(t)

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}

	if err := f.service.Cancel(context.Background(), "user-1", session.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if f.balanceRepo.balance != 1000 {
		t.Errorf("残高 = %d, want 1000（全額返金）", f.balanceRepo.balance)
	}
	var refunds int
	for _, tx := range f.txRepo.created {
		if tx.Type == model.TxTypeRefund {
			refunds++
			if tx.Amount != 100 {
				t.Errorf("返金額 = %d, want 100", tx.Amount)
			}
			if tx.Reference != "smsrent:"+session.ID {
				t.Errorf("Reference = %s", tx.Reference)
			}
		}
	}
	if refunds != 1 {
		t.Fatalf("返金取引 = %d件, want 1件", refunds)
	}
	if f.governor.PendingTotal() != 0 {
		t.Errorf("PendingTotal = %d, want 0", f.governor.PendingTotal())
	}

	// 2回目のキャンセルは二重返金になるため拒否
	err = f.service.Cancel(context.Background(), "user-1", session.ID)
	if code := apiErrorCode(t, err); code != model.ErrCodeSessionClosed {
		t.Errorf("code = %s, want SESSION_CLOSED", code)
	}
	if f.balanceRepo.balance != 1000 {
		t.Errorf("二重返金が発生しました: 残高 = %d", f.balanceRepo.balance)
	}
}

// TestService_CancelCompletedSession は完了済みセッションのキャンセルが
// 拒否されることを検証する。
func TestService_CancelCompletedSession(t *testing.T) {
	f := newServiceFixture(t)
	f.client.getOTPFn = func(ctx context.Context, sessionID string) (string, error) {
		return "123456", nil
	}

	session, err := f.service.Rent(context.Background(), "user-1", "shoptop")
	if err != nil {
		t.Fatalf("Rent() error = %v", err)
	}
	if _, err := f.service.GetOTP(context.Background(), "user-1", session.ID); err != nil {
		t.Fatalf("GetOTP() error = %v", err)
	}

	err = f.service.Cancel(context.Background(), "user-1", session.ID)
	if code := apiErrorCode(t, err); code != model.ErrCodeSessionClosed {
		t.Errorf("code = %s, want SESSION_CLOSED", code)
	}
}
