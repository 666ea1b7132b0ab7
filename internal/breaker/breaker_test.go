package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errProvider = errors.New("provider error")

func failingFn(ctx context.Context) error { return errProvider }
func successFn(ctx context.Context) error { return nil }

func testSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Millisecond,
		FailureMaxAge:    time.Minute,
	}
}

// --- 状態遷移のテスト ---

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	// 閾値未満の失敗ではclosedのまま
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, failingFn); !errors.Is(err, errProvider) {
			t.Fatalf("call %d: err = %v, want provider error", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}

	// 閾値到達でopenへ
	if err := b.Execute(ctx, failingFn); !errors.Is(err, errProvider) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}
}

func TestBreaker_RejectsWithoutInvokingWhileOpen(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failingFn)
	}

	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Error("fn was invoked while circuit is open")
	}
}

func TestBreaker_HalfOpenAfterTimeout_ClosesAfterSuccessThreshold(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failingFn)
	}

	// タイムアウト経過後の呼び出しは試験として通る
	time.Sleep(40 * time.Millisecond)

	if err := b.Execute(ctx, successFn); err != nil {
		t.Fatalf("half-open call: err = %v, want nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State() = %v, want half_open", got)
	}

	// 成功閾値(2)に達するとclosedへ戻り、失敗履歴がクリアされる
	if err := b.Execute(ctx, successFn); err != nil {
		t.Fatalf("second half-open call: err = %v, want nil", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}
	if got := b.Stats().FailureCount; got != 0 {
		t.Errorf("FailureCount = %d, want 0 after recovery", got)
	}
}

func TestBreaker_ReopensImmediatelyOnHalfOpenFailure(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failingFn)
	}

	time.Sleep(40 * time.Millisecond)

	// 試験中の最初の失敗で即座に再遮断（猶予なし）
	if err := b.Execute(ctx, failingFn); !errors.Is(err, errProvider) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	// 再遮断直後の呼び出しは実行されない
	if err := b.Execute(ctx, successFn); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCountWhileClosed(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	b.Execute(ctx, failingFn)
	b.Execute(ctx, failingFn)
	b.Execute(ctx, successFn) // 失敗カウントがリセットされる
	b.Execute(ctx, failingFn)
	b.Execute(ctx, failingFn)

	// リセット後2回の失敗では閾値(3)に達しない
	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
}

func TestBreaker_StaleFailuresAgeOut(t *testing.T) {
	settings := testSettings()
	settings.FailureMaxAge = 20 * time.Millisecond
	b := New("sms-provider", settings)
	ctx := context.Background()

	b.Execute(ctx, failingFn)
	b.Execute(ctx, failingFn)

	// エージング時間経過後の失敗は古い失敗を引き継がない
	time.Sleep(30 * time.Millisecond)
	b.Execute(ctx, failingFn)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (stale failures should age out)", got)
	}
	if got := b.Stats().FailureCount; got != 1 {
		t.Errorf("FailureCount = %d, want 1", got)
	}
}

// --- 運用操作のテスト ---

func TestBreaker_ResetReturnsToClosedState(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failingFn)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	b.Reset()

	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed after reset", got)
	}
	if err := b.Execute(ctx, successFn); err != nil {
		t.Errorf("err = %v, want nil after reset", err)
	}
}

func TestBreaker_ForceOpenRejectsCalls(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	b.ForceOpen()

	if err := b.Execute(ctx, successFn); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen after ForceOpen", err)
	}
}

func TestBreaker_StatsReportsFailureRate(t *testing.T) {
	b := New("sms-provider", testSettings())
	ctx := context.Background()

	b.Execute(ctx, successFn)
	b.Execute(ctx, failingFn)

	stats := b.Stats()
	if stats.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", stats.TotalCalls)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("TotalFailures = %d, want 1", stats.TotalFailures)
	}
	if stats.FailureRate != 0.5 {
		t.Errorf("FailureRate = %f, want 0.5", stats.FailureRate)
	}
}

// --- Registry のテスト ---

func TestRegistry_GetCreatesLazilyAndReturnsSameInstance(t *testing.T) {
	r := NewRegistry(testSettings(), nil)

	b1 := r.Get("sms-provider")
	b2 := r.Get("sms-provider")

	if b1 != b2 {
		t.Error("Get returned different instances for the same name")
	}
}

func TestRegistry_AppliesPerDependencyOverrides(t *testing.T) {
	overrides := map[string]Settings{
		"shoptop": {FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute, FailureMaxAge: time.Minute},
	}
	r := NewRegistry(testSettings(), overrides)
	ctx := context.Background()

	// override先は1回の失敗でopenする
	b := r.Get("shoptop")
	b.Execute(ctx, failingFn)
	if got := b.State(); got != StateOpen {
		t.Errorf("shoptop State() = %v, want open after one failure", got)
	}

	// デフォルト設定の依存先は閾値3
	d := r.Get("sms-provider")
	d.Execute(ctx, failingFn)
	if got := d.State(); got != StateClosed {
		t.Errorf("sms-provider State() = %v, want closed after one failure", got)
	}
}

func TestRegistry_SnapshotListsAllBreakersSorted(t *testing.T) {
	r := NewRegistry(testSettings(), nil)
	r.Get("zeta")
	r.Get("alpha")

	stats := r.Snapshot()
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	if stats[0].Name != "alpha" || stats[1].Name != "zeta" {
		t.Errorf("snapshot order = [%s %s], want [alpha zeta]", stats[0].Name, stats[1].Name)
	}
}

func TestRegistry_LookupDoesNotCreate(t *testing.T) {
	r := NewRegistry(testSettings(), nil)

	if b := r.Lookup("unknown"); b != nil {
		t.Error("Lookup created a breaker, want nil")
	}
}
