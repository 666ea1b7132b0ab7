package expire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/numgate/internal/model"
	"github.com/hitoshi/numgate/internal/rental"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- モック ---

type mockStore struct {
	sessions       []*model.RentalSession
	updateStatusFn func(ctx context.Context, id string, status model.SessionStatus) error
	updated        map[string]model.SessionStatus
}

func newMockStore() *mockStore {
	return &mockStore{updated: make(map[string]model.SessionStatus)}
}

func (m *mockStore) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.RentalSession, error) {
	var result []*model.RentalSession
	for _, s := range m.sessions {
		if _, done := m.updated[s.ID]; done {
			continue
		}
		if s.Status == model.SessionStatusPending && !s.ExpiresAt.After(cutoff) {
			result = append(result, s)
		}
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *mockStore) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	if m.updateStatusFn != nil {
		if err := m.updateStatusFn(ctx, id, status); err != nil {
			return err
		}
	}
	m.updated[id] = status
	return nil
}

type mockReleaser struct {
	released [][2]string
}

func (m *mockReleaser) Release(userID, number string) {
	m.released = append(m.released, [2]string{userID, number})
}

func pendingSession(id, userID, number string, expiresAt time.Time) *model.RentalSession {
	return &model.RentalSession{
		ID:          id,
		UserID:      userID,
		Provider:    "smsrent",
		Service:     "telegram",
		PhoneNumber: number,
		Status:      model.SessionStatusPending,
		ExpiresAt:   expiresAt,
	}
}

// --- RunOnce のテスト ---

func TestJob_RunOnceExpiresOverdueSessions(t *testing.T) {
	store := newMockStore()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(10 * time.Minute)
	store.sessions = []*model.RentalSession{
		pendingSession("s1", "user-1", "+79001", past),
		pendingSession("s2", "user-1", "+79002", past),
		pendingSession("s3", "user-2", "+79003", future),
	}

	releaser := &mockReleaser{}
	job := NewJob(store, releaser, discardLogger())

	n, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error = %v", err)
	}
	if n != 2 {
		t.Errorf("失効件数 = %d, want 2", n)
	}
	if store.updated["s1"] != model.SessionStatusExpired {
		t.Errorf("s1 のステータス = %v, want expired", store.updated["s1"])
	}
	if store.updated["s2"] != model.SessionStatusExpired {
		t.Errorf("s2 のステータス = %v, want expired", store.updated["s2"])
	}
	if _, ok := store.updated["s3"]; ok {
		t.Error("期限前のセッション s3 が失効された")
	}
	if len(releaser.released) != 2 {
		t.Fatalf("解放回数 = %d, want 2", len(releaser.released))
	}
	if releaser.released[0] != [2]string{"user-1", "+79001"} {
		t.Errorf("解放対象 = %v, want [user-1 +79001]", releaser.released[0])
	}
}

func TestJob_RunOnceSkipsFailedUpdate(t *testing.T) {
	store := newMockStore()
	past := time.Now().Add(-time.Minute)
	store.sessions = []*model.RentalSession{
		pendingSession("s1", "user-1", "+79001", past),
		pendingSession("s2", "user-1", "+79002", past),
	}
	store.updateStatusFn = func(ctx context.Context, id string, status model.SessionStatus) error {
		if id == "s1" {
			return errors.New("db down")
		}
		return nil
	}

	releaser := &mockReleaser{}
	job := NewJob(store, releaser, discardLogger())
	// s1 で更新が失敗しても s2 の処理は続行する。ただしループが
	// 同じ失敗セッションで無限に回らないよう1バッチで打ち切る。
	job.BatchSize = 10

	n, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error = %v", err)
	}
	if n != 1 {
		t.Errorf("失効件数 = %d, want 1", n)
	}
	if len(releaser.released) != 1 || releaser.released[0][1] != "+79002" {
		t.Errorf("解放 = %v, want s2 のみ", releaser.released)
	}
}

// 保留上限でブロックされたユーザーが、スイープによる解放後に
// 再びレンタルを許可されることを確認する。
func TestJob_SweepUnblocksPendingCap(t *testing.T) {
	gov := rental.NewGovernor(rental.GovernorConfig{
		MaxPendingGlobal: 2,
		PacingInterval:   time.Nanosecond,
		WindowMax:        100,
	})
	defer gov.Stop()

	store := newMockStore()
	past := time.Now().Add(-time.Minute)
	for i, id := range []string{"s1", "s2"} {
		number := []string{"+79001", "+79002"}[i]
		store.sessions = append(store.sessions, pendingSession(id, "user-1", number, past))
		if res := gov.CheckAllowed("user-1"); !res.Allowed {
			t.Fatalf("事前チェックが拒否された: %v", res.Reason)
		}
		gov.RecordSuccess("user-1", number)
		time.Sleep(time.Millisecond)
	}

	if res := gov.CheckAllowed("user-2"); res.Allowed || res.Reason != rental.ReasonPendingCap {
		t.Fatalf("保留上限で拒否されるはずが %+v", res)
	}

	job := NewJob(store, gov, discardLogger())
	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error = %v", err)
	}

	if gov.PendingTotal() != 0 {
		t.Errorf("保留合計 = %d, want 0", gov.PendingTotal())
	}
	time.Sleep(time.Millisecond)
	if res := gov.CheckAllowed("user-2"); !res.Allowed {
		t.Errorf("スイープ後も拒否された: %v", res.Reason)
	}
}

// --- Start のテスト ---

func TestJob_StartStopsOnContextCancel(t *testing.T) {
	store := newMockStore()
	store.sessions = []*model.RentalSession{
		pendingSession("s1", "user-1", "+79001", time.Now().Add(-time.Minute)),
	}

	job := NewJob(store, &mockReleaser{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if store.updated["s1"] == model.SessionStatusExpired {
			break
		}
		select {
		case <-deadline:
			t.Fatal("スイープが実行されなかった")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("コンテキストキャンセル後に停止しなかった")
	}
}
