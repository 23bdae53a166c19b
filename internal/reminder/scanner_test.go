package reminder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"habittracker/internal/model"
	"habittracker/internal/pkg/telegram"
)

type mockStore struct {
	mu sync.Mutex

	dueFunc    func(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error)
	findFunc   func(ctx context.Context, nik string) (*model.User, error)
	advanced   map[uint]time.Time
	bound      map[uint]int64
	bindCalls  int
	advanceErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		advanced: map[uint]time.Time{},
		bound:    map[uint]int64{},
	}
}

func (m *mockStore) DueHabits(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error) {
	if m.dueFunc != nil {
		return m.dueFunc(ctx, start, end, wraps)
	}
	return nil, nil
}

func (m *mockStore) AdvanceHabit(ctx context.Context, habitID uint, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return m.advanceErr
	}
	m.advanced[habitID] = next
	return nil
}

func (m *mockStore) FindUserByTelegramNik(ctx context.Context, nik string) (*model.User, error) {
	if m.findFunc != nil {
		return m.findFunc(ctx, nik)
	}
	return nil, ErrUserNotFound
}

func (m *mockStore) BindChatID(ctx context.Context, userID uint, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindCalls++
	m.bound[userID] = chatID
	return nil
}

type mockGateway struct {
	mu sync.Mutex

	sendErr  error
	sent     []string
	sentTo   []int64
	updates  []telegram.Update
	pollErr  error
	sendFunc func(chatID int64, text string) error
}

func (m *mockGateway) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendFunc != nil {
		if err := m.sendFunc(chatID, text); err != nil {
			return err
		}
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, text)
	m.sentTo = append(m.sentTo, chatID)
	return nil
}

func (m *mockGateway) GetUpdates(ctx context.Context) ([]telegram.Update, error) {
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	return m.updates, nil
}

func testScanner(store Store, gateway telegram.Gateway) *Scanner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScanner(store, gateway, nil, nil, logger, time.Minute, 10*time.Minute, 2, 16)
}

func TestDispatch_AdvancesByPeriodicity(t *testing.T) {
	store := newMockStore()
	gw := &mockGateway{}
	s := testScanner(store, gw)

	when := time.Date(2024, 3, 15, 7, 5, 0, 0, time.UTC)
	h := &model.Habit{
		ID: 1, OwnerID: 10, Action: "run", Place: "park",
		Time: when, Periodicity: 3, TimeToComplete: 30,
		Owner: &model.User{ID: 10, TelegramChatID: 555},
	}

	result, err := s.Dispatch(context.Background(), h)
	if err != nil || result != ResultSent {
		t.Fatalf("expected sent, got result=%v err=%v", result, err)
	}
	if len(gw.sent) != 1 || gw.sentTo[0] != 555 {
		t.Fatalf("expected one message to chat 555, got %v / %v", gw.sent, gw.sentTo)
	}
	if !strings.Contains(gw.sent[0], "run") || !strings.Contains(gw.sent[0], "07:05") {
		t.Fatalf("unexpected reminder text: %q", gw.sent[0])
	}

	want := time.Date(2024, 3, 18, 7, 5, 0, 0, time.UTC)
	if got := store.advanced[1]; !got.Equal(want) {
		t.Fatalf("expected advance to %s, got %s", want, got)
	}
}

func TestDispatch_SkipsWithoutChatID(t *testing.T) {
	store := newMockStore()
	gw := &mockGateway{}
	s := testScanner(store, gw)

	h := &model.Habit{
		ID: 1, OwnerID: 10, Action: "run", Place: "park",
		Time: time.Now(), Periodicity: 1, TimeToComplete: 30,
		Owner: &model.User{ID: 10, TelegramChatID: 0},
	}

	result, err := s.Dispatch(context.Background(), h)
	if err != nil || result != ResultSkippedNoChat {
		t.Fatalf("expected skip, got result=%v err=%v", result, err)
	}
	if len(gw.sent) != 0 {
		t.Fatal("no message should be sent without a chat binding")
	}
	if len(store.advanced) != 0 {
		t.Fatal("schedule must not advance for an unbound owner")
	}
}

func TestDispatch_SendFailureDoesNotAdvance(t *testing.T) {
	store := newMockStore()
	gw := &mockGateway{sendErr: errors.New("telegram down")}
	s := testScanner(store, gw)

	h := &model.Habit{
		ID: 1, OwnerID: 10, Action: "run", Place: "park",
		Time: time.Now(), Periodicity: 1, TimeToComplete: 30,
		Owner: &model.User{ID: 10, TelegramChatID: 555},
	}

	result, err := s.Dispatch(context.Background(), h)
	if result != ResultFailed || err == nil {
		t.Fatalf("expected failure, got result=%v err=%v", result, err)
	}
	if len(store.advanced) != 0 {
		t.Fatal("schedule must not advance on send failure")
	}
}

func TestResolveChatLinks(t *testing.T) {
	store := newMockStore()
	store.findFunc = func(ctx context.Context, nik string) (*model.User, error) {
		if nik == "alice" {
			return &model.User{ID: 7, TelegramNik: "alice"}, nil
		}
		return nil, ErrUserNotFound
	}
	gw := &mockGateway{updates: []telegram.Update{
		{ChatID: 100, Username: "alice"},
		{ChatID: 200, Username: "nobody"},
		{ChatID: 300, Username: ""},
	}}
	s := testScanner(store, gw)

	if err := s.ResolveChatLinks(context.Background()); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if store.bound[7] != 100 {
		t.Fatalf("expected alice bound to chat 100, got %v", store.bound)
	}
	if store.bindCalls != 1 {
		t.Fatalf("unmatched senders must be skipped silently, got %d binds", store.bindCalls)
	}
}

func TestResolveChatLinks_Idempotent(t *testing.T) {
	store := newMockStore()
	store.findFunc = func(ctx context.Context, nik string) (*model.User, error) {
		return &model.User{ID: 7, TelegramNik: nik}, nil
	}
	gw := &mockGateway{updates: []telegram.Update{{ChatID: 100, Username: "alice"}}}
	s := testScanner(store, gw)

	// 不做 offset 确认，同一批消息重复处理必须收敛到同一状态
	for i := 0; i < 3; i++ {
		if err := s.ResolveChatLinks(context.Background()); err != nil {
			t.Fatalf("resolve #%d failed: %v", i, err)
		}
	}
	if store.bound[7] != 100 {
		t.Fatalf("expected chat 100 after repeated resolution, got %v", store.bound)
	}
}

func TestScanOnce_EndToEnd(t *testing.T) {
	now := time.Date(2024, 3, 15, 7, 5, 0, 0, time.UTC)

	due := &model.Habit{
		ID: 1, OwnerID: 10, Action: "morning run", Place: "park",
		Time:        time.Date(2024, 3, 15, 7, 0, 0, 0, time.UTC),
		Periodicity: 1, TimeToComplete: 20,
		Owner: &model.User{ID: 10, TelegramChatID: 555},
	}
	unbound := &model.Habit{
		ID: 2, OwnerID: 11, Action: "read", Place: "home",
		Time:        time.Date(2024, 3, 15, 7, 10, 0, 0, time.UTC),
		Periodicity: 2, TimeToComplete: 15,
		Owner: &model.User{ID: 11, TelegramChatID: 0},
	}

	store := newMockStore()
	store.dueFunc = func(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error) {
		if start != "06:55:00" || end != "07:15:00" || wraps {
			return nil, fmt.Errorf("unexpected window (%s, %s, %v)", start, end, wraps)
		}
		return []model.Habit{*due, *unbound}, nil
	}

	gw := &mockGateway{}
	s := testScanner(store, gw)
	s.now = func() time.Time { return now }

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(gw.sent) != 1 {
		t.Fatalf("expected exactly one reminder, got %d", len(gw.sent))
	}
	want := time.Date(2024, 3, 16, 7, 0, 0, 0, time.UTC)
	if got := store.advanced[1]; !got.Equal(want) {
		t.Fatalf("expected habit 1 advanced to %s, got %s", want, got)
	}
	if _, ok := store.advanced[2]; ok {
		t.Fatal("unbound habit must not advance")
	}
}

func TestScanOnce_CancelMidCycleReturns(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	habits := make([]model.Habit, 8)
	for i := range habits {
		id := uint(i + 1)
		habits[i] = model.Habit{
			ID: id, OwnerID: id, Action: fmt.Sprintf("habit-%d", id), Place: "home",
			Time:        time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			Periodicity: 1, TimeToComplete: 10,
			Owner: &model.User{ID: id, TelegramChatID: int64(id) * 100},
		}
	}

	store := newMockStore()
	store.dueFunc = func(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error) {
		return habits, nil
	}

	// 第一条发送成功的瞬间取消 ctx，模拟扫描中途收到停机信号
	ctx, cancel := context.WithCancel(context.Background())
	gw := &mockGateway{sendFunc: func(chatID int64, text string) error {
		cancel()
		return nil
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewScanner(store, gw, nil, nil, logger, time.Minute, 10*time.Minute, 1, 16)
	s.now = func() time.Time { return now }
	s.queue.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- s.ScanOnce(ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected scan error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scan must return after mid-cycle cancellation")
	}

	if len(gw.sent) != 1 {
		t.Fatalf("expected only the first reminder delivered, got %d", len(gw.sent))
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for id := uint(2); id <= 8; id++ {
		if _, ok := store.advanced[id]; ok {
			t.Fatalf("habit %d must not advance after cancellation", id)
		}
	}
}

func TestScanOnce_PerHabitFailureIsolation(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	mk := func(id uint, chatID int64) model.Habit {
		return model.Habit{
			ID: id, OwnerID: id, Action: fmt.Sprintf("habit-%d", id), Place: "home",
			Time:        time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			Periodicity: 1, TimeToComplete: 10,
			Owner: &model.User{ID: id, TelegramChatID: chatID},
		}
	}
	habits := []model.Habit{mk(1, 111), mk(2, 222), mk(3, 333)}

	store := newMockStore()
	store.dueFunc = func(ctx context.Context, start, end string, wraps bool) ([]model.Habit, error) {
		return habits, nil
	}

	gw := &mockGateway{sendFunc: func(chatID int64, text string) error {
		if chatID == 222 {
			return errors.New("chat unreachable")
		}
		return nil
	}}
	s := testScanner(store, gw)
	s.now = func() time.Time { return now }

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	if len(gw.sent) != 2 {
		t.Fatalf("expected 2 delivered reminders, got %d", len(gw.sent))
	}
	if _, ok := store.advanced[2]; ok {
		t.Fatal("failed habit must not advance")
	}
	if _, ok := store.advanced[1]; !ok {
		t.Fatal("habit 1 must advance despite habit 2 failing")
	}
	if _, ok := store.advanced[3]; !ok {
		t.Fatal("habit 3 must advance despite habit 2 failing")
	}
}
