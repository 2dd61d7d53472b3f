package store_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"telegram-radar/internal/domain/matching"
	"telegram-radar/internal/infra/store"
)

// newTestStore открывает свежую базу во временном каталоге теста.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "radar.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return s
}

func TestAnalysisIdempotency(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	a := store.Analysis{
		SubscriptionID: 7,
		MessageID:      100,
		ChatID:         2001,
		Verdict:        matching.VerdictMatched,
		LexicalScore:   0.42,
		Confidence:     0.9,
		Prose:          "подходит по всем признакам",
	}

	inserted, err := s.InsertAnalysis(ctx, a)
	if err != nil {
		t.Fatalf("InsertAnalysis() error: %v", err)
	}
	if !inserted {
		t.Fatal("first InsertAnalysis() = false, want true")
	}

	// Повтор с другим вердиктом: строка обязана остаться прежней.
	a.Verdict = matching.VerdictRejectedVerifier
	inserted, err = s.InsertAnalysis(ctx, a)
	if err != nil {
		t.Fatalf("repeated InsertAnalysis() error: %v", err)
	}
	if inserted {
		t.Fatal("repeated InsertAnalysis() = true, want false")
	}

	has, err := s.HasAnalysis(ctx, 7, 100, 2001)
	if err != nil || !has {
		t.Fatalf("HasAnalysis() = %v, %v; want true, nil", has, err)
	}
	matched, err := s.IsAnalysisMatched(ctx, 7, 100, 2001)
	if err != nil || !matched {
		t.Fatalf("IsAnalysisMatched() = %v, %v; want true, nil", matched, err)
	}
	if matched, _ := s.IsAnalysisMatched(ctx, 7, 101, 2001); matched {
		t.Fatal("IsAnalysisMatched() for unseen message = true, want false")
	}
}

func TestNotifiedOncePerUser(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkNotified(ctx, 42, 100, 2001)
	if err != nil {
		t.Fatalf("MarkNotified() error: %v", err)
	}
	if !first {
		t.Fatal("first MarkNotified() = false, want true")
	}
	second, err := s.MarkNotified(ctx, 42, 100, 2001)
	if err != nil {
		t.Fatalf("repeated MarkNotified() error: %v", err)
	}
	if second {
		t.Fatal("repeated MarkNotified() = true, want false")
	}

	notified, err := s.IsNotifiedToUser(ctx, 42, 100, 2001)
	if err != nil || !notified {
		t.Fatalf("IsNotifiedToUser() = %v, %v; want true, nil", notified, err)
	}
	if notified, _ := s.IsNotifiedToUser(ctx, 43, 100, 2001); notified {
		t.Fatal("IsNotifiedToUser() for another user = true, want false")
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, store.User{ID: 42, Username: "buyer", Priority: 1}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}

	want := store.Subscription{
		UserID:      42,
		Query:       "продаю iphone 15 pro",
		Description: "sale of iPhone 15 Pro",
		Keywords:    []string{"iphone", "продаю", "15", "pro"},
		Negatives:   []string{"на запчасти"},
		Embeddings: map[string][]float32{
			"iphone": {0.1, 0.2, 0.3},
		},
		NegEmbeddings: map[string][]float32{},
		Active:        true,
		ChatIDs:       []int64{2001, 2002},
	}

	id, err := s.CreateSubscription(ctx, want)
	if err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	want.ID = id

	got, err := s.SubscriptionByID(ctx, id)
	if err != nil {
		t.Fatalf("SubscriptionByID() error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SubscriptionByID() = %+v, want %+v", got, want)
	}

	priority, err := s.UserPriority(ctx, 42)
	if err != nil || priority != 1 {
		t.Fatalf("UserPriority() = %d, %v; want 1, nil", priority, err)
	}
}

func TestActiveSubscriptionsForChat(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, store.User{ID: 1}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}

	// Без привязок: видна во всех чатах.
	everywhere, err := s.CreateSubscription(ctx, store.Subscription{UserID: 1, Query: "везде", Active: true})
	if err != nil {
		t.Fatalf("CreateSubscription(everywhere) error: %v", err)
	}
	// Привязана к 2001: видна только там.
	bound, err := s.CreateSubscription(ctx, store.Subscription{
		UserID: 1, Query: "только 2001", Active: true, ChatIDs: []int64{2001},
	})
	if err != nil {
		t.Fatalf("CreateSubscription(bound) error: %v", err)
	}
	// Неактивная не видна нигде.
	if _, err := s.CreateSubscription(ctx, store.Subscription{
		UserID: 1, Query: "выключена", Active: false, ChatIDs: []int64{2001},
	}); err != nil {
		t.Fatalf("CreateSubscription(inactive) error: %v", err)
	}

	cases := []struct {
		name   string
		chatID int64
		want   []int64
	}{
		{name: "boundChat", chatID: 2001, want: []int64{everywhere, bound}},
		{name: "otherChat", chatID: 2002, want: []int64{everywhere}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			subs, err := s.ActiveSubscriptionsForChat(ctx, tc.chatID)
			if err != nil {
				t.Fatalf("ActiveSubscriptionsForChat(%d) error: %v", tc.chatID, err)
			}
			got := make([]int64, 0, len(subs))
			for _, sub := range subs {
				got = append(got, sub.ID)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ActiveSubscriptionsForChat(%d) ids = %v, want %v", tc.chatID, got, tc.want)
			}
		})
	}

	ids, err := s.ActiveSubscriptionIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveSubscriptionIDs() error: %v", err)
	}
	if want := []int64{everywhere, bound}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ActiveSubscriptionIDs() = %v, want %v", ids, want)
	}
}

func TestSaveSubscriptionEmbeddings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, store.User{ID: 1}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}
	id, err := s.CreateSubscription(ctx, store.Subscription{
		UserID: 1, Query: "velo", Keywords: []string{"велосипед"}, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}

	pos := map[string][]float32{"велосипед": {0.5, -0.5}}
	neg := map[string][]float32{"детский": {1, 0}}
	if err := s.SaveSubscriptionEmbeddings(ctx, id, pos, neg); err != nil {
		t.Fatalf("SaveSubscriptionEmbeddings() error: %v", err)
	}

	got, err := s.SubscriptionByID(ctx, id)
	if err != nil {
		t.Fatalf("SubscriptionByID() error: %v", err)
	}
	if !reflect.DeepEqual(got.Embeddings, pos) || !reflect.DeepEqual(got.NegEmbeddings, neg) {
		t.Fatalf("embeddings after save = %+v / %+v, want %+v / %+v",
			got.Embeddings, got.NegEmbeddings, pos, neg)
	}
}

func TestBackfillCursorMonotonic(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if cur, err := s.BackfillCursor(ctx, 2001); err != nil || cur != 0 {
		t.Fatalf("BackfillCursor(fresh) = %d, %v; want 0, nil", cur, err)
	}

	steps := []struct {
		save int
		want int
	}{
		{save: 100, want: 100},
		{save: 50, want: 100}, // назад не откатывается
		{save: 200, want: 200},
	}
	for _, step := range steps {
		if err := s.SaveBackfillCursor(ctx, 2001, step.save); err != nil {
			t.Fatalf("SaveBackfillCursor(%d) error: %v", step.save, err)
		}
		cur, err := s.BackfillCursor(ctx, 2001)
		if err != nil {
			t.Fatalf("BackfillCursor() error: %v", err)
		}
		if cur != step.want {
			t.Fatalf("cursor after save(%d) = %d, want %d", step.save, cur, step.want)
		}
	}
}

func TestDeferredQueue(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	dueID, err := s.EnqueueDeferred(ctx, store.DeferredNotification{
		UserID: 42, MessageID: 100, ChatID: 2001,
		Payload:   []byte(`{"text":"due"}`),
		ReleaseAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("EnqueueDeferred(due) error: %v", err)
	}
	if _, err := s.EnqueueDeferred(ctx, store.DeferredNotification{
		UserID: 43, MessageID: 101, ChatID: 2001,
		Payload:   []byte(`{"text":"later"}`),
		ReleaseAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("EnqueueDeferred(later) error: %v", err)
	}

	due, err := s.DueDeferred(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueDeferred() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueID || string(due[0].Payload) != `{"text":"due"}` {
		t.Fatalf("DueDeferred() = %+v, want single job %d", due, dueID)
	}

	if err := s.DeleteDeferred(ctx, dueID); err != nil {
		t.Fatalf("DeleteDeferred() error: %v", err)
	}
	due, err = s.DueDeferred(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueDeferred() after delete error: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("DueDeferred() after delete = %+v, want empty", due)
	}
}

func TestWatchedChatIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertChat(ctx, store.Chat{ID: 2001, Kind: "super", Title: "Барахолка"}); err != nil {
		t.Fatalf("UpsertChat() error: %v", err)
	}
	if err := s.UpsertUser(ctx, store.User{ID: 1}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}
	if _, err := s.CreateSubscription(ctx, store.Subscription{
		UserID: 1, Query: "q", Active: true, ChatIDs: []int64{2002},
	}); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	// Чат неактивной подписки не попадает в объединение.
	if _, err := s.CreateSubscription(ctx, store.Subscription{
		UserID: 1, Query: "off", Active: false, ChatIDs: []int64{2003},
	}); err != nil {
		t.Fatalf("CreateSubscription(inactive) error: %v", err)
	}

	ids, err := s.WatchedChatIDs(ctx)
	if err != nil {
		t.Fatalf("WatchedChatIDs() error: %v", err)
	}
	if want := []int64{2001, 2002}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("WatchedChatIDs() = %v, want %v", ids, want)
	}
}

func TestMatchedUserPriorities(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, store.User{ID: 10, Priority: 2}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}
	if err := s.UpsertUser(ctx, store.User{ID: 11, Priority: 0}); err != nil {
		t.Fatalf("UpsertUser() error: %v", err)
	}
	subA, err := s.CreateSubscription(ctx, store.Subscription{UserID: 10, Query: "a", Active: true})
	if err != nil {
		t.Fatalf("CreateSubscription(a) error: %v", err)
	}
	subB, err := s.CreateSubscription(ctx, store.Subscription{UserID: 11, Query: "b", Active: true})
	if err != nil {
		t.Fatalf("CreateSubscription(b) error: %v", err)
	}

	for _, a := range []store.Analysis{
		{SubscriptionID: subA, MessageID: 100, ChatID: 2001, Verdict: matching.VerdictMatched},
		{SubscriptionID: subB, MessageID: 100, ChatID: 2001, Verdict: matching.VerdictMatched},
		{SubscriptionID: subB, MessageID: 101, ChatID: 2001, Verdict: matching.VerdictRejectedNgram},
	} {
		if _, err := s.InsertAnalysis(ctx, a); err != nil {
			t.Fatalf("InsertAnalysis() error: %v", err)
		}
	}

	got, err := s.MatchedUserPriorities(ctx, 2001, 100)
	if err != nil {
		t.Fatalf("MatchedUserPriorities() error: %v", err)
	}
	if want := map[int64]int{10: 2, 11: 0}; !reflect.DeepEqual(got, want) {
		t.Fatalf("MatchedUserPriorities() = %v, want %v", got, want)
	}

	// Отклонённые анализы не считаются конкуренцией.
	got, err = s.MatchedUserPriorities(ctx, 2001, 101)
	if err != nil {
		t.Fatalf("MatchedUserPriorities(101) error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("MatchedUserPriorities(101) = %v, want empty", got)
	}
}
