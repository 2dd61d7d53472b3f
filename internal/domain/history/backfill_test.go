package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/store"
	"telegram-radar/internal/infra/throttle"
)

type historyCall struct {
	chatID  int64
	topicID int
	minID   int
}

// fakeSource отдаёт заскриптованную историю и умеет падать заданное число раз.
type fakeSource struct {
	mu         sync.Mutex
	history    map[int64][]*stream.Message
	failures   map[int64][]error
	topics     map[int64][]stream.Topic
	calls      []historyCall
	reconnects int
	gate       chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		history:  make(map[int64][]*stream.Message),
		failures: make(map[int64][]error),
		topics:   make(map[int64][]stream.Topic),
	}
}

func (f *fakeSource) History(ctx context.Context, chatID int64, topicID, minID, limit int, fn func(*stream.Message) error) error {
	f.mu.Lock()
	f.calls = append(f.calls, historyCall{chatID: chatID, topicID: topicID, minID: minID})
	var fail error
	if q := f.failures[chatID]; len(q) > 0 {
		fail, f.failures[chatID] = q[0], q[1:]
	}
	msgs := append([]*stream.Message(nil), f.history[chatID]...)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	sent := 0
	for _, m := range msgs {
		if m.ID <= minID {
			continue
		}
		if topicID > 0 && m.TopicID != topicID {
			continue
		}
		if sent >= limit {
			break
		}
		if err := fn(m); err != nil {
			return err
		}
		sent++
	}
	return nil
}

func (f *fakeSource) Topics(ctx context.Context, chatID int64) ([]stream.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[chatID], nil
}

func (f *fakeSource) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeSource) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *fakeSource) callsFor(chatID int64) []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []historyCall
	for _, c := range f.calls {
		if c.chatID == chatID {
			out = append(out, c)
		}
	}
	return out
}

type fakeCursors struct {
	mu      sync.Mutex
	watched []int64
	chats   map[int64]store.Chat
	cursors map[int64]int
	saved   map[int64]int
}

func newFakeCursors(watched ...int64) *fakeCursors {
	return &fakeCursors{
		watched: watched,
		chats:   make(map[int64]store.Chat),
		cursors: make(map[int64]int),
		saved:   make(map[int64]int),
	}
}

func (f *fakeCursors) WatchedChatIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.watched...), nil
}

func (f *fakeCursors) BackfillCursor(ctx context.Context, chatID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[chatID], nil
}

func (f *fakeCursors) SaveBackfillCursor(ctx context.Context, chatID int64, lastMessageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[chatID] = lastMessageID
	f.cursors[chatID] = lastMessageID
	return nil
}

func (f *fakeCursors) ChatByID(ctx context.Context, id int64) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[id], nil
}

func (f *fakeCursors) savedCursor(chatID int64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.saved[chatID]
	return v, ok
}

// fakeSink копит сообщения, дошедшие до каскада.
type fakeSink struct {
	mu   sync.Mutex
	msgs []*stream.Message
}

func (f *fakeSink) Process(ctx context.Context, msg *stream.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSink) ids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.ID)
	}
	return out
}

type readyRecorder struct {
	mu    sync.Mutex
	ready []int64
}

func (r *readyRecorder) MarkReady(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, chatID)
}

func (r *readyRecorder) marked(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ready {
		if id == chatID {
			return true
		}
	}
	return false
}

func histMessage(chatID int64, id int, text string) *stream.Message {
	return &stream.Message{
		ID:     id,
		ChatID: chatID,
		Text:   text,
		Sender: stream.User{ID: 1, FirstName: "Автор"},
		Date:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

// newTestBackfill собирает прогрев с быстрым троттлером, чтобы бэкоф ретраев
// не растягивал тесты.
func newTestBackfill(t *testing.T, src *fakeSource, cur *fakeCursors, sink *fakeSink) (*Backfill, *readyRecorder) {
	t.Helper()
	ready := &readyRecorder{}
	b, err := New(Options{
		Depth:       100,
		MaxAttempts: 2,
		Client:      src,
		Store:       cur,
		Pipeline:    sink,
		Cache:       ready,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.throttler = throttle.New(100,
		throttle.WithMaxRetries(2),
		throttle.WithBackoff(time.Millisecond, 2*time.Millisecond),
		throttle.WithWaitExtractors(stream.AsFloodWait),
	)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b, ready
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	cur := newFakeCursors()
	sink := &fakeSink{}
	ready := &readyRecorder{}

	tests := []struct {
		name string
		opts Options
	}{
		{name: "без клиента", opts: Options{Store: cur, Pipeline: sink, Cache: ready}},
		{name: "без хранилища", opts: Options{Client: src, Pipeline: sink, Cache: ready}},
		{name: "без каскада", opts: Options{Client: src, Store: cur, Cache: ready}},
		{name: "без кэша", opts: Options{Client: src, Store: cur, Pipeline: sink}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.opts); err == nil {
				t.Fatal("New принял неполные опции")
			}
		})
	}
}

func TestRunReplaysAboveCursor(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	for id := 1; id <= 8; id++ {
		src.history[10] = append(src.history[10], histMessage(10, id, "объявление"))
	}
	cur := newFakeCursors(10)
	cur.cursors[10] = 5
	sink := &fakeSink{}
	b, ready := newTestBackfill(t, src, cur, sink)

	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Chats != 1 || st.Skipped != 0 || st.Messages != 3 {
		t.Fatalf("неожиданная сводка: %+v", st)
	}
	got := sink.ids()
	want := []int{6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("каскад получил %v, ожидалось %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("каскад получил %v, ожидалось %v", got, want)
		}
	}
	if saved, ok := cur.savedCursor(10); !ok || saved != 8 {
		t.Fatalf("курсор = %d (сохранён=%v), ожидалось 8", saved, ok)
	}
	if !ready.marked(10) {
		t.Fatal("кэш чата 10 не помечен готовым")
	}
	if last := b.Last(); last.Chats != 1 {
		t.Fatalf("Last().Chats = %d, ожидалось 1", last.Chats)
	}
}

func TestRunSkipsPermanentChat(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.failures[10] = []error{&stream.PermanentError{Reason: "CHANNEL_PRIVATE"}}
	src.history[11] = []*stream.Message{
		histMessage(11, 1, "первое"),
		histMessage(11, 2, "второе"),
	}
	cur := newFakeCursors(10, 11)
	sink := &fakeSink{}
	b, ready := newTestBackfill(t, src, cur, sink)

	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Chats != 1 || st.Skipped != 1 || st.Messages != 2 {
		t.Fatalf("неожиданная сводка: %+v", st)
	}
	if calls := src.callsFor(10); len(calls) != 1 {
		t.Fatalf("перманентная ошибка ретраилась: %d вызовов", len(calls))
	}
	if src.reconnectCount() != 0 {
		t.Fatalf("reconnects = %d, ожидалось 0", src.reconnectCount())
	}
	if _, ok := cur.savedCursor(10); ok {
		t.Fatal("курсор пропущенного чата сохранён")
	}
	if ready.marked(10) {
		t.Fatal("пропущенный чат помечен готовым")
	}
	if !ready.marked(11) {
		t.Fatal("чат 11 не помечен готовым")
	}
}

func TestRunRetriesTransientAndReconnects(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.failures[10] = []error{errors.New("net: connection reset")}
	src.history[10] = []*stream.Message{
		histMessage(10, 1, "первое"),
		histMessage(10, 2, "второе"),
		histMessage(10, 3, "третье"),
	}
	cur := newFakeCursors(10)
	sink := &fakeSink{}
	b, _ := newTestBackfill(t, src, cur, sink)

	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Chats != 1 || st.Skipped != 0 {
		t.Fatalf("неожиданная сводка: %+v", st)
	}
	// Сообщения посчитаны один раз, хотя попыток было две.
	if st.Messages != 3 {
		t.Fatalf("Messages = %d, ожидалось 3", st.Messages)
	}
	if src.reconnectCount() != 1 {
		t.Fatalf("reconnects = %d, ожидался 1", src.reconnectCount())
	}
	if saved, ok := cur.savedCursor(10); !ok || saved != 3 {
		t.Fatalf("курсор = %d (сохранён=%v), ожидалось 3", saved, ok)
	}
}

func TestRunFloodWaitDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	// Три паузы подряд при лимите в два ретрая: FLOOD_WAIT не расходует попытки.
	src.failures[10] = []error{
		&stream.FloodWaitError{Wait: time.Millisecond},
		&stream.FloodWaitError{Wait: time.Millisecond},
		&stream.FloodWaitError{Wait: time.Millisecond},
	}
	src.history[10] = []*stream.Message{histMessage(10, 1, "после паузы")}
	cur := newFakeCursors(10)
	sink := &fakeSink{}
	b, _ := newTestBackfill(t, src, cur, sink)

	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Chats != 1 || st.Messages != 1 {
		t.Fatalf("неожиданная сводка: %+v", st)
	}
	if src.reconnectCount() != 0 {
		t.Fatalf("после FLOOD_WAIT сессию пересоздавать не нужно, reconnects = %d", src.reconnectCount())
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.failures[10] = []error{
		errors.New("net: timeout"),
		errors.New("net: timeout"),
		errors.New("net: timeout"),
	}
	cur := newFakeCursors(10)
	sink := &fakeSink{}
	b, ready := newTestBackfill(t, src, cur, sink)

	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Chats != 0 || st.Skipped != 1 {
		t.Fatalf("неожиданная сводка: %+v", st)
	}
	// Первая попытка + два ретрая.
	if calls := src.callsFor(10); len(calls) != 3 {
		t.Fatalf("History вызвана %d раз, ожидалось 3", len(calls))
	}
	if src.reconnectCount() != 2 {
		t.Fatalf("reconnects = %d, ожидалось 2", src.reconnectCount())
	}
	if _, ok := cur.savedCursor(10); ok {
		t.Fatal("курсор сохранён несмотря на провал прогрева")
	}
	if ready.marked(10) {
		t.Fatal("провальный чат помечен готовым")
	}
}

func TestRunForumReplaysEachTopic(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.topics[10] = []stream.Topic{{ID: 2, Title: "Продажа"}, {ID: 5, Title: "Обсуждение"}}
	m1 := histMessage(10, 1, "в теме продаж")
	m1.TopicID = 2
	m2 := histMessage(10, 4, "в обсуждении")
	m2.TopicID = 5
	m3 := histMessage(10, 7, "в закрытой теме")
	m3.TopicID = 9
	src.history[10] = []*stream.Message{m1, m2, m3}
	cur := newFakeCursors(10)
	cur.chats[10] = store.Chat{ID: 10, Kind: "super", Forum: true}
	sink := &fakeSink{}
	b, _ := newTestBackfill(t, src, cur, sink)

	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := src.callsFor(10)
	if len(calls) != 2 || calls[0].topicID != 2 || calls[1].topicID != 5 {
		t.Fatalf("ожидался проход по темам 2 и 5, вызовы: %+v", calls)
	}
	if st.Messages != 2 {
		t.Fatalf("Messages = %d, ожидалось 2 (тема 9 не перечислена)", st.Messages)
	}
	if saved, ok := cur.savedCursor(10); !ok || saved != 4 {
		t.Fatalf("курсор = %d (сохранён=%v), ожидалось 4", saved, ok)
	}
}

func TestRunAuthLossAborts(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.failures[10] = []error{&stream.AuthError{Err: errors.New("AUTH_KEY_UNREGISTERED")}}
	src.history[11] = []*stream.Message{histMessage(11, 1, "не должно дойти")}
	cur := newFakeCursors(10, 11)
	sink := &fakeSink{}
	b, ready := newTestBackfill(t, src, cur, sink)

	_, err := b.Run(context.Background())
	if err == nil {
		t.Fatal("потеря сессии не прервала прогрев")
	}
	if !stream.IsAuth(err) {
		t.Fatalf("ошибка не классифицируется как потеря сессии: %v", err)
	}
	if calls := src.callsFor(11); len(calls) != 0 {
		t.Fatal("после потери сессии прогрев продолжил чат 11")
	}
	if ready.marked(11) {
		t.Fatal("чат 11 помечен готовым после аварийного выхода")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.gate = make(chan struct{})
	src.history[10] = []*stream.Message{histMessage(10, 1, "объявление")}
	cur := newFakeCursors(10)
	sink := &fakeSink{}
	b, _ := newTestBackfill(t, src, cur, sink)

	done := make(chan error, 1)
	go func() {
		_, err := b.Run(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !b.Running() {
		if time.Now().After(deadline) {
			t.Fatal("первый прогрев так и не стартовал")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := b.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("параллельный запуск вернул %v, ожидался ErrAlreadyRunning", err)
	}

	close(src.gate)
	if err := <-done; err != nil {
		t.Fatalf("первый прогрев завершился ошибкой: %v", err)
	}
	if b.Running() {
		t.Fatal("флаг running не сброшен после завершения")
	}
}

func TestRunEmptyWatchlist(t *testing.T) {
	t.Parallel()

	b, _ := newTestBackfill(t, newFakeSource(), newFakeCursors(), &fakeSink{})
	st, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Chats != 0 || st.Messages != 0 {
		t.Fatalf("пустой список чатов дал сводку %+v", st)
	}
}
