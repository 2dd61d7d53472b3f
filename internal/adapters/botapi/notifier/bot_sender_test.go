package botapinotifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"telegram-radar/internal/domain/notify"
	"telegram-radar/internal/infra/throttle"
)

// newTestSender собирает BotSender поверх httptest-сервера: базовый URL
// подменён, бэкофф укорочен до миллисекунд.
func newTestSender(t *testing.T, baseURL string) *BotSender {
	t.Helper()
	s := &BotSender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		throttler: throttle.New(100,
			throttle.WithMaxRetries(botSendMaxRetries),
			throttle.WithWaitExtractors(BotAPIRetryAfterExtractor()),
			throttle.WithBackoff(time.Millisecond, 5*time.Millisecond),
			throttle.WithRandom(func() float64 { return 0 }),
		),
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestDeliverText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sendMessage" {
			t.Errorf("path = %q, want /sendMessage", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("chat_id") != "42" || q.Get("text") != "нашёл совпадение" {
			t.Errorf("query = %v", q)
		}
		if q.Get("disable_web_page_preview") != "true" {
			t.Error("link preview not disabled")
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	outcome, err := s.Deliver(context.Background(), notify.Job{
		Payload: notify.Payload{UserID: 42, Text: "нашёл совпадение"},
	})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if outcome.Permanent || outcome.Retry || outcome.NetworkDown {
		t.Fatalf("Deliver() outcome = %+v, want zero", outcome)
	}
}

func TestDeliverPermanentErrorDropsJob(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	outcome, err := s.Deliver(context.Background(), notify.Job{
		Payload: notify.Payload{UserID: 42, Text: "текст"},
	})
	if err != nil {
		t.Fatalf("Deliver() on 403 error = %v, want nil with Permanent", err)
	}
	if !outcome.Permanent || outcome.PermanentError == nil {
		t.Fatalf("Deliver() outcome = %+v, want Permanent", outcome)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls on permanent error = %d, want 1", got)
	}
}

func TestDeliverRetriesAfterServerPause(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	if _, err := s.Deliver(context.Background(), notify.Job{
		Payload: notify.Payload{UserID: 7, Text: "т"},
	}); err != nil {
		t.Fatalf("Deliver() after retry_after error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2 (429 then 200)", got)
	}
}

func TestDeliverUploadsAttachments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	photo := filepath.Join(dir, "match.jpg")
	doc := filepath.Join(dir, "price.pdf")
	if err := os.WriteFile(photo, []byte("jpgdata"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(doc, []byte("pdfdata"), 0o600); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("chat_id"); got != "42" {
			t.Errorf("chat_id = %q", got)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	// Пустой текст: sendMessage не вызывается, несуществующий путь пропускается.
	outcome, err := s.Deliver(context.Background(), notify.Job{
		Payload: notify.Payload{
			UserID:     42,
			MediaPaths: []string{photo, filepath.Join(dir, "missing.bin"), doc},
		},
	})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if outcome.Permanent {
		t.Fatalf("Deliver() outcome = %+v", outcome)
	}
	mu.Lock()
	got := append([]string(nil), paths...)
	mu.Unlock()
	want := []string{"/sendPhoto", "/sendDocument"}
	if !slices.Equal(got, want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
}

func TestClassifyContextError(t *testing.T) {
	t.Parallel()

	outcome, err := classify(context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("classify(Canceled) error = %v", err)
	}
	if outcome.Permanent {
		t.Fatal("classify(Canceled) marked permanent")
	}
}

func TestUploadMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		method string
		field  string
	}{
		{"media/1234_1.jpg", "sendPhoto", "photo"},
		{"media/1234_2.PNG", "sendPhoto", "photo"},
		{"media/1234_3.webp", "sendPhoto", "photo"},
		{"media/1234_4.mp4", "sendDocument", "document"},
		{"media/noext", "sendDocument", "document"},
	}
	for _, tt := range tests {
		method, field := uploadMethod(tt.path)
		if method != tt.method || field != tt.field {
			t.Errorf("uploadMethod(%q) = %q/%q, want %q/%q", tt.path, method, field, tt.method, tt.field)
		}
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfterHeader("3"); got != 3*time.Second {
		t.Errorf("seconds: got %v", got)
	}
	if got := parseRetryAfterHeader(""); got != 0 {
		t.Errorf("empty: got %v", got)
	}
	if got := parseRetryAfterHeader("soon"); got != 0 {
		t.Errorf("garbage: got %v", got)
	}
	// Абсолютная дата в будущем должна давать положительную паузу.
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfterHeader(future); got <= 0 || got > 31*time.Second {
		t.Errorf("http date: got %v", got)
	}
}

func TestIsPermanentBotError(t *testing.T) {
	t.Parallel()

	if isPermanentBotError(http.StatusTooManyRequests, "Too Many Requests") {
		t.Error("429 marked permanent")
	}
	if isPermanentBotError(http.StatusBadRequest, "Too Many Requests: retry after 5") {
		t.Error("retry_after description marked permanent")
	}
	if !isPermanentBotError(http.StatusForbidden, "Forbidden: user is deactivated") {
		t.Error("403 not marked permanent")
	}
	if isPermanentBotError(http.StatusBadGateway, "Bad Gateway") {
		t.Error("5xx marked permanent")
	}
}
