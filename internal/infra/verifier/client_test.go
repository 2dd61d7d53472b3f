package verifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"telegram-radar/internal/infra/verifier"
)

// chatReply упаковывает content в формат chat completions.
func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		t.Errorf("encode reply: %v", err)
	}
}

func newClient(t *testing.T, url string, retries int) *verifier.Client {
	t.Helper()
	c := verifier.New(verifier.Options{
		URL:        url,
		Token:      "secret-token",
		Model:      "gpt-4o-mini",
		Timeout:    5 * time.Second,
		MaxRetries: retries,
	})
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c
}

func TestVerify(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" || len(req.Messages) != 2 {
			t.Errorf("unexpected request: model=%q messages=%d", req.Model, len(req.Messages))
		}
		chatReply(t, w, "```json\n{\"match\": true, \"confidence\": 0.93, \"comment\": \"объявление о продаже\", \"matched_items\": [\"iPhone 15 Pro\"]}\n```")
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 1)
	got, err := c.Verify(context.Background(), verifier.Request{
		Text:        "Продаю iPhone 15 Pro Max 256gb, идеал.",
		Query:       "продаю iphone 15 pro",
		Keywords:    []string{"iphone", "продаю"},
		Description: "sale of iPhone 15 Pro",
	})
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	want := verifier.Verdict{
		Match: true, Confidence: 0.93,
		Comment:      "объявление о продаже",
		MatchedItems: []string{"iPhone 15 Pro"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Verify() = %+v, want %+v", got, want)
	}
}

func TestVerifyUnparsableReplyIsNonMatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "к сожалению, не могу оценить это сообщение")
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 1)
	got, err := c.Verify(context.Background(), verifier.Request{Text: "текст", Query: "запрос"})
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if got.Match {
		t.Fatalf("Verify() on garbage reply = %+v, want non-match", got)
	}
}

func TestVerifyPermanentErrorStopsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": {"message": "invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 5)
	if _, err := c.Verify(context.Background(), verifier.Request{Text: "т", Query: "з"}); err == nil {
		t.Fatal("Verify() on 401 returned nil error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls on permanent error = %d, want 1", got)
	}
}

func TestVerifyRetriesAfterRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		chatReply(t, w, `{"match": false, "confidence": 0.1, "comment": "не то"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 1)
	got, err := c.Verify(context.Background(), verifier.Request{Text: "т", Query: "з"})
	if err != nil {
		t.Fatalf("Verify() after rate limit error: %v", err)
	}
	if got.Match || got.Comment != "не то" {
		t.Fatalf("Verify() = %+v, want non-match comment 'не то'", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 (429 then 200)", calls.Load())
	}
}

func TestVerifyBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `[{"id": 7, "match": true, "confidence": 0.8, "comment": "да"},
			{"id": 9, "match": false, "confidence": 0.2, "comment": "нет"}]`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 1)
	got, err := c.VerifyBatch(context.Background(), verifier.Request{Query: "запрос"}, []verifier.BatchItem{
		{ID: 7, Text: "первое"},
		{ID: 9, Text: "второе"},
	})
	if err != nil {
		t.Fatalf("VerifyBatch() error: %v", err)
	}
	want := map[int]verifier.Verdict{
		7: {Match: true, Confidence: 0.8, Comment: "да"},
		9: {Match: false, Confidence: 0.2, Comment: "нет"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("VerifyBatch() = %+v, want %+v", got, want)
	}
}

func TestDisabledVerifier(t *testing.T) {
	t.Parallel()

	c := newClient(t, "", 1)
	if c.Enabled() {
		t.Fatal("Enabled() = true for empty url")
	}
	if _, err := c.Verify(context.Background(), verifier.Request{}); !errors.Is(err, verifier.ErrDisabled) {
		t.Fatalf("Verify() error = %v, want ErrDisabled", err)
	}
	if _, err := c.VerifyBatch(context.Background(), verifier.Request{}, []verifier.BatchItem{{ID: 1}}); !errors.Is(err, verifier.ErrDisabled) {
		t.Fatalf("VerifyBatch() error = %v, want ErrDisabled", err)
	}
}
