package bge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"telegram-radar/internal/infra/bge"
)

func TestEmbed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "продам велосипед" {
			t.Errorf("request text = %q", req.Text)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.25, -0.5, 1}})
	}))
	defer srv.Close()

	c := bge.New(srv.URL, 5*time.Second, time.Minute)
	got, err := c.Embed(context.Background(), "продам велосипед")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if want := []float32{0.25, -0.5, 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Embed() = %v, want %v", got, want)
	}
}

func TestEmbedServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := bge.New(srv.URL, 5*time.Second, time.Minute)
	if _, err := c.Embed(context.Background(), "текст"); err == nil {
		t.Fatal("Embed() on 503 returned nil error")
	}
	// Ошибка запроса фиксируется в кэше здоровья на весь TTL.
	if c.Alive(context.Background()) {
		t.Fatal("Alive() after failed Embed() = true, want false")
	}
}

func TestAliveCachesProbe(t *testing.T) {
	t.Parallel()

	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := bge.New(srv.URL, 5*time.Second, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !c.Alive(ctx) {
			t.Fatalf("Alive() #%d = false, want true", i+1)
		}
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("health probes = %d, want 1 (cached)", got)
	}
}

func TestAliveProbeExpires(t *testing.T) {
	t.Parallel()

	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := bge.New(srv.URL, 5*time.Second, time.Millisecond)
	ctx := context.Background()
	c.Alive(ctx)
	time.Sleep(5 * time.Millisecond)
	c.Alive(ctx)
	if got := probes.Load(); got != 2 {
		t.Fatalf("health probes = %d, want 2 (TTL expired)", got)
	}
}

func TestDisabledClient(t *testing.T) {
	t.Parallel()

	c := bge.New("", 5*time.Second, time.Minute)
	if c.Enabled() {
		t.Fatal("Enabled() = true for empty url")
	}
	if c.Alive(context.Background()) {
		t.Fatal("Alive() = true for disabled client")
	}
	if _, err := c.Embed(context.Background(), "текст"); err == nil {
		t.Fatal("Embed() on disabled client returned nil error")
	}
}
