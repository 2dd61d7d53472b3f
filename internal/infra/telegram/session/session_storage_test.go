package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"telegram-radar/internal/infra/telegram/session"

	tdsession "github.com/gotd/td/session"
)

func TestLoadSessionMissingFile(t *testing.T) {
	t.Parallel()

	fs := &session.FileStorage{Path: filepath.Join(t.TempDir(), "session.json")}
	if _, err := fs.LoadSession(context.Background()); !errors.Is(err, tdsession.ErrNotFound) {
		t.Fatalf("LoadSession() error = %v, want tdsession.ErrNotFound", err)
	}
}

func TestStoreAndLoadSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	fs := &session.FileStorage{Path: path}

	want := []byte(`{"dc": 2, "auth_key": "deadbeef"}`)
	if err := fs.StoreSession(ctx, want); err != nil {
		t.Fatalf("StoreSession() error: %v", err)
	}

	got, err := fs.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("LoadSession() = %q, want %q", got, want)
	}

	// Файл сессии не должен быть доступен другим пользователям машины.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("session file perm = %o, want 600", perm)
	}
}

func TestStoreSessionOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := &session.FileStorage{Path: filepath.Join(t.TempDir(), "session.json")}

	if err := fs.StoreSession(ctx, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := fs.StoreSession(ctx, []byte("second")); err != nil {
		t.Fatal(err)
	}
	got, err := fs.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("LoadSession() after overwrite = %q", got)
	}
}

func TestNilStorageRejected(t *testing.T) {
	t.Parallel()

	var fs *session.FileStorage
	if _, err := fs.LoadSession(context.Background()); err == nil {
		t.Error("LoadSession() on nil storage returned nil error")
	}
	if err := fs.StoreSession(context.Background(), []byte("x")); err == nil {
		t.Error("StoreSession() on nil storage returned nil error")
	}
}
