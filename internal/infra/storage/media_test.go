package storage

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestMediaStoreSave(t *testing.T) {
	t.Parallel()

	m := NewMediaStore(t.TempDir())

	path, err := m.Save(10, 100, 0, "image/jpeg", []byte("jpegdata"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("10", "100", "00.jpg")) {
		t.Fatalf("path = %q, want .../10/100/00.jpg", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("saved file unreadable: %v", err)
	}
	if string(data) != "jpegdata" {
		t.Fatalf("saved content = %q", data)
	}
}

func TestMediaStoreExisting(t *testing.T) {
	t.Parallel()

	m := NewMediaStore(t.TempDir())
	var want []string
	for i, mime := range []string{"image/jpeg", "image/png", "video/mp4"} {
		p, err := m.Save(10, 100, i, mime, []byte("x"))
		if err != nil {
			t.Fatalf("Save(%d) error = %v", i, err)
		}
		want = append(want, p)
	}

	got, err := m.Existing(10, 100)
	if err != nil {
		t.Fatalf("Existing() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Existing() = %v, want %v", got, want)
	}

	none, err := m.Existing(10, 999)
	if err != nil {
		t.Fatalf("Existing() for absent message error = %v", err)
	}
	if none != nil {
		t.Fatalf("Existing() for absent message = %v, want nil", none)
	}
}

func TestMediaStoreDisabled(t *testing.T) {
	t.Parallel()

	m := NewMediaStore("")
	if m.Enabled() {
		t.Fatal("empty root must disable the store")
	}
	if _, err := m.Save(10, 100, 0, "image/jpeg", []byte("x")); err == nil {
		t.Fatal("Save() on disabled store must fail")
	}
}

func TestExtByMime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want string
	}{
		{"image/jpeg", ".jpg"},
		{"IMAGE/PNG", ".png"},
		{"video/mp4", ".mp4"},
		{"application/octet-stream", ".bin"},
		{"", ".bin"},
	}
	for _, tc := range tests {
		if got := extByMime(tc.mime); got != tc.want {
			t.Fatalf("extByMime(%q) = %q, want %q", tc.mime, got, tc.want)
		}
	}
}
