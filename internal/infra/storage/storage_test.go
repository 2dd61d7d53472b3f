package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "session.json")

	if err := AtomicWriteFile(path, []byte("v1")); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("content = %q, want v1", data)
	}

	// Повторная запись заменяет файл целиком.
	if err := AtomicWriteFile(path, []byte("v2")); err != nil {
		t.Fatalf("AtomicWriteFile() overwrite error = %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back after overwrite: %v", err)
	}
	if string(data) != "v2" {
		t.Fatalf("content after overwrite = %q, want v2", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != DefaultFilePerm {
		t.Fatalf("perm = %o, want %o", perm, DefaultFilePerm)
	}

	// Временные файлы не должны переживать запись.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
}

func TestEnsureDirNoop(t *testing.T) {
	t.Parallel()

	if err := EnsureDir("plain.txt"); err != nil {
		t.Fatalf("EnsureDir for bare file name: %v", err)
	}
	if err := EnsureDir(""); err != nil {
		t.Fatalf("EnsureDir for empty path: %v", err)
	}
}
