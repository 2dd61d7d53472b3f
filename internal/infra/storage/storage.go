// Package storage — локальные файлы радара: MTProto-сессия, bolt-состояние
// менеджера апдейтов, медиа-вложения совпадений. Всё пишется атомарно:
// полузаписанная сессия равна разлогину, полузаписанное вложение — битой
// картинке в уведомлении.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"telegram-radar/internal/infra/logger"
)

// DefaultFilePerm — права на файлы радара: сессия и базы доступны только
// владельцу процесса.
const DefaultFilePerm = 0o600

// EnsureDir создаёт каталог для файла path. Путь без каталога ("." или
// пустая строка) пропускается.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile пишет data в path через временный файл: write → fsync →
// chmod → close → rename → fsync каталога. Либо старый файл остаётся цел,
// либо новый записан целиком. Rename атомарен только в пределах одного тома,
// поэтому temp создаётся рядом с целевым файлом; fsync каталога — best
// effort, не каждая ФС его поддерживает.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(DefaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
