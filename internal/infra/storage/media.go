package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MediaStore раскладывает вложения сообщений по каталогам
// <root>/<chat>/<message>/NN.<ext>. Пустой root выключает сохранение медиа.
type MediaStore struct {
	root string
}

// NewMediaStore создаёт хранилище вложений с корнем root.
func NewMediaStore(root string) *MediaStore {
	return &MediaStore{root: root}
}

// Enabled сообщает, задан ли корень хранилища.
func (m *MediaStore) Enabled() bool { return m != nil && m.root != "" }

// Dir возвращает каталог вложений сообщения.
func (m *MediaStore) Dir(chatID int64, messageID int) string {
	return filepath.Join(m.root, fmt.Sprintf("%d", chatID), fmt.Sprintf("%d", messageID))
}

// Save атомарно записывает одно вложение и возвращает его путь.
// Индекс фиксирует порядок вложений в имени файла.
func (m *MediaStore) Save(chatID int64, messageID int, index int, mime string, data []byte) (string, error) {
	if !m.Enabled() {
		return "", fmt.Errorf("хранилище медиа не сконфигурировано")
	}
	path := filepath.Join(m.Dir(chatID, messageID), fmt.Sprintf("%02d%s", index, extByMime(mime)))
	if err := AtomicWriteFile(path, data); err != nil {
		return "", fmt.Errorf("сохранение вложения %s: %w", path, err)
	}
	return path, nil
}

// Existing возвращает уже сохранённые вложения сообщения в порядке имён.
// Отсутствие каталога — не ошибка: сообщение без медиа.
func (m *MediaStore) Existing(chatID int64, messageID int) ([]string, error) {
	dir := m.Dir(chatID, messageID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение каталога вложений %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// extByMime подбирает расширение файла по mime-типу вложения.
func extByMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
