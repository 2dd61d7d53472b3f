// Package session — файловое хранилище MTProto-сессии. Запись на диск
// атомарная, без частичных состояний при падении посреди сохранения. Удачное
// сохранение сессии означает живую авторизацию, поэтому заодно отмечаем
// соединение активным: ждущие выхода в сеть отправители разблокируются.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/storage"
	"telegram-radar/internal/infra/telegram/connection"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage поверх одного файла на диске.
// Load/Store сериализуются мьютексом. Path — путь до файла сессии.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает сессию с диска. Отсутствие файла — tdsession.ErrNotFound,
// gotd в этом случае начинает авторизацию с нуля.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно пишет сессию на диск и отмечает соединение активным.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}

	logger.Debug("StoreSession: connection.MarkConnected")
	connection.MarkConnected()
	return nil
}
