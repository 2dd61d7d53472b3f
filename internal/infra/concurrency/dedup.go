// Deduplicator — кэш «недавно видели» поверх входящих апдейтов. После
// реконнекта или при догоне пропущенного gotd может отдать один и тот же
// апдейт повторно; без подавления каждое такое сообщение пошло бы через
// каскад сопоставления ещё раз и породило бы дубль уведомления.

package concurrency

import (
	"context"
	"sync"
	"time"

	"telegram-radar/internal/infra/logger"

	"go.uber.org/zap"
)

// seenKey — сигнатура события. EditDate входит в ключ: правка меняет дату и
// тем самым снимает дедупликацию для новой версии текста, нулевое значение
// соответствует первой версии сообщения.
type seenKey struct {
	chat     int64
	msg      int
	editDate int
}

// Deduplicator хранит сигнатуры обработанных событий и отвечает, является ли
// очередное событие повтором в пределах окна. Потокобезопасен.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[seenKey]time.Time // сигнатура -> срок годности записи
	window time.Duration

	runMu  sync.Mutex         // сериализует Start/Stop
	cancel context.CancelFunc // завершает фоновую очистку
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш с окном windowSec секунд. С нулевым окном запись
// протухает на том же тике времени, так что практический смысл имеют только
// положительные значения.
func NewDeduplicator(windowSec int) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[seenKey]time.Time),
		window: time.Duration(windowSec) * time.Second,
	}
}

// Start поднимает фоновую очистку устаревших сигнатур. Повторный Start — no-op,
// nil-контекст означает «не запускать».
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		// Раз в минуту вычищаем просроченное, чтобы карта не росла бесконечно.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.cleanup()
			}
		}
	})
}

// Stop завершает фоновую очистку и дожидается её окончания.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// DedupSeen возвращает true, если событие (chatID, msgID, editDate) уже
// встречалось в пределах окна. Иначе регистрирует сигнатуру и возвращает false.
func (d *Deduplicator) DedupSeen(chatID int64, msgID int, editDate int) bool {
	key := seenKey{chat: chatID, msg: msgID, editDate: editDate}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Logger().Debug("dedup seen",
			zap.Int64("chat", chatID), zap.Int("msg", msgID), zap.Int("edit_date", editDate))
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// cleanup удаляет сигнатуры с истёкшим сроком.
func (d *Deduplicator) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
