// Package concurrency — примитивы конкурентной обработки потока апдейтов:
// дебаунс правок, дедупликация повторов, автостоп по таймеру.
//
// Debouncer сглаживает лавину правок одного сообщения. Telegram шлёт
// UpdateEdit* на каждое нажатие автора в течение окна редактирования; гонять
// каждую версию через каскад сопоставления бессмысленно. Дебаунсер откладывает
// обработку, пока правки не утихнут, и исполняет колбэк один раз — с последней
// версией текста.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// editKey — ключ дебаунса. Идентификаторы сообщений в Telegram уникальны
// только внутри канала, поэтому ключ составной: один и тот же msgID в двух
// отслеживаемых супергруппах — это два разных сообщения.
type editKey struct {
	chat int64
	msg  int
}

// Debouncer откладывает колбэки по ключу (чат, сообщение) и исполняет только
// последний после паузы. Потокобезопасен.
type Debouncer struct {
	mu      sync.Mutex
	pending map[editKey]pendingEntry
	timeout time.Duration

	runMu  sync.Mutex         // сериализует Start/Stop
	ctx    context.Context    // контекст активного запуска
	cancel context.CancelFunc // остановка с немедленным дренажом
	wg     sync.WaitGroup     // ожидание наблюдателя waitCancel
}

// pendingEntry держит таймер и колбэк, чтобы при остановке дренаж мог
// исполнить отложенное вручную.
type pendingEntry struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer создаёт дебаунсер с паузой timeoutMS миллисекунд между
// последней правкой и исполнением. Привязка к жизненному циклу — через Start.
func NewDebouncer(timeoutMS int) *Debouncer {
	return &Debouncer{
		pending: make(map[editKey]pendingEntry),
		timeout: time.Duration(timeoutMS) * time.Millisecond,
	}
}

// Start привязывает дебаунсер к контексту и запускает наблюдателя, который
// при отмене дренирует накопленное. Повторный Start — no-op, nil-контекст
// означает «не запускать».
func (d *Debouncer) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.ctx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Go(func() { d.waitCancel(runCtx) })
}

// Stop отменяет контекст, дожидается наблюдателя и синхронно исполняет все
// отложенные колбэки. После возврата активных таймеров не остаётся: правки,
// пойманные до остановки, доедут до каскада.
func (d *Debouncer) Stop() {
	d.runMu.Lock()
	var cancel context.CancelFunc
	d.mu.Lock()
	cancel = d.cancel
	d.cancel = nil
	d.ctx = nil
	d.mu.Unlock()
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.flushPending()
}

// Do откладывает fn для пары (chatID, msgID) на timeout. Повторный вызов для
// того же ключа перезапускает таймер и заменяет колбэк. На остановленном
// дебаунсере fn исполняется сразу.
func (d *Debouncer) Do(chatID int64, msgID int, fn func()) {
	key := editKey{chat: chatID, msg: msgID}

	d.mu.Lock()

	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		fn()
		return
	}

	if entry, exists := d.pending[key]; exists {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}

	timer := time.AfterFunc(d.timeout, func() {
		d.execute(key)
	})
	d.pending[key] = pendingEntry{
		timer: timer,
		fn:    fn,
	}
	d.mu.Unlock()
}

// execute извлекает отложенный вызов под локом и исполняет его вне критической
// секции. Отсутствие записи — норма: её мог забрать дренаж Stop.
func (d *Debouncer) execute(key editKey) {
	var fn func()

	d.mu.Lock()
	if entry, ok := d.pending[key]; ok {
		delete(d.pending, key)
		fn = entry.fn
	}
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (d *Debouncer) waitCancel(ctx context.Context) {
	<-ctx.Done()
	d.flushPending()
}

// flushPending гасит таймеры и исполняет все накопленные колбэки. Снапшот
// берётся под локом, исполнение — вне его.
func (d *Debouncer) flushPending() {
	var entries []pendingEntry

	d.mu.Lock()
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entries = append(entries, entry)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, entry := range entries {
		entry.fn()
	}
}
