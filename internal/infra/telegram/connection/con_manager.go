// Package connection — глобальное состояние MTProto-соединения радара.
// Радар держит одно долгоживущее соединение, через которое идёт и приём
// апдейтов, и бэкфилл истории, и доставка уведомлений. Обрыв переживается
// так: отправители блокируются в WaitOnline до восстановления, фоновый
// монитор щупает API лёгким RPC, а сетевые ошибки из любого слоя
// нормализуются через HandleError.
//
// Ожидание построено на «поколениях» канала: offline создаёт новый открытый
// канал, восстановление закрывает его и будит всех разом. Ожидатель, который
// проснулся по каналу уже прошлого поколения, просто ждёт дальше.
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/storage"
	"telegram-radar/internal/support/debug"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"
)

// Период и таймаут пробных RPC-вызовов в ожидании восстановления.
const (
	reconnectPingInterval = 10 * time.Second
	reconnectPingTimeout  = 5 * time.Second
)

// Единственный на процесс менеджер. Доступ под globalMu.
var (
	globalMu      sync.RWMutex
	globalManager *manager
)

// manager отслеживает состояние соединения. Признак online лежит в
// atomic.Bool и читается без блокировок; waitCh и monitorCancel — под mu.
type manager struct {
	client *telegram.Client
	ctx    context.Context // жизненный цикл менеджера, от него отпочковывается мониторинг

	connected atomic.Bool

	mu            sync.RWMutex
	waitCh        chan struct{}      // закрыт = online, открыт = ждём восстановления
	monitorCancel context.CancelFunc // гасит текущий monitorLoop
}

// Init ставит глобальный менеджер поверх клиента. Стартовое состояние —
// online с уже закрытым wait-каналом: ожидатели не должны блокироваться до
// первого реального обрыва. Повторный вызов перетирает предыдущий инстанс.
func Init(ctx context.Context, client *telegram.Client) {
	if client == nil {
		return
	}

	m := &manager{
		client: client,
		ctx:    ctx,
	}

	m.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	m.waitCh = ready

	globalMu.Lock()
	globalManager = m
	globalMu.Unlock()
}

// Shutdown снимает глобальный менеджер: останавливает мониторинг и закрывает
// wait-канал, чтобы все заблокированные в WaitOnline горутины проснулись и
// смогли завершиться.
func Shutdown() {
	globalMu.Lock()
	m := globalManager
	globalManager = nil
	globalMu.Unlock()

	if m != nil {
		m.shutdown()
	}
}

// MarkConnected переводит состояние в online. Вызывается из хранилища сессии
// при каждом удачном сохранении: раз сессия записана, соединение живо.
func MarkConnected() {
	if m := getManager(); m != nil {
		m.markConnected()
	}
}

// MarkDisconnected переводит состояние в offline и запускает мониторинг
// восстановления. Повторные вызовы в офлайне игнорируются.
func MarkDisconnected() {
	if m := getManager(); m != nil {
		m.markDisconnected()
	}
}

// Online сообщает текущее состояние. Без менеджера отвечает true, чтобы не
// стопорить вызывающих на этапах старта и останова.
func Online() bool {
	m := getManager()
	if m == nil {
		return true
	}
	return m.connected.Load()
}

// WaitOnline блокирует вызывающего до восстановления соединения или отмены
// ctx. В онлайне возвращается сразу. Пробуждение по каналу устаревшего
// поколения не считается восстановлением: цикл берёт свежий снимок и ждёт
// дальше.
func WaitOnline(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}

	m := getManager()
	if m == nil {
		return
	}

	if m.connected.Load() {
		return
	}

	// В debug-лог попадает место, которое повисло в ожидании: при разборе
	// зависшей доставки это первый вопрос.
	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, err := os.Getwd(); err == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Debugf("WaitOnline: blocking caller: %s", callerLocation)

	for {
		ch := m.currentWaitCh()
		select {
		case <-ctx.Done():
			logger.Debugf("WaitOnline: context done before reconnect: %v", ctx.Err())

			return
		case <-ch:
			if ch == m.currentWaitCh() {
				logger.Debug("WaitOnline: connection restored, resuming")
				return
			}
			// канал прошлого поколения, ждём актуальный
		}
	}
}

// HandleError классифицирует ошибку RPC-слоя. Сетевая ошибка переводит
// менеджер в offline, возвращается true; прочие ошибки остаются заботой
// вызывающего, возвращается false.
func HandleError(err error) bool {
	if !isNetworkError(err) {
		return false
	}

	MarkDisconnected()
	return true
}

func getManager() *manager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalManager
}

// currentWaitCh — снимок канала текущего поколения. nil-канал (менеджер в
// процессе останова) подменяется закрытым, чтобы ожидатель не завис навсегда.
func (m *manager) currentWaitCh() <-chan struct{} {
	m.mu.RLock()
	ch := m.waitCh
	m.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

// markConnected — идемпотентный переход в online: гасит мониторинг и
// закрывает wait-канал, если тот ещё открыт.
func (m *manager) markConnected() {
	if m == nil {
		return
	}

	if m.connected.Swap(true) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	ch := m.waitCh
	if ch == nil {
		ch = make(chan struct{})
		m.waitCh = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	m.mu.Unlock()

	logger.Info("ConnectionMonitor: connection restored")
}

// markDisconnected — атомарный переход online→offline: новое поколение
// wait-канала и свежий monitorLoop. Если уже офлайн, ничего не происходит.
func (m *manager) markDisconnected() {
	if m == nil {
		return
	}

	if !m.connected.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	m.waitCh = make(chan struct{})
	monitorCtx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel
	m.mu.Unlock()

	logger.Debug("ConnectionMonitor: connection lost, waiting for restore")
	go m.monitorLoop(monitorCtx)
}

// shutdown гасит мониторинг и закрывает wait-канал, будя ожидателей.
func (m *manager) shutdown() {
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	wait := m.waitCh
	m.waitCh = nil
	m.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		default:
			close(wait)
		}
	}
}

// monitorLoop раз в reconnectPingInterval пробует лёгкий RPC. Успех переводит
// менеджер в online и завершает цикл; отмена контекста завершает его молча.
func (m *manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectPingInterval)
	defer ticker.Stop()

	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		start := time.Now()

		client := m.client
		if client == nil {
			logger.Debugf("ConnectionMonitor: client is nil, waiting for reconnect (attempt=%d)", attempt)
		} else {
			pingCtx, cancel := context.WithTimeout(ctx, reconnectPingTimeout)
			err := m.probe(pingCtx, client)
			cancel()

			if err == nil {
				logger.Debugf("ConnectionMonitor: probe ok (attempt=%d, duration=%v)", attempt, time.Since(start))
				m.markConnected()
				return
			}

			switch {
			case errors.Is(err, net.ErrClosed), errors.Is(err, pool.ErrConnDead), errors.Is(err, rpc.ErrEngineClosed):
				logger.Debugf("ConnectionMonitor: probe aborted, connection closed (attempt=%d, duration=%v): %v", attempt, time.Since(start), err)
			case !isNetworkError(err):
				logger.Errorf("ConnectionMonitor: probe failed (attempt=%d, duration=%v): %v", attempt, time.Since(start), err)
			default:
				logger.Debugf("ConnectionMonitor: probe failed (attempt=%d, duration=%v): %v", attempt, time.Since(start), err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe выполняет Self() с защитой от паник движка: паника прилетает, когда
// RPC уходит в уже умерший транспорт, и трактуется как net.ErrClosed. Именно
// Self(), а не низкоуровневый ping: его успех означает готовность API-слоя
// целиком, а не только сокета.
func (m *manager) probe(ctx context.Context, client *telegram.Client) (err error) {
	if client == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("ConnectionMonitor: probe panic recovered: %v", r)
			err = net.ErrClosed
		}
	}()

	_, err = client.Self(ctx)
	return err
}

// isNetworkError решает, говорит ли ошибка об обрыве связи. Сетевыми
// считаются мёртвый пул и закрытый движок, исчерпанные ретраи, дедлайны, EOF
// и любые net.Error. Отмена контекста сетевой не считается: это штатное
// завершение, а не обрыв.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, pool.ErrConnDead) ||
		errors.Is(err, rpc.ErrEngineClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Непонятные ошибки в debug-режиме копятся в файл: по ним пополняется
	// список распознаваемых обрывов.
	if debug.DEBUG {
		logger.Warnf("isNetworkError: %v", err)
		logNonNetworkError(err)
	}

	return false
}

// Файл-копилка ошибок, не распознанных как сетевые.
const networkErrorsLogPath = "neterrors.log"

// logNonNetworkError дописывает ошибку в диагностический файл атомарной
// записью. Сбои самой записи не фатальны и уходят на debug-уровень.
func logNonNetworkError(err error) {
	entry := time.Now().UTC().Format(time.RFC3339Nano) + "\t" + err.Error() + "\n"

	data, readErr := os.ReadFile(networkErrorsLogPath)
	if readErr != nil && !os.IsNotExist(readErr) {
		logger.Debugf("isNetworkError: cannot read %s: %v", networkErrorsLogPath, readErr)
		return
	}

	if writeErr := storage.AtomicWriteFile(networkErrorsLogPath, append(data, entry...)); writeErr != nil {
		logger.Debugf("isNetworkError: cannot write %s: %v", networkErrorsLogPath, writeErr)
	}
}
