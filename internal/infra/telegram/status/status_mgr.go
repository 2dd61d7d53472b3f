// Package status — эмуляция присутствия аккаунта радара. Радар живёт под
// пользовательским аккаунтом, и его сетевое поведение не должно выглядеть
// машинным: перед доставкой уведомлений клиентским транспортом аккаунт
// уводится в online, статус «печатает» включается на время, похожее на
// ручной набор, а offline наступает по случайному таймауту простоя.
package status

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/telegram/connection"

	"github.com/gotd/td/telegram"
)

// statusManager держит аккаунт в online, пока приходят сигналы активности,
// и по таймауту простоя уводит в offline.
type statusManager struct {
	client *telegram.Client
	pingCh chan int // сигналы активности; буфер 1, всплески схлопываются
}

// Синглтон менеджера на процесс. Доступ под statusMu.
var (
	manager *statusManager

	statusWg     sync.WaitGroup
	statusMu     sync.Mutex
	statusCancel context.CancelFunc
)

// Start запускает глобальный менеджер статуса. Повторный вызов при живом
// менеджере игнорируется. ctx задаёт жизненный цикл менеджера.
func Start(ctx context.Context, client *telegram.Client) {
	statusMu.Lock()
	defer statusMu.Unlock()

	if manager != nil {
		return
	}

	// Под-контекст, чтобы Stop гасил менеджер не трогая родителя.
	runCtx, cancel := context.WithCancel(ctx)
	m := &statusManager{
		client: client,
		pingCh: make(chan int, 1),
	}
	manager = m
	statusCancel = cancel
	statusWg.Go(func() {
		m.run(runCtx, ctx)
	})
}

// Stop останавливает менеджер и дожидается завершения его цикла. Повторные
// вызовы безопасны.
func Stop() {
	statusMu.Lock()
	m := manager
	cancel := statusCancel
	manager = nil
	statusCancel = nil
	statusMu.Unlock()

	if m == nil {
		return
	}

	if cancel != nil {
		cancel()
	}
	statusWg.Wait()
}

// ping сообщает о свежей активности и продлевает online на wait миллисекунд.
// При заполненном буфере сигнал теряется без вреда: таймер уже будет сброшен.
func (m *statusManager) ping(wait int) {
	select {
	case m.pingCh <- wait:
	default:
	}
}

// GoOnline переводит аккаунт в online. Окно до авто-offline выбирается
// случайно из короткого или длинного диапазона с вероятностями 80/20, чтобы
// уходы в offline не были шаблонными. Без запущенного менеджера — no-op.
func GoOnline() {
	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, err := os.Getwd(); err == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}
	logger.Debugf("GoOnline: caller: %s", callerLocation)

	if manager == nil {
		return
	}

	const (
		shortMin   = 5678
		shortMax   = 12345
		longMin    = 34567
		longMax    = 45678
		shortRatio = 0.8
	)
	var minMs, maxMs int

	ratio := rand.Float64() // #nosec G404
	if ratio < shortRatio {
		minMs, maxMs = shortMin, shortMax
	} else {
		minMs, maxMs = longMin, longMax
	}

	manager.ping(randomMs(minMs, maxMs))
}

// GoOnlineMinMs — GoOnline с явными границами окна до offline. При
// перепутанных границах откатывается к GoOnline с дефолтными диапазонами.
func GoOnlineMinMs(minMs, maxMs int) {
	if manager == nil {
		return
	}

	if maxMs < minMs {
		logger.Error("GoOnlineMinMs: max < min; used GoOnline() instead")
		GoOnline()
		return
	}
	manager.ping(randomMs(minMs, maxMs))
}

// randomMs — равномерное целое из [minMs, maxMs], границы включены.
func randomMs(minMs, maxMs int) int {
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
	}
	return rand.IntN(maxMs-minMs+1) + minMs // #nosec G404
}

// setOnline шлёт AccountUpdateStatus(online), если последний апдейт был
// больше минуты назад: частые пинги не должны спамить API.
func (m *statusManager) setOnline(ctx context.Context, online *bool, lastOnlineAt *time.Time) {
	if online == nil || lastOnlineAt == nil || m == nil {
		return
	}
	if *online && time.Since(*lastOnlineAt) < time.Minute {
		return
	}
	connection.WaitOnline(ctx)
	if _, err := m.client.API().AccountUpdateStatus(ctx, false); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debugf("StatusManager: context cancelled while going online (%v)", err)
			return
		}
		connection.HandleError(err)
		logger.Errorf("StatusManager: failed to go online: %v", err)
		return
	}
	logger.Debug("StatusManager: AccountUpdateStatus to online")
	*online = true
	*lastOnlineAt = time.Now()
}

// setOffline шлёт AccountUpdateStatus(offline), если аккаунт сейчас online.
func (m *statusManager) setOffline(ctx context.Context, reason string, online *bool) {
	if online == nil || m == nil {
		return
	}
	if !*online {
		return
	}

	connection.WaitOnline(ctx)
	if _, err := m.client.API().AccountUpdateStatus(ctx, true); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debugf("StatusManager: context cancelled while going offline (%v)", err)
			return
		}
		connection.HandleError(err)
		logger.Errorf("StatusManager: failed to go offline (%s): %v", reason, err)
		return
	}
	logger.Debugf("StatusManager: AccountUpdateStatus to offline (%s)", reason)
	*online = false
}

// run — цикл менеджера: пинг включает online и взводит будильник на offline,
// тишина по будильнику уводит в offline. Перед Reset таймер останавливается и
// его канал осушается, иначе можно поймать старый тик. На отмене контекста
// отправляется прощальный offline.
func (m *statusManager) run(runCtx context.Context, clientCtx context.Context) {
	online := false
	lastOnlineAt := time.Now()
	timer := time.NewTimer(time.Hour)
	timer.Stop() // активируется первым пингом

	for {
		select {
		case <-runCtx.Done():
			m.setOffline(clientCtx, "exiting", &online)
			return
		case waitMs := <-m.pingCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			m.setOnline(clientCtx, &online, &lastOnlineAt)
			randomTimeout := time.Duration(waitMs) * time.Millisecond
			logger.Debugf("StatusManager: activity detected, next offline in %v", randomTimeout)
			timer.Reset(randomTimeout)

		case <-timer.C:
			m.setOffline(clientCtx, "idle timeout", &online)
		}
	}
}
