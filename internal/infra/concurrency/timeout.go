// Файл timeout.go — автоматическая остановка приложения по APP_TIMEOUT.
package concurrency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"telegram-radar/internal/infra/logger"
)

// StartTimeoutTimer планирует вызов cancelFunc через timeoutSec секунд.
// Используется для ограничения времени жизни процесса: разовые прогоны,
// стенды, отладочные сессии. При нулевом таймауте или отменённом контексте
// ничего не делает; горутина снимается вместе с ctx.
func StartTimeoutTimer(ctx context.Context, timeoutSec int, cancelFunc context.CancelFunc) {
	if timeoutSec <= 0 || cancelFunc == nil {
		return
	}

	duration := time.Duration(timeoutSec) * time.Second

	go func() {
		logger.Info("Auto-shutdown timer started", zap.Duration("timeout", duration))

		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-timer.C:
			logger.Info("Auto-shutdown timeout reached, initiating graceful shutdown")
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}
