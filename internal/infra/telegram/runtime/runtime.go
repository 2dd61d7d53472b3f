// Package telegramruntime — случайные паузы между обращениями к Telegram.
// Радар листает диалоги и историю, эмулирует набор текста и выдерживает
// паузу перед отправкой уведомления; равные машинные интервалы в этих местах
// выдают бота, поэтому длительность всегда берётся из окна случайно.

package telegramruntime

import (
	"context"
	"math/rand/v2"
	"time"

	"telegram-radar/internal/infra/logger"
)

// Дефолтное окно ожидания, мс.
const (
	defaultWaitMinMs = 1111
	defaultWaitMaxMs = 3333
)

// WaitRandomTimeMs спит случайное время из [minMs, maxMs), прерываясь по
// ctx. Обе границы нулевые — берётся дефолтное окно; равные границы — ровно
// это значение; отрицательный минимум или max < min — ошибка в лог и выход
// без ожидания.
func WaitRandomTimeMs(ctx context.Context, minMs, maxMs int) {
	switch {
	case minMs == 0 && maxMs == 0:
		minMs = defaultWaitMinMs
		maxMs = defaultWaitMaxMs
	case minMs <= 0:
		logger.Error("WaitRandomTimeMs: wait time <= 0")
		return
	case maxMs < minMs:
		logger.Error("WaitRandomTimeMs: max < min")
		return
	}

	delta := maxMs
	if maxMs > minMs {
		delta = rand.IntN(maxMs-minMs) + minMs // #nosec G404
	}
	delay := time.Duration(delta) * time.Millisecond

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Осушаем канал, если тик успел случиться до Stop.
		if !timer.Stop() {
			<-timer.C
		}
		return
	case <-timer.C:
		return
	}
}

// WaitRandomTime — WaitRandomTimeMs с дефолтным окном.
func WaitRandomTime(ctx context.Context) {
	WaitRandomTimeMs(ctx, 0, 0)
}
