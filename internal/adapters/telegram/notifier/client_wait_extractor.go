package telegramnotifier

import (
	"math/rand/v2"
	"time"

	"telegram-radar/internal/infra/throttle"

	"github.com/gotd/td/tgerr"
)

// floodWaitJitterMax — верхняя граница случайной добавки к обязательному
// FLOOD_WAIT. Разносит повторы параллельных воркеров, чтобы они не входили в
// лимит Telegram синхронно.
const floodWaitJitterMax = 3 * time.Second

// FloodWaitExtractor распознаёт FLOOD_WAIT и FLOOD_PREMIUM_WAIT из Telegram
// API и возвращает троттлеру (пауза из ошибки + джиттер, true). На прочие
// ошибки отвечает (0, false) — они уходят в обычный бэкоф.
func FloodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}

		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}

		return wait + nextFloodWaitJitter(), true
	}
}

// nextFloodWaitJitter — случайная добавка из [0, floodWaitJitterMax).
// math/rand/v2 потокобезопасен, отдельный RNG не нужен.
func nextFloodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}
