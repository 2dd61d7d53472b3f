package botapinotifier

import (
	"errors"
	"time"

	"telegram-radar/internal/infra/throttle"
)

// retryAfterProvider — контракт ошибок Bot API, несущих параметр retry_after.
// Конкретный тип ошибки приводится через errors.As.
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// BotAPIRetryAfterExtractor извлекает retry_after из ошибки и возвращает
// троттлеру точную серверную паузу. Джиттер не добавляется принципиально:
// интервал, который отдал сервер, соблюдается ровно. Нулевое значение — как
// отсутствие рекомендации, троттлер применит общий backoff.
func BotAPIRetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}

		var provider retryAfterProvider
		if !errors.As(err, &provider) {
			return 0, false
		}

		wait := provider.RetryAfter()
		if wait <= 0 {
			return 0, false
		}
		return wait, true
	}
}
