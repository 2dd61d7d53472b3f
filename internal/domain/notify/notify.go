// Пакет notify доставляет уведомления о совпадениях. Диспетчер принимает
// событие от конвейера, решает через политику приоритетов, отправлять сразу
// или придержать, собирает текст и отдаёт транспорту. Немедленная очередь
// живёт в памяти, отложенная — в SQLite и переживает рестарты.
//
// Дедупликацией диспетчер не занимается: запись notified делает конвейер до
// постановки, сюда попадают только события, которые точно надо доставить.
package notify

import (
	"context"
	"time"

	"telegram-radar/internal/domain/stream"
)

// Event — совпадение, готовое к доставке. Собирается конвейером после
// вердикта проверяющего.
type Event struct {
	UserID         int64
	SubscriptionID int64
	// Query — исходный текст подписки, показывается в шапке уведомления.
	Query     string
	Message   *stream.Message
	ChatTitle string
	// Prose — комментарий проверяющего о причине совпадения.
	Prose string
	// MatchedItems — подмножество позиций объявления, которые счёл
	// совпавшими проверяющий; пустое — показывается текст сообщения.
	MatchedItems []string
	// MatchedPhotos — индексы совпавших вложений в MediaPaths.
	MatchedPhotos []int
	// Competitors — округлённая оценка числа конкурирующих подписчиков.
	Competitors int
	// MediaPaths — сохранённые на диск вложения сообщения.
	MediaPaths []string
}

// Payload — сериализуемая полезная нагрузка доставки. Именно в этом виде
// отложенные уведомления лежат в базе, поэтому JSON-схема стабильна.
type Payload struct {
	UserID     int64    `json:"user_id"`
	Text       string   `json:"text"`
	MediaPaths []string `json:"media_paths,omitempty"`
	MessageID  int      `json:"message_id"`
	ChatID     int64    `json:"chat_id"`
}

// Job — единица работы немедленной очереди.
type Job struct {
	ID        int64
	Payload   Payload
	Attempts  int
	CreatedAt time.Time
}

// Outcome — результат попытки доставки одного задания транспортом.
//   - Permanent — получателю доставить нельзя (бан, приватность), задание снимается;
//   - NetworkDown — транспорт оффлайн; очередь вернёт задание в начало и подождёт сеть;
//   - Retry — транспорт просит повторить позже (например, 429).
type Outcome struct {
	Permanent      bool
	PermanentError error
	NetworkDown    bool
	Retry          bool
}

// Sender — транспорт доставки. Реализации обязаны быть идемпотентными к
// повтору одного задания (детерминированный random_id или его аналог).
// Опционально реализуют BeforeDrain(ctx), WaitOnline(ctx), Start(ctx)/Stop().
type Sender interface {
	Deliver(ctx context.Context, job Job) (Outcome, error)
}

// Policy решает судьбу уведомления: задержать ли доставку пользователю и
// есть ли по сообщению конкуренция с приоритетными подписчиками.
type Policy interface {
	Decide(ctx context.Context, userID int64, messageID int, chatID int64) (delay, priorityCompetition bool, err error)
}

// beforeDrainer — необязательный хук транспорта перед серией доставок.
type beforeDrainer interface{ BeforeDrain(context.Context) }

// waitOnliner — необязательное ожидание восстановления сети транспортом.
type waitOnliner interface {
	WaitOnline(ctx context.Context) error
}
