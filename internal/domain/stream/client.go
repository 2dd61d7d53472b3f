package stream

import "context"

// Handler принимает события живого потока. Реализуется движком радара,
// вызывается адаптером из цикла апдейтов. Методы не должны блокировать
// надолго: тяжёлую работу обработчики уводят в свои горутины.
type Handler interface {
	OnNewMessage(ctx context.Context, msg *Message)
	OnEditMessage(ctx context.Context, msg *Message)
	OnDeleteMessages(ctx context.Context, chatID int64, ids []int)
}

// Client — абстракция upstream-клиента Telegram, через которую домен читает
// историю, собирает альбомы и управляет членством. Все методы блокирующие и
// уважают контекст; ошибки классифицируются таксономией из errors.go.
type Client interface {
	// History перебирает сообщения чата от старых к новым, строго выше minID,
	// не более limit штук. topicID > 0 ограничивает выборку форумной темой.
	// Возврат ошибки из fn прерывает обход.
	History(ctx context.Context, chatID int64, topicID int, minID int, limit int, fn func(*Message) error) error

	// Topics перечисляет форумные темы супергруппы. Для обычных групп
	// возвращает пустой срез без ошибки.
	Topics(ctx context.Context, chatID int64) ([]Topic, error)

	// Dialogs перебирает диалоги аккаунта (прогрев кэша пиров, реестр групп).
	Dialogs(ctx context.Context, fn func(ChatInfo) error) error

	// Album возвращает все фрагменты альбома albumID вокруг сообщения aroundID
	// в порядке возрастания ID.
	Album(ctx context.Context, chatID int64, albumID int64, aroundID int) ([]*Message, error)

	// Chat возвращает метаданные чата по его ID.
	Chat(ctx context.Context, chatID int64) (ChatInfo, error)

	// Resolve разрешает @handle в метаданные чата, не вступая в него.
	Resolve(ctx context.Context, handle string) (ChatInfo, error)

	// Join вступает в чат по @handle или инвайт-ссылке и возвращает его метаданные.
	Join(ctx context.Context, handleOrInvite string) (ChatInfo, error)

	// Member возвращает статус участника userID в чате chatID.
	Member(ctx context.Context, chatID, userID int64) (Member, error)

	// Download скачивает вложение в память.
	Download(ctx context.Context, media Media) ([]byte, error)

	// WaitOnline блокирует до восстановления соединения или отмены контекста.
	WaitOnline(ctx context.Context) error

	// Reconnect пересоздаёт сетевую сессию. Используется прогревом истории
	// между попытками после череды транзиентных ошибок.
	Reconnect(ctx context.Context) error
}
