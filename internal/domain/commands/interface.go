// Package commands предоставляет общий интерфейс для операторских команд
// радара. Команды используются CLI-адаптером; интерфейс отделяет его от
// конкретной сборки зависимостей.
package commands

import (
	"context"
	"time"
)

// Executor - интерфейс для выполнения операторских команд радара.
type Executor interface {
	// Status возвращает сводное состояние конвейера, доставки и кэшей
	Status(ctx context.Context) (*StatusResult, error)

	// CacheStats возвращает счётчики таблиц базы радара
	CacheStats(ctx context.Context) (*CacheStatsResult, error)

	// Backfill запускает фоновый прогрев истории отслеживаемых чатов
	Backfill(ctx context.Context) (*BackfillResult, error)

	// Rescan прогоняет подписку по кэшу уже виденных сообщений
	Rescan(ctx context.Context, subscriptionID int64) (*RescanResult, error)

	// Invalidate сбрасывает горячий кэш подписок
	Invalidate(ctx context.Context) error

	// Groups возвращает список отслеживаемых групп
	Groups(ctx context.Context) (*GroupsResult, error)

	// GroupAdd подключает группу по @username или инвайт-ссылке
	GroupAdd(ctx context.Context, handle string) (*GroupResult, error)

	// GroupSync сверяет членство во всех отслеживаемых группах
	GroupSync(ctx context.Context) (*GroupSyncResult, error)

	// LogLevel меняет уровень консольного лога на лету
	LogLevel(ctx context.Context, level string) error

	// Whoami возвращает информацию о текущем аккаунте
	Whoami(ctx context.Context) (*WhoamiResult, error)

	// Version возвращает информацию о версии приложения
	Version(ctx context.Context) (*VersionResult, error)
}

// StatusResult - результат команды Status
type StatusResult struct {
	Online bool // есть ли соединение с Telegram

	Processed int64 // сообщений прошло через каскад
	Matched   int64 // подтверждённых совпадений
	Notified  int64 // передано в доставку
	Rejected  int64 // отказов всех стадий
	Fallbacks int64 // совпадений по лексическому фолбэку
	InFlight  int   // пар на проверке прямо сейчас

	Backlog  int   // немедленная очередь доставки
	Sent     int64 // доставлено за время работы
	Deferred int64 // придержано политикой приоритетов
	Dropped  int64 // снято после исчерпания попыток

	SubChats  int // чатов с горячим списком подписок
	KnownSubs int // активных подписок в кэше
	MsgChats  int // чатов в кэше сообщений
	MsgCached int // сообщений в кэше суммарно
	MsgReady  int // чатов с завершённым прогревом

	EmbedderAlive   bool // жив ли сервис эмбеддингов
	VerifierEnabled bool // настроен ли LLM-проверяющий

	BackfillRunning  bool          // идёт ли прогрев истории
	BackfillChats    int           // чатов в последнем прогреве
	BackfillMessages int           // сообщений в последнем прогреве
	BackfillTook     time.Duration // длительность последнего прогрева

	Services map[string]string // узел → состояние (running, failed, ...)

	Location *time.Location // таймзона для отображения
}

// CacheStatsResult - результат команды CacheStats
type CacheStatsResult struct {
	Users         int // пользователей
	Subscriptions int // активных подписок
	Chats         int // отслеживаемых чатов
	Analyses      int // записей журнала анализов
	Matched       int // анализов с вердиктом matched
	Notified      int // записей журнала уведомлений
	Deferred      int // отложенных уведомлений в очереди
}

// BackfillResult - результат команды Backfill
type BackfillResult struct {
	Started bool   // запущен ли фоновый проход
	Message string // сообщение о результате
}

// RescanResult - результат команды Rescan
type RescanResult struct {
	Query      string // текст подписки
	Chats      int    // чатов просмотрено
	Scanned    int    // сообщений просмотрено
	Candidates int    // пар пережило лексическую стадию
	Verified   int    // отправлено на LLM-проверку
	Matched    int    // подтверждено
}

// GroupsResult - результат команды Groups
type GroupsResult struct {
	Groups []Group // список отслеживаемых групп
}

// Group - информация об отслеживаемой группе
type Group struct {
	ID          int64  // ID чата
	Kind        string // тип (group, supergroup, channel)
	Title       string // название
	Username    string // username (если есть)
	Forum       bool   // включены ли темы
	MemberCount int    // участников на момент синхронизации
}

// GroupResult - результат команды GroupAdd
type GroupResult struct {
	Group   Group  // подключённая группа
	Message string // сообщение о результате
}

// GroupSyncResult - результат команды GroupSync
type GroupSyncResult struct {
	Synced int // групп сверено без ошибок
}

// WhoamiResult - результат команды Whoami
type WhoamiResult struct {
	ID       int64  // ID пользователя
	FullName string // полное имя
	Username string // username
}

// VersionResult - результат команды Version
type VersionResult struct {
	Name    string // название приложения
	Version string // версия
}
