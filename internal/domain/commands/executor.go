package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"telegram-radar/internal/domain/groups"
	"telegram-radar/internal/domain/history"
	"telegram-radar/internal/domain/messages"
	"telegram-radar/internal/domain/notify"
	"telegram-radar/internal/domain/pipeline"
	"telegram-radar/internal/domain/subscriptions"
	"telegram-radar/internal/infra/bge"
	"telegram-radar/internal/infra/config"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
	"telegram-radar/internal/infra/telegram/connection"
	"telegram-radar/internal/infra/verifier"
	versioninfo "telegram-radar/internal/support/version"

	"github.com/gotd/td/telegram"
)

// Deps - зависимости исполнителя команд. Любое поле может быть nil:
// соответствующие команды ответят ошибкой недоступности.
type Deps struct {
	Client     *telegram.Client
	Pipeline   *pipeline.Pipeline
	Dispatcher *notify.Dispatcher
	Subs       *subscriptions.Cache
	Messages   *messages.Cache
	Store      *store.Store
	Backfill   *history.Backfill
	Groups     *groups.Registry
	Embedder   *bge.Client
	Verifier   *verifier.Client

	// Services отдаёт снимок состояний узлов приложения. Провайдер, а не
	// значение: менеджер узлов собирается позже исполнителя команд.
	Services func() map[string]string
}

// CommandExecutor - реализация интерфейса Executor
type CommandExecutor struct {
	client        *telegram.Client
	pipe          *pipeline.Pipeline
	dispatcher    *notify.Dispatcher
	subs          *subscriptions.Cache
	msgs          *messages.Cache
	db            *store.Store
	backfill      *history.Backfill
	groups        *groups.Registry
	embedder      *bge.Client
	verify        *verifier.Client
	services      func() map[string]string
	rescanRunning int64 // флаг выполнения команды rescan
}

// NewExecutor создает новый экземпляр CommandExecutor
func NewExecutor(deps Deps) *CommandExecutor {
	return &CommandExecutor{
		client:     deps.Client,
		pipe:       deps.Pipeline,
		dispatcher: deps.Dispatcher,
		subs:       deps.Subs,
		msgs:       deps.Messages,
		db:         deps.Store,
		backfill:   deps.Backfill,
		groups:     deps.Groups,
		embedder:   deps.Embedder,
		verify:     deps.Verifier,
		services:   deps.Services,
	}
}

// Status возвращает сводное состояние конвейера, доставки и кэшей
func (e *CommandExecutor) Status(ctx context.Context) (*StatusResult, error) {
	if e.pipe == nil || e.dispatcher == nil {
		return nil, errors.New("pipeline is not available")
	}

	ps := e.pipe.Stats()
	ds := e.dispatcher.Stats()

	res := &StatusResult{
		Online:    connection.Online(),
		Processed: ps.Processed,
		Matched:   ps.Matched,
		Notified:  ps.Notified,
		Rejected:  ps.Rejected,
		Fallbacks: ps.Fallbacks,
		InFlight:  ps.InFlight,
		Backlog:   ds.Backlog,
		Sent:      ds.Sent,
		Deferred:  ds.Deferred,
		Dropped:   ds.Dropped,
		Location:  config.AppLocation,
	}

	if e.subs != nil {
		ss := e.subs.Stats()
		res.SubChats = ss.CachedChats
		res.KnownSubs = ss.Known
	}
	if e.msgs != nil {
		ms := e.msgs.Stats()
		res.MsgChats = ms.Chats
		res.MsgCached = ms.Messages
		res.MsgReady = ms.Ready
	}
	if e.embedder != nil && e.embedder.Enabled() {
		res.EmbedderAlive = e.embedder.Alive(ctx)
	}
	if e.verify != nil {
		res.VerifierEnabled = e.verify.Enabled()
	}
	if e.backfill != nil {
		res.BackfillRunning = e.backfill.Running()
		last := e.backfill.Last()
		res.BackfillChats = last.Chats
		res.BackfillMessages = last.Messages
		res.BackfillTook = last.Duration
	}
	if e.services != nil {
		res.Services = e.services()
	}

	return res, nil
}

// CacheStats возвращает счётчики таблиц базы радара
func (e *CommandExecutor) CacheStats(ctx context.Context) (*CacheStatsResult, error) {
	if e.db == nil {
		return nil, errors.New("store is not available")
	}

	st, err := e.db.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("store stats failed: %w", err)
	}

	return &CacheStatsResult{
		Users:         st.Users,
		Subscriptions: st.Subscriptions,
		Chats:         st.Chats,
		Analyses:      st.Analyses,
		Matched:       st.Matched,
		Notified:      st.Notified,
		Deferred:      st.Deferred,
	}, nil
}

// Backfill запускает фоновый прогрев истории отслеживаемых чатов.
// Сам проход живёт на контексте команды: CLI держит его до остановки сервиса.
func (e *CommandExecutor) Backfill(ctx context.Context) (*BackfillResult, error) {
	if e.backfill == nil {
		return nil, errors.New("backfill is not available")
	}
	if e.backfill.Running() {
		return nil, history.ErrAlreadyRunning
	}

	go func() {
		st, err := e.backfill.Run(ctx)
		if errors.Is(err, history.ErrAlreadyRunning) {
			return
		}
		if err != nil {
			logger.Warnf("прогрев истории прерван: %v", err)
			return
		}
		logger.Infof("прогрев истории завершён: чатов %d, сообщений %d за %s",
			st.Chats, st.Messages, st.Duration.Round(time.Millisecond))
	}()

	return &BackfillResult{
		Started: true,
		Message: "прогрев истории запущен в фоне, ход виден в status",
	}, nil
}

// Rescan прогоняет подписку по кэшу уже виденных сообщений. Одновременно
// выполняется не больше одного скана: пакетные LLM-проверки недёшевы.
func (e *CommandExecutor) Rescan(ctx context.Context, subscriptionID int64) (*RescanResult, error) {
	if e.pipe == nil || e.db == nil {
		return nil, errors.New("pipeline is not available")
	}

	// Проверяем, не выполняется ли уже команда rescan
	if !atomic.CompareAndSwapInt64(&e.rescanRunning, 0, 1) {
		return nil, errors.New("rescan is already running")
	}
	defer atomic.StoreInt64(&e.rescanRunning, 0)

	sub, err := e.db.SubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		return nil, fmt.Errorf("subscription %d is inactive", sub.ID)
	}

	st, err := e.pipe.Rescan(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("rescan failed: %w", err)
	}

	return &RescanResult{
		Query:      sub.Query,
		Chats:      st.Chats,
		Scanned:    st.Scanned,
		Candidates: st.Candidates,
		Verified:   st.Verified,
		Matched:    st.Matched,
	}, nil
}

// Invalidate сбрасывает горячий кэш подписок
func (e *CommandExecutor) Invalidate(ctx context.Context) error {
	if e.subs == nil {
		return errors.New("subscription cache is not available")
	}

	e.subs.Invalidate()
	return nil
}

// Groups возвращает список отслеживаемых групп
func (e *CommandExecutor) Groups(ctx context.Context) (*GroupsResult, error) {
	if e.groups == nil {
		return nil, errors.New("group registry is not available")
	}

	chats, err := e.groups.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("group snapshot failed: %w", err)
	}

	result := &GroupsResult{Groups: make([]Group, 0, len(chats))}
	for _, c := range chats {
		result.Groups = append(result.Groups, buildGroup(c))
	}
	return result, nil
}

// buildGroup строит Group из снимка чата
func buildGroup(c store.Chat) Group {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		title = "<unknown chat>"
	}
	username := strings.TrimPrefix(c.Username, "@")
	if username == "" {
		username = "-"
	}
	return Group{
		ID:          c.ID,
		Kind:        c.Kind,
		Title:       title,
		Username:    username,
		Forum:       c.Forum,
		MemberCount: c.MemberCount,
	}
}

// GroupAdd подключает группу по @username или инвайт-ссылке
func (e *CommandExecutor) GroupAdd(ctx context.Context, handle string) (*GroupResult, error) {
	if e.groups == nil {
		return nil, errors.New("group registry is not available")
	}

	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, errors.New("usage: join <@username | invite link>")
	}

	c, err := e.groups.Add(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("join failed: %w", err)
	}

	return &GroupResult{
		Group:   buildGroup(c),
		Message: fmt.Sprintf("группа %q подключена к наблюдению (id=%d)", c.Title, c.ID),
	}, nil
}

// GroupSync сверяет членство во всех отслеживаемых группах
func (e *CommandExecutor) GroupSync(ctx context.Context) (*GroupSyncResult, error) {
	if e.groups == nil {
		return nil, errors.New("group registry is not available")
	}

	synced, err := e.groups.Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("group sync failed: %w", err)
	}
	return &GroupSyncResult{Synced: synced}, nil
}

// LogLevel меняет уровень консольного лога на лету
func (e *CommandExecutor) LogLevel(ctx context.Context, level string) error {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q (debug|info|warn|error)", level)
	}

	logger.SetLevel(level)
	logger.Infof("уровень лога переключён на %s", level)
	return nil
}

// Whoami возвращает информацию о текущем аккаунте
func (e *CommandExecutor) Whoami(ctx context.Context) (*WhoamiResult, error) {
	if e.client == nil {
		return nil, errors.New("client is not available")
	}

	self, err := e.client.Self(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get self: %w", err)
	}

	fullname := strings.TrimSpace(strings.Join([]string{self.FirstName, self.LastName}, " "))
	if fullname == "" {
		fullname = "<unknown>"
	}

	return &WhoamiResult{
		ID:       self.ID,
		FullName: fullname,
		Username: self.Username,
	}, nil
}

// Version возвращает информацию о версии приложения
func (e *CommandExecutor) Version(ctx context.Context) (*VersionResult, error) {
	return &VersionResult{
		Name:    versioninfo.Name,
		Version: versioninfo.Version,
	}, nil
}
