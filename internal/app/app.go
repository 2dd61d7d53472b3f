// Package app — верхний уровень сборки радара подписок. Здесь связываются
// конфигурация, сетевой слой (gotd/telegram), хранилище, каскад сопоставления,
// диспетчер уведомлений и операторский CLI. Отсюда стартует цикл обработки
// событий и обеспечивается корректный shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	botapinotifier "telegram-radar/internal/adapters/botapi/notifier"
	"telegram-radar/internal/adapters/cli"
	"telegram-radar/internal/adapters/telegram/core"
	telegramnotifier "telegram-radar/internal/adapters/telegram/notifier"
	"telegram-radar/internal/domain/albums"
	"telegram-radar/internal/domain/commands"
	"telegram-radar/internal/domain/enrich"
	"telegram-radar/internal/domain/groups"
	"telegram-radar/internal/domain/history"
	"telegram-radar/internal/domain/matching"
	"telegram-radar/internal/domain/messages"
	"telegram-radar/internal/domain/notify"
	"telegram-radar/internal/domain/pipeline"
	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/domain/subscriptions"
	"telegram-radar/internal/infra/apptime"
	"telegram-radar/internal/infra/bge"
	"telegram-radar/internal/infra/concurrency"
	"telegram-radar/internal/infra/config"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/storage"
	"telegram-radar/internal/infra/store"
	"telegram-radar/internal/infra/telegram/cache"
	"telegram-radar/internal/infra/telegram/connection"
	"telegram-radar/internal/infra/telegram/peersmgr"
	"telegram-radar/internal/infra/telegram/session"
	"telegram-radar/internal/infra/verifier"
	"telegram-radar/internal/support/version"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// lazyUpdateHandler — обёртка, которая позволяет отложить установку реального
// обработчика апдейтов, разрывая цикл инициализации клиент ↔ менеджер апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// pipelineHandler переправляет события живого потока в каскад сопоставления.
// Правки и удаления конвейер отрабатывает синхронно по кэшу, очередь нужна
// только новым сообщениям.
type pipelineHandler struct {
	pipe *pipeline.Pipeline
}

func (h pipelineHandler) OnNewMessage(ctx context.Context, msg *stream.Message) {
	h.pipe.Enqueue(ctx, msg)
}

func (h pipelineHandler) OnEditMessage(_ context.Context, msg *stream.Message) {
	h.pipe.HandleEdit(msg)
}

func (h pipelineHandler) OnDeleteMessages(_ context.Context, chatID int64, ids []int) {
	h.pipe.HandleDelete(chatID, ids)
}

const (
	notifierClient = "client"
	notifierBot    = "bot"

	// debounceEditMS сглаживает каскады правок одного сообщения перед
	// повторным прогоном по каскаду.
	debounceEditMS = 1500
	// enrichTimeout — потолок на загрузку одной страницы обогатителем ссылок.
	enrichTimeout = 15 * time.Second
)

// App агрегирует зависимости радара и управляет их связью. Отвечает за:
//   - телеграм-клиента (сессия, middlewares, менеджер апдейтов, пиры),
//   - хранилище и кэши (подписки, хвосты сообщений),
//   - каскад сопоставления и диспетчер уведомлений,
//   - прогрев истории и реестр групп,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	client  *telegram.Client   // MTProto-клиент gotd: авторизация, API.
	waiter  *floodwait.Waiter  // Middleware для обработки FLOOD_WAIT.
	updMgr  *tgupdates.Manager // Менеджер апдейтов gotd: поток событий и локальное состояние.
	peers   *peersmgr.Service  // Менеджер пиров + persist storage.
	stateDB *bbolt.DB          // Bolt-файл состояния менеджера апдейтов.

	db       *store.Store         // SQLite: подписки, реестры, журнал, отложенная очередь.
	verif    *verifier.Client     // LLM-проверяющий с собственным троттлером.
	upstream *core.Client         // Доменный фасад клиента: история, альбомы, членство.
	registry *groups.Registry     // Реестр отслеживаемых групп.
	pipe     *pipeline.Pipeline   // Каскад сопоставления.
	disp     *notify.Dispatcher   // Очередь доставки уведомлений.
	backfill *history.Backfill    // Прогрев истории при старте и по команде.
	subs     *subscriptions.Cache // Кэш активных подписок с фоновым освежением.
	handlers *core.Handlers       // Маршрутизация апдейтов Telegram в конвейер.
	cliSvc   *cli.Service         // Операторский CLI поверх readline.
	runner   *Runner              // Оркестратор жизненного цикла.
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Init().
func NewApp() *App {
	return &App{}
}

// Init собирает граф зависимостей радара. Порядок важен: клиент и менеджер
// апдейтов связываются через lazy-обработчик, доменные сервисы строятся поверх
// хранилища и клиента, последним готовится Runner. Сетевых вызовов здесь нет —
// всё сетевое начинается в Run().
func (a *App) Init(mainCtx context.Context, mainCancel context.CancelFunc) error {
	a.mainCtx = mainCtx
	a.mainCancel = mainCancel
	cfg := config.Env()

	logger.Info("Radar initializing...")

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	a.waiter = floodwait.NewWaiter()

	// 1) Опции MTProto-клиента: сессия, хуки апдейтов, поведение при
	// dead-соединении и паспорт устройства.
	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			a.waiter,
			ratelimit.New(
				rate.Limit(cfg.SendRPS),
				cfg.SendRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		// При сообщении от gotd о «мёртвом» соединении отмечаем отключение
		// для зависимых узлов.
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}

	// Для тестовых окружений используем DC тестового стенда Telegram.
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}

	a.client = telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	// Кэш сущностей наполняется лениво из entities апдейтов; конвертация
	// сообщений и отладочная печать читают метаданные из него.
	cache.Init(mainCtx, a.client.API())

	peersSvc, err := peersmgr.New(a.client.API(), cfg.PeersDBFile)
	if err != nil {
		return fmt.Errorf("init peers manager: %w", err)
	}
	if err := peersSvc.LoadFromStorage(mainCtx); err != nil {
		return fmt.Errorf("load peers storage: %w", err)
	}
	a.peers = peersSvc

	// 2) Хранилище состояния менеджера апдейтов. Отдельный bolt-файл, чтобы
	// потеря SQLite-базы не сбрасывала позицию в потоке апдейтов.
	if err := storage.EnsureDir(cfg.StateFile); err != nil {
		return fmt.Errorf("ensure state file dir: %w", err)
	}
	stateDB, err := bbolt.Open(cfg.StateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	a.stateDB = stateDB

	updConfig := tgupdates.Config{
		Handler:      dispatcher,
		Storage:      boltstor.NewStateStorage(stateDB),
		AccessHasher: peersSvc.Mgr,
	}
	a.updMgr = tgupdates.New(updConfig)

	// Устанавливаем реальный обработчик в lazyHandler: сперва хук пиров,
	// затем менеджер апдейтов.
	realHandler := contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(a.updMgr), peersSvc.Store())
	lazyHandler.set(realHandler)

	// 3) Хранилище радара и клиенты внешних сервисов каскада.
	db, err := store.Open(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.db = db

	embedder := bge.New(
		cfg.BGEURL,
		time.Duration(cfg.BGETimeoutSec)*time.Second,
		time.Duration(cfg.BGEHealthTTLSec)*time.Second,
	)
	verif := verifier.New(verifier.Options{
		URL:        cfg.VerifierURL,
		Token:      cfg.VerifierToken,
		Model:      cfg.VerifierModel,
		Timeout:    time.Duration(cfg.VerifierTimeoutSec) * time.Second,
		MaxRetries: cfg.VerifierMaxRetries,
	})
	a.verif = verif

	a.subs = subscriptions.NewCache(db, embedder, time.Duration(cfg.SubCacheTTLSec)*time.Second)
	msgCache := messages.NewCache(cfg.MsgCachePerChat)

	// 4) Доменный фасад клиента и реестр групп. Id собственного аккаунта
	// станет известен после логина, Runner доложит его через SetSelf.
	a.upstream = core.New(a.client, peersSvc)
	a.registry = groups.NewRegistry(db, a.upstream, 0)

	// 5) Доставка уведомлений: транспорт по NOTIFIER, политика задержки по
	// NOTIFY_DELAY_MIN. Нулевая задержка отключает и опрос приоритетов.
	var sender notify.Sender
	switch cfg.Notifier {
	case notifierClient:
		sender = telegramnotifier.NewClientSender(a.client.API(), peersSvc, cfg.SendRPS)
	case notifierBot:
		sender = botapinotifier.NewBotSender(cfg.BotToken, cfg.TestDC, cfg.SendRPS)
	default:
		return errors.New(`invalid NOTIFIER option in .env (must be "client" or "bot")`)
	}

	delay := time.Duration(cfg.NotifyDelayMin) * time.Minute
	var policy notify.Policy = notify.NoDelayPolicy{}
	if delay > 0 {
		policy = notify.NewPriorityPolicy(db)
	}
	disp, err := notify.NewDispatcher(notify.DispatcherOptions{
		Sender:   sender,
		Policy:   policy,
		Deferred: db,
		Delay:    delay,
		Clock:    apptime.Now,
	})
	if err != nil {
		return fmt.Errorf("init notify dispatcher: %w", err)
	}
	a.disp = disp

	// 6) Каскад сопоставления поверх кэшей, внешних сервисов и диспетчера.
	pipe, err := pipeline.New(pipeline.Options{
		Config: pipeline.Config{
			MatchThreshold: cfg.MatchThreshold,
			Semantic: matching.SemanticThresholds{
				Positive: cfg.SemanticPosThreshold,
				Negative: cfg.SemanticNegThreshold,
			},
			Workers:           cfg.PipelineWorkers,
			RescanVerifyLimit: cfg.RescanVerifyLimit,
		},
		Subs:       a.subs,
		Messages:   msgCache,
		Albums:     albums.NewAssembler(a.upstream, time.Duration(cfg.AlbumWindowSec)*time.Second),
		Enricher:   enrich.New(enrichTimeout),
		Embedder:   embedder,
		Verifier:   verif,
		Ledger:     db,
		Dispatcher: disp,
		Chats:      a.registry,
		Downloader: a.upstream,
		Media:      storage.NewMediaStore(cfg.MediaDir),
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	a.pipe = pipe

	// Подписка, впервые замеченная фоновым освежением, сразу уходит на
	// ретроспективный скан. Отдельная горутина, чтобы не держать цикл
	// освежения на время обхода кэша.
	a.subs.OnNew(func(ctx context.Context, sub store.Subscription) {
		go func() {
			st, err := pipe.Rescan(ctx, sub)
			if err != nil {
				logger.Warnf("ретроспективный скан подписки %d: %v", sub.ID, err)
				return
			}
			logger.Infof("ретроспективный скан подписки %d: чатов %d, просмотрено %d, совпало %d",
				sub.ID, st.Chats, st.Scanned, st.Matched)
		}()
	})

	// 7) Прогрев истории: хвосты отслеживаемых чатов через тот же каскад.
	bf, err := history.New(history.Options{
		Depth:       cfg.HistoryDepth,
		ChatDelay:   time.Duration(cfg.HistoryChatDelaySec) * time.Second,
		MaxAttempts: cfg.HistoryMaxAttempts,
		Client:      a.upstream,
		Store:       db,
		Pipeline:    pipe,
		Cache:       msgCache,
	})
	if err != nil {
		return fmt.Errorf("init history backfill: %w", err)
	}
	a.backfill = bf

	// 8) Маршрутизация апдейтов: дедупликация повторов, сглаживание правок,
	// конвейер на другом конце.
	a.handlers = core.NewHandlers(
		a.upstream,
		pipelineHandler{pipe: pipe},
		concurrency.NewDeduplicator(cfg.DedupWindowSec),
		concurrency.NewDebouncer(debounceEditMS),
	)
	a.handlers.Attach(dispatcher)

	// 9) Операторский CLI поверх исполнителя команд. Снимок узлов берётся
	// через замыкание: Runner собирает менеджер узлов позже исполнителя.
	exec := commands.NewExecutor(commands.Deps{
		Client:     a.client,
		Pipeline:   pipe,
		Dispatcher: disp,
		Subs:       a.subs,
		Messages:   msgCache,
		Store:      db,
		Backfill:   bf,
		Groups:     a.registry,
		Embedder:   embedder,
		Verifier:   verif,
		Services: func() map[string]string {
			if a.runner == nil {
				return nil
			}
			return a.runner.ServiceStates()
		},
	})
	a.cliSvc = cli.NewService(exec, mainCancel)

	a.runner = NewRunner(a)
	return nil
}

// Run запускает основной цикл радара: подключение к Telegram, логин, запуск
// узлов и менеджера апдейтов. Блокируется до остановки приложения и возвращает
// ошибку, если что-то пошло не так. Отмена по сигналу — штатное завершение,
// не ошибка.
func (a *App) Run() error {
	err := a.runner.Run(a.waiter, a.updMgr)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
