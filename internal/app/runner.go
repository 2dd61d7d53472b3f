// Файл runner.go — точка оркестрации жизненного цикла радара: авторизация,
// запуск узлов через менеджер lifecycle, старт менеджера апдейтов и корректный
// graceful shutdown. Задача — чтобы доменные сервисы успели дослать очереди и
// зафиксировать состояние, пока MTProto-движок ещё жив.
package app

import (
	"context"
	"sync"
	"time"

	"telegram-radar/internal/infra/concurrency"
	"telegram-radar/internal/infra/config"
	"telegram-radar/internal/infra/lifecycle"
	"telegram-radar/internal/infra/logger"
	tgauth "telegram-radar/internal/infra/telegram/auth"
	"telegram-radar/internal/infra/telegram/connection"
	"telegram-radar/internal/infra/telegram/status"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// shutdownDrainTimeout ограничивает дожидание конвейера и очереди доставки при
// остановке. Узловые контексты к этому моменту уже отменены, поэтому StopFunc
// строят собственный дедлайн.
const shutdownDrainTimeout = 30 * time.Second

// Runner инкапсулирует сценарий запуска и остановки радара. Отвечает за:
//   - авторизацию и идентификацию текущего аккаунта (self),
//   - запуск узлов в порядке зависимостей и остановку в обратном,
//   - жизненный цикл менеджера апдейтов gotd,
//   - автовыключение по APP_TIMEOUT.
type Runner struct {
	app       *App
	mgr       *lifecycle.Manager // Узлы сервисов; собирается в startAllServices.
	updatesWG sync.WaitGroup     // Горутина updates.Manager.Run.
	stopOnce  sync.Once          // stopAllServices зовётся из shutdown-горутины и из ошибочной ветки старта.
}

// NewRunner подготавливает Runner поверх собранного приложения.
func NewRunner(a *App) *Runner {
	return &Runner{app: a}
}

// ServiceStates возвращает снимок состояний узлов для операторской команды
// status. До запуска узлов возвращает nil.
func (r *Runner) ServiceStates() map[string]string {
	if r.mgr == nil {
		return nil
	}
	return r.mgr.Snapshot()
}

// Run — главный цикл радара. Выполняет логин, запуск узлов, стартует
// updates.Manager и управляет корректным завершением. Блокируется до
// завершения клиентского контекста. Для MTProto-движка используется отдельный
// контекст: сервисы гасятся первыми и успевают дослать сетевые хвосты.
func (r *Runner) Run(waiter *floodwait.Waiter, updmgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Автовыключение: процесс с заданным APP_TIMEOUT живёт не дольше него.
	concurrency.StartTimeoutTimer(r.app.mainCtx, config.Env().AppTimeoutSec, r.app.mainCancel)

	// Отслеживание сигнала завершения запускаем сразу, чтобы Ctrl+C работал
	// и во время инициализации.
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.app.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.app.client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Radar running...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}
			r.app.upstream.SetSelf(self.ID)
			r.app.registry.SetSelf(self.ID)

			if err := r.initPeersIfNeeded(ctx); err != nil {
				return err
			}

			if err := r.startAllServices(ctx, updmgr, self.ID); err != nil {
				r.stopAllServices()
				return err
			}

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		tgauth.TerminalAuthenticator{PhoneNumber: config.Env().PhoneNumber},
		auth.SendCodeOptions{},
	)

	if err := r.app.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.app.client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

// initPeersIfNeeded прогревает менеджер пиров. Для клиентского транспорта
// уведомлений пустой кэш пиров фатален: без него не резолвятся получатели.
func (r *Runner) initPeersIfNeeded(ctx context.Context) error {
	peers := r.app.peers
	if peers == nil {
		return nil
	}

	if err := peers.Mgr.Init(ctx); err != nil {
		logger.Errorf("failed to init peers manager: %v", err)
		if config.Env().Notifier == notifierClient {
			return err
		}
	}

	if err := peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("failed to load peers from storage: %v", err)
	}

	if err := peers.WarmupIfEmpty(ctx, r.app.client.API()); err != nil {
		logger.Errorf("failed to warm up peers manager: %v", err)
		if config.Env().Notifier == notifierClient {
			logger.Error("peers warmup error, cant use client notifier")
			return err
		}
	}

	logger.Debug("Peers warmup complete")
	return nil
}

// startAllServices регистрирует узлы радара и запускает их в порядке
// зависимостей: connection → status → dispatcher → verifier → pipeline →
// backfill → subscriptions → handlers → updates → cli. Остановка идёт в
// обратном порядке, поэтому очереди дренируются раньше, чем гаснет транспорт.
func (r *Runner) startAllServices(ctx context.Context, updmgr *tgupdates.Manager, selfID int64) error {
	a := r.app
	mgr := lifecycle.New(ctx)
	r.mgr = mgr

	nodes := []struct {
		name  string
		deps  []string
		start lifecycle.StartFunc
		stop  lifecycle.StopFunc
	}{
		{
			name: "connection",
			start: func(ctx context.Context) (context.Context, error) {
				connection.Init(ctx, a.client)
				return nil, nil
			},
			stop: func(context.Context) error {
				connection.Shutdown()
				return nil
			},
		},
		{
			name: "status",
			deps: []string{"connection"},
			start: func(ctx context.Context) (context.Context, error) {
				status.Start(ctx, a.client)
				return nil, nil
			},
			stop: func(context.Context) error {
				status.Stop()
				return nil
			},
		},
		{
			name: "verifier",
			start: func(ctx context.Context) (context.Context, error) {
				a.verif.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.verif.Stop()
				return nil
			},
		},
		{
			name: "dispatcher",
			deps: []string{"connection", "status"},
			start: func(ctx context.Context) (context.Context, error) {
				a.disp.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
				defer cancel()
				return a.disp.Close(drainCtx)
			},
		},
		{
			// Узел без собственного старта: нужен только для дренирования
			// запущенных обработок строго до закрытия диспетчера.
			name: "pipeline",
			deps: []string{"dispatcher", "verifier"},
			start: func(context.Context) (context.Context, error) {
				return nil, nil
			},
			stop: func(context.Context) error {
				drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
				defer cancel()
				return a.pipe.Close(drainCtx)
			},
		},
		{
			name: "backfill",
			deps: []string{"pipeline"},
			start: func(ctx context.Context) (context.Context, error) {
				a.backfill.Start(ctx)
				if config.Env().HistoryDepth > 0 {
					go r.runStartupBackfill(ctx)
				}
				return nil, nil
			},
			stop: func(context.Context) error {
				a.backfill.Stop()
				return nil
			},
		},
		{
			name: "subscriptions",
			deps: []string{"pipeline"},
			start: func(ctx context.Context) (context.Context, error) {
				a.subs.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.subs.Stop()
				return nil
			},
		},
		{
			name: "handlers",
			deps: []string{"subscriptions", "backfill"},
			start: func(ctx context.Context) (context.Context, error) {
				a.handlers.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.handlers.Stop()
				return nil
			},
		},
		{
			name: "updates",
			deps: []string{"handlers"},
			start: func(ctx context.Context) (context.Context, error) {
				r.updatesWG.Go(func() {
					mgrErr := updmgr.Run(ctx, a.client.API(), selfID, tgupdates.AuthOptions{
						Forget:  false,
						OnStart: r.handleUpdatesManagerStart,
					})
					if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
						logger.Errorf("updates manager: %v", mgrErr)
						a.mainCancel()
					}
				})
				return nil, nil
			},
			// Контекст узла к этому моменту отменён, Run уже возвращается.
			stop: func(context.Context) error {
				r.updatesWG.Wait()
				return nil
			},
		},
		{
			name: "cli",
			deps: []string{"updates"},
			start: func(ctx context.Context) (context.Context, error) {
				a.cliSvc.Start(ctx)
				return nil, nil
			},
			stop: func(context.Context) error {
				a.cliSvc.Stop()
				return nil
			},
		},
	}

	for _, n := range nodes {
		if err := mgr.Register(n.name, "", n.deps, n.start, n.stop); err != nil {
			return err
		}
	}
	return mgr.StartAll()
}

// runStartupBackfill однократно прогревает историю при старте. Совпадения из
// непрочитанного хвоста уходят обычным путём через каскад и диспетчер.
func (r *Runner) runStartupBackfill(ctx context.Context) {
	st, err := r.app.backfill.Run(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warnf("прогрев истории при старте: %v", err)
		}
		return
	}
	logger.Infof("прогрев истории: чатов %d, пропущено %d, сообщений %d за %s",
		st.Chats, st.Skipped, st.Messages, st.Duration.Round(time.Millisecond))
}

// stopAllServices гасит узлы в обратном порядке запуска и закрывает ресурсы,
// не являющиеся узлами: пиры, bolt-файл состояния апдейтов, SQLite.
func (r *Runner) stopAllServices() {
	r.stopOnce.Do(func() {
		if r.mgr != nil {
			if err := r.mgr.Shutdown(); err != nil {
				logger.Errorf("останов узлов: %v", err)
			}
		}

		if r.app.peers != nil {
			if err := r.app.peers.Close(); err != nil {
				logger.Errorf("failed to stop peers manager: %v", err)
			}
		}
		if r.app.stateDB != nil {
			if err := r.app.stateDB.Close(); err != nil {
				logger.Errorf("close updates state storage: %v", err)
			}
		}
		if r.app.db != nil {
			if err := r.app.db.Close(); err != nil {
				logger.Errorf("close store: %v", err)
			}
		}
	})
}

// handleUpdatesManagerStart вызывается updates.Manager при готовности потока
// апдейтов. Клиентский транспорт с этого момента может светить online-статус.
func (r *Runner) handleUpdatesManagerStart(ctx context.Context) {
	if config.Env().Notifier == notifierClient {
		status.GoOnline()
	}

	logger.Debug("Updates manager started")
}
