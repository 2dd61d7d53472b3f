package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"telegram-radar/internal/app"
	"telegram-radar/internal/infra/config"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/pr"
	"telegram-radar/internal/support/debug"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
	}

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	// config.Load загружает конфигурацию из .env и валидирует её, включая
	// разбор APP_TIMEZONE в config.AppLocation.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	// Часовая зона приложения действует глобально: логи, расписания и вывод
	// CLI живут в выбранной TZ.
	time.Local = config.AppLocation //nolint:reassign // намеренно задаём часовую зону процесса

	// logger.Init задаёт уровень, а SetWriters перенаправляет выводы в
	// подсистему pr (чтобы логи не рвали строку ввода CLI).
	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}
	debug.DEBUG = config.Env().DebugUpdates

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). stop()
	// обязательно вызывается, чтобы снять подписку на сигналы.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp()
	if iniErr := a.Init(ctx, stop); iniErr != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(iniErr))
	}

	// Основной цикл; блокируется до shutdown. Ошибки фатальны.
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
