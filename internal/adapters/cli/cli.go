// Package cli — интерактивная операторская консоль радара. Сервис стартует
// фоном, читает команды из readline и транслирует их в commands.Executor.
// Интеграция в lifecycle корректная: Start/Stop идемпотентны, выход по exit
// или Ctrl-C на пустой строке гасит приложение целиком.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-radar/internal/domain/commands"
	"telegram-radar/internal/infra/apptime"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/pr"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show pipeline, delivery and cache state"},
	{name: "cache", description: "Print database table counters"},
	{name: "backfill", description: "Replay history of watched chats through the cascade"},
	{name: "rescan", description: "rescan <id> - re-run a subscription over cached messages"},
	{name: "invalidate", description: "Drop the hot subscription cache"},
	{name: "groups", description: "List watched groups"},
	{name: "join", description: "join <@username|invite> - join a group and start watching it"},
	{name: "sync", description: "Verify membership in all watched groups"},
	{name: "loglevel", description: "loglevel <debug|info|warn|error> - switch console log level"},
	{name: "whoami", description: "Display information about the current account"},
	{name: "version", description: "Print radar version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	exec      commands.Executor  // исполнитель операторских команд
	stopApp   context.CancelFunc // внешняя отмена приложения (exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
}

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(exec commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{exec: exec, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает
// обработчики клавиш и в цикле читает команды построчно.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			// Непустая строка очищается, как в типичных CLI.
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую строку на команду и аргументы и выполняет
// соответствующее действие. Возвращает true на команде "exit".
func (s *Service) handleCommand(ctx context.Context, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus(ctx)
	case "cache":
		s.handleCacheStats(ctx)
	case "backfill":
		if res, err := s.exec.Backfill(ctx); err != nil {
			pr.ErrPrintln("backfill error:", err)
		} else {
			pr.Println(res.Message)
		}
	case "rescan":
		s.handleRescan(ctx, args)
	case "invalidate":
		if err := s.exec.Invalidate(ctx); err != nil {
			pr.ErrPrintln("invalidate error:", err)
		} else {
			pr.Println("Subscription cache invalidated.")
		}
	case "groups":
		s.handleGroups(ctx)
	case "join":
		s.handleJoin(ctx, args)
	case "sync":
		if res, err := s.exec.GroupSync(ctx); err != nil {
			pr.ErrPrintln("sync error:", err)
		} else {
			pr.Printf("Groups synced: %d\n", res.Synced)
		}
	case "loglevel":
		if len(args) != 1 {
			pr.ErrPrintln("usage: loglevel <debug|info|warn|error>")
			break
		}
		if err := s.exec.LogLevel(ctx, args[0]); err != nil {
			pr.ErrPrintln("loglevel error:", err)
		} else {
			pr.Println("Log level set to", args[0])
		}
	case "whoami":
		if res, err := s.exec.Whoami(ctx); err != nil {
			pr.ErrPrintln("whoami error:", err)
		} else if res.Username != "" {
			pr.Printf("You are: %s (@%s), id=%d\n", res.FullName, res.Username, res.ID)
		} else {
			pr.Printf("You are: %s, id=%d\n", res.FullName, res.ID)
		}
	case "version":
		if res, err := s.exec.Version(ctx); err != nil {
			pr.ErrPrintln("version error:", err)
		} else {
			pr.Printf("%s v%s\n", res.Name, res.Version)
		}
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus печатает сводное состояние радара: конвейер, доставка, кэши,
// здоровье внешних сервисов и последний прогрев истории.
func (s *Service) handleStatus(ctx context.Context) {
	res, err := s.exec.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}

	pr.Printf("Time: %s\n", apptime.Now().Format(time.RFC3339))
	pr.Printf("Connection: %s\n", onlineLabel(res.Online))
	pr.Printf("Pipeline: processed=%d matched=%d notified=%d rejected=%d fallbacks=%d inflight=%d\n",
		res.Processed, res.Matched, res.Notified, res.Rejected, res.Fallbacks, res.InFlight)
	pr.Printf("Delivery: backlog=%d sent=%d deferred=%d dropped=%d\n",
		res.Backlog, res.Sent, res.Deferred, res.Dropped)
	pr.Printf("Subscriptions: cached chats=%d known=%d\n", res.SubChats, res.KnownSubs)
	pr.Printf("Messages: chats=%d cached=%d ready=%d\n", res.MsgChats, res.MsgCached, res.MsgReady)
	pr.Printf("Embedder: %s, verifier: %s\n",
		aliveLabel(res.EmbedderAlive), enabledLabel(res.VerifierEnabled))

	if res.BackfillRunning {
		pr.Println("Backfill: running")
	} else if res.BackfillChats > 0 || res.BackfillMessages > 0 {
		pr.Printf("Backfill: last run %d chats, %d messages in %s\n",
			res.BackfillChats, res.BackfillMessages, res.BackfillTook.Round(time.Millisecond))
	} else {
		pr.Println("Backfill: <never>")
	}

	if len(res.Services) > 0 {
		pr.Printf("Services: %s\n", formatServices(res.Services))
	}
}

// formatServices сортирует узлы по имени, чтобы вывод status был стабильным.
func formatServices(services map[string]string) string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+services[name])
	}
	return strings.Join(parts, " ")
}

// handleCacheStats печатает счётчики таблиц базы.
func (s *Service) handleCacheStats(ctx context.Context) {
	res, err := s.exec.CacheStats(ctx)
	if err != nil {
		pr.ErrPrintln("cache error:", err)
		return
	}

	pr.Printf("Users: %d\n", res.Users)
	pr.Printf("Active subscriptions: %d\n", res.Subscriptions)
	pr.Printf("Watched chats: %d\n", res.Chats)
	pr.Printf("Analyses: %d (matched %d)\n", res.Analyses, res.Matched)
	pr.Printf("Notified: %d\n", res.Notified)
	pr.Printf("Deferred notifications: %d\n", res.Deferred)
}

// handleRescan разбирает id подписки и запускает ретроспективный скан.
// Команда синхронная: пакетные LLM-проверки могут занять заметное время.
func (s *Service) handleRescan(ctx context.Context, args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: rescan <subscription id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		pr.ErrPrintln("rescan: subscription id must be a positive number")
		return
	}

	pr.Printf("Rescanning subscription %d...\n", id)
	res, err := s.exec.Rescan(ctx, id)
	if err != nil {
		pr.ErrPrintln("rescan error:", err)
		return
	}
	pr.Printf("Rescan of %q: chats=%d scanned=%d candidates=%d verified=%d matched=%d\n",
		res.Query, res.Chats, res.Scanned, res.Candidates, res.Verified, res.Matched)
}

// handleGroups печатает отслеживаемые группы в человекочитаемом виде.
func (s *Service) handleGroups(ctx context.Context) {
	res, err := s.exec.Groups(ctx)
	if err != nil {
		pr.ErrPrintln("groups error:", err)
		return
	}
	if len(res.Groups) == 0 {
		pr.Println("No groups watched yet. Use 'join <@username|invite>' to add one.")
		return
	}

	for _, g := range res.Groups {
		label := g.Kind
		if g.Forum {
			label += ", forum"
		}
		pr.Printf("%s: '%s' (@%s) id: %d members: %d\n", label, g.Title, g.Username, g.ID, g.MemberCount)
	}
	pr.Printf("Total groups: %d\n", len(res.Groups))
}

// handleJoin подключает группу по @username или инвайт-ссылке.
func (s *Service) handleJoin(ctx context.Context, args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: join <@username | invite link>")
		return
	}

	pr.Printf("Joining %s...\n", args[0])
	res, err := s.exec.GroupAdd(ctx, args[0])
	if err != nil {
		pr.ErrPrintln("join error:", err)
		return
	}
	pr.Println(res.Message)
}

// onlineLabel возвращает метку состояния соединения.
func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// aliveLabel возвращает метку здоровья внешнего сервиса.
func aliveLabel(alive bool) string {
	if alive {
		return "alive"
	}
	return "down"
}

// enabledLabel возвращает метку настроенности внешнего сервиса.
func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-10s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
