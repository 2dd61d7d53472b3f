// Package history — прогрев истории. На старте радар перечитывает хвост
// каждого отслеживаемого чата через тот же каскад, что и живой поток:
// свежесозданная подписка сразу видит недавние объявления, а кэш сообщений
// наполняется материалом для ретроспективных сканов.
//
// Повторный проход по уже обработанным сообщениям безопасен: журнал анализов
// идемпотентен, кэш сообщений обновляет записи на месте. Поэтому курсор чата
// продвигается только после полного успешного прохода — упавшая попытка
// перечитает тот же диапазон заново.
package history

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
	"telegram-radar/internal/infra/throttle"
)

// ErrAlreadyRunning возвращается при попытке запустить второй прогрев
// параллельно с идущим.
var ErrAlreadyRunning = errors.New("history: backfill is already running")

const (
	backoffBase = 2 * time.Second
	backoffCeil = 2 * time.Minute
)

// Processor — вход каскада; прогрев кормит его сообщениями напрямую, минуя
// семафор живого потока.
type Processor interface {
	Process(ctx context.Context, msg *stream.Message) error
}

// Source — срез upstream-клиента, нужный прогреву.
type Source interface {
	History(ctx context.Context, chatID int64, topicID int, minID int, limit int, fn func(*stream.Message) error) error
	Topics(ctx context.Context, chatID int64) ([]stream.Topic, error)
	Reconnect(ctx context.Context) error
}

// Cursors — срез хранилища: список отслеживаемых чатов, курсоры, форумность.
type Cursors interface {
	WatchedChatIDs(ctx context.Context) ([]int64, error)
	BackfillCursor(ctx context.Context, chatID int64) (int, error)
	SaveBackfillCursor(ctx context.Context, chatID int64, lastMessageID int) error
	ChatByID(ctx context.Context, id int64) (store.Chat, error)
}

// Readiness отмечает чаты, чей прогрев завершён (кэш сообщений).
type Readiness interface {
	MarkReady(chatID int64)
}

// Options — зависимости и лимиты прогрева.
type Options struct {
	// Depth — сколько сообщений хвоста перечитывается на чат (и на тему в
	// форумах).
	Depth int
	// ChatDelay — базовая пауза между чатами; фактическая берётся с
	// джиттером ±25%.
	ChatDelay time.Duration
	// MaxAttempts — попыток на чат при транзиентных ошибках.
	MaxAttempts int

	Client   Source
	Store    Cursors
	Pipeline Processor
	Cache    Readiness
}

// Stats — сводка завершённого прогрева.
type Stats struct {
	Chats    int           // чатов прогрето
	Skipped  int           // чатов пропущено из-за ошибок
	Messages int           // сообщений проиграно через каскад
	Duration time.Duration // длительность прохода
}

// Backfill последовательно проигрывает историю отслеживаемых чатов. Темп
// держит троттлер: FLOOD_WAIT уважается без расхода попыток, транзиентные
// ошибки ретраятся с экспоненциальным бэкофом, перманентные снимают чат с
// прогрева сразу.
type Backfill struct {
	depth     int
	chatDelay time.Duration
	client    Source
	store     Cursors
	pipe      Processor
	cache     Readiness
	throttler *throttle.Throttler

	mu      sync.Mutex
	running bool
	last    Stats
}

// New собирает прогрев. Нулевые лимиты заменяются значениями по умолчанию.
func New(opts Options) (*Backfill, error) {
	switch {
	case opts.Client == nil:
		return nil, errors.New("history: client is required")
	case opts.Store == nil:
		return nil, errors.New("history: store is required")
	case opts.Pipeline == nil:
		return nil, errors.New("history: pipeline is required")
	case opts.Cache == nil:
		return nil, errors.New("history: message cache is required")
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 1000
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	return &Backfill{
		depth:     depth,
		chatDelay: opts.ChatDelay,
		client:    opts.Client,
		store:     opts.Store,
		pipe:      opts.Pipeline,
		cache:     opts.Cache,
		throttler: throttle.New(1,
			throttle.WithMaxRetries(attempts),
			throttle.WithBackoff(backoffBase, backoffCeil),
			throttle.WithWaitExtractors(stream.AsFloodWait),
		),
	}, nil
}

// Start поднимает троттлер прогрева. Идемпотентен.
func (b *Backfill) Start(ctx context.Context) { b.throttler.Start(ctx) }

// Stop гасит троттлер; идущий Run завершится ошибкой отмены.
func (b *Backfill) Stop() { b.throttler.Stop() }

// Running сообщает, идёт ли прогрев прямо сейчас.
func (b *Backfill) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Last возвращает сводку последнего завершённого прогрева.
func (b *Backfill) Last() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Run выполняет полный проход по отслеживаемым чатам. Ошибки отдельных чатов
// не прерывают проход; прерывают только отмена контекста и потеря сессии.
func (b *Backfill) Run(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return Stats{}, ErrAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	chats, err := b.store.WatchedChatIDs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("прогрев: список чатов: %w", err)
	}
	if len(chats) == 0 {
		logger.Infof("прогрев: отслеживаемых чатов нет")
		return Stats{}, nil
	}

	start := time.Now()
	var st Stats
	for i, chatID := range chats {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		replayed, err := b.replayChat(ctx, chatID)
		st.Messages += replayed
		switch {
		case err == nil:
			st.Chats++
			logger.Infof("прогрев: чат %d готов, %d сообщений", chatID, replayed)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return st, err
		case stream.IsAuth(err):
			// Сессия мертва: остальные чаты ждать нечего.
			return st, fmt.Errorf("прогрев: %w", err)
		default:
			st.Skipped++
			logger.Warnf("прогрев: чат %d пропущен: %v", chatID, err)
		}
		if i < len(chats)-1 {
			if err := b.pause(ctx); err != nil {
				return st, err
			}
		}
	}
	st.Duration = time.Since(start)

	b.mu.Lock()
	b.last = st
	b.mu.Unlock()
	logger.Infof("прогрев завершён: %d чатов, %d пропущено, %d сообщений за %s",
		st.Chats, st.Skipped, st.Messages, st.Duration.Round(time.Millisecond))
	return st, nil
}

// replayChat прогревает один чат под троттлером. Между попытками после
// транзиентной ошибки сессия пересоздаётся; после FLOOD_WAIT — нет, там
// достаточно выждать серверную паузу.
func (b *Backfill) replayChat(ctx context.Context, chatID int64) (int, error) {
	var lastErr error
	var replayed int
	err := b.throttler.Do(ctx, func() error {
		if lastErr != nil {
			if _, flood := stream.AsFloodWait(lastErr); !flood {
				if rerr := b.client.Reconnect(ctx); rerr != nil {
					logger.Warnf("прогрев: переподключение перед повтором чата %d: %v", chatID, rerr)
				}
			}
		}
		n, err := b.replayOnce(ctx, chatID)
		replayed = n
		lastErr = err
		return err
	})
	return replayed, err
}

// replayOnce выполняет одну попытку прогрева чата: читает историю выше
// курсора (по каждой форумной теме отдельно), прогоняет сообщения через
// каскад, помечает кэш готовым и продвигает курсор.
func (b *Backfill) replayOnce(ctx context.Context, chatID int64) (int, error) {
	cursor, err := b.store.BackfillCursor(ctx, chatID)
	if err != nil {
		return 0, err
	}

	topics := []int{0}
	if c, cerr := b.store.ChatByID(ctx, chatID); cerr == nil && c.Forum {
		list, terr := b.client.Topics(ctx, chatID)
		if terr != nil {
			return 0, terr
		}
		if len(list) > 0 {
			topics = topics[:0]
			for _, t := range list {
				topics = append(topics, t.ID)
			}
		}
	}

	maxID := cursor
	count := 0
	for _, topicID := range topics {
		err := b.client.History(ctx, chatID, topicID, cursor, b.depth, func(msg *stream.Message) error {
			// Сбой каскада по одному сообщению чат не роняет: сообщение
			// просто останется без анализов до следующего прохода.
			if perr := b.pipe.Process(ctx, msg); perr != nil {
				logger.Warnf("прогрев: чат %d сообщение %d: %v", chatID, msg.ID, perr)
			}
			count++
			if msg.ID > maxID {
				maxID = msg.ID
			}
			return ctx.Err()
		})
		if err != nil {
			return count, err
		}
	}

	b.cache.MarkReady(chatID)
	if maxID > cursor {
		if err := b.store.SaveBackfillCursor(ctx, chatID, maxID); err != nil {
			return count, err
		}
	}
	return count, nil
}

// pause выдерживает межчатовую паузу с джиттером ±25%.
func (b *Backfill) pause(ctx context.Context) error {
	if b.chatDelay <= 0 {
		return nil
	}
	jitter := 0.75 + rand.Float64()*0.5
	timer := time.NewTimer(time.Duration(float64(b.chatDelay) * jitter))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
