// Пакет subscriptions держит горячий кэш активных подписок. Конвейер
// спрашивает подписки на каждое сообщение, а популярные группы дают сотни
// сообщений в минуту — ходить за каждым в SQLite расточительно. Кэш живёт
// TTL на чат, обновление одного чата схлопывается через singleflight.
//
// Фоновый цикл следит за появлением новых подписок: новые id получают
// эмбеддинги (лениво, с записью обратно в базу) и запускают ретроспективное
// сканирование накопленного кэша сообщений.
package subscriptions

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
)

// Source — срез хранилища, нужный кэшу подписок.
type Source interface {
	ActiveSubscriptionsForChat(ctx context.Context, chatID int64) ([]store.Subscription, error)
	ActiveSubscriptionIDs(ctx context.Context) ([]int64, error)
	SubscriptionByID(ctx context.Context, id int64) (store.Subscription, error)
	SaveSubscriptionEmbeddings(ctx context.Context, id int64, positive, negative map[string][]float32) error
}

// Embedder считает векторы ключевых фраз. Живость проверяется перед серией
// запросов, чтобы не долбить упавший сервис по каждой фразе.
type Embedder interface {
	Enabled() bool
	Alive(ctx context.Context) bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OnNewFunc вызывается для каждой подписки, впервые замеченной фоновым
// циклом. Сюда подключается ретроспективное сканирование.
type OnNewFunc func(ctx context.Context, sub store.Subscription)

// Stats — сводка кэша для операторской команды status.
type Stats struct {
	CachedChats int // чатов с горячим списком подписок
	Known       int // активных подписок, замеченных фоновым циклом
}

type entry struct {
	subs        []store.Subscription
	refreshedAt time.Time
}

// Cache — TTL-кэш активных подписок по чатам.
type Cache struct {
	source   Source
	embedder Embedder
	ttl      time.Duration
	onNew    OnNewFunc

	group singleflight.Group

	mu      sync.Mutex
	entries map[int64]entry
	known   map[int64]struct{}
	seeded  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCache создаёт кэш подписок с временем жизни ttl на чат.
func NewCache(source Source, embedder Embedder, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		source:   source,
		embedder: embedder,
		ttl:      ttl,
		entries:  make(map[int64]entry),
		known:    make(map[int64]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnNew регистрирует обработчик новых подписок. Вызывается до Start.
func (c *Cache) OnNew(fn OnNewFunc) { c.onNew = fn }

// ForChat возвращает активные подписки, применимые к чату. Протухший список
// перечитывается из хранилища; конкурентные промахи по одному чату
// схлопываются в один запрос.
func (c *Cache) ForChat(ctx context.Context, chatID int64) ([]store.Subscription, error) {
	c.mu.Lock()
	if e, ok := c.entries[chatID]; ok && time.Since(e.refreshedAt) < c.ttl {
		subs := e.subs
		c.mu.Unlock()
		return subs, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(strconv.FormatInt(chatID, 10), func() (any, error) {
		subs, err := c.source.ActiveSubscriptionsForChat(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("подписки чата %d: %w", chatID, err)
		}
		c.mu.Lock()
		c.entries[chatID] = entry{subs: subs, refreshedAt: time.Now()}
		c.mu.Unlock()
		return subs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Subscription), nil
}

// Invalidate сбрасывает кэш целиком. Дёргается после любого изменения
// подписок: следующий запрос по каждому чату перечитает базу.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[int64]entry)
	c.mu.Unlock()
	logger.Debug("кэш подписок сброшен")
}

// Stats считает сводку по кэшу.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{CachedChats: len(c.entries), Known: len(c.known)}
}

// Start запускает фоновый цикл обновления. Первый проход только запоминает
// уже существующие подписки: гонять ретроспективное сканирование по всему
// списку на старте бессмысленно — кэш сообщений ещё пуст.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()

		c.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

// Stop останавливает фоновый цикл и дожидается его завершения.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// refresh сверяет активные id с уже виденными и обрабатывает новичков.
func (c *Cache) refresh(ctx context.Context) {
	ids, err := c.source.ActiveSubscriptionIDs(ctx)
	if err != nil {
		logger.Warnf("обновление подписок: %v", err)
		return
	}

	c.mu.Lock()
	seeded := c.seeded
	fresh := make([]int64, 0)
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
		if _, ok := c.known[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	c.known = next
	c.seeded = true
	c.mu.Unlock()

	if !seeded {
		if len(fresh) > 0 {
			logger.Infof("подписки: при старте активно %d", len(fresh))
			c.hydrate(ctx, fresh)
		}
		return
	}
	if len(fresh) == 0 {
		return
	}

	logger.Infof("подписки: новых %d", len(fresh))
	c.Invalidate()
	for _, id := range fresh {
		sub, err := c.source.SubscriptionByID(ctx, id)
		if err != nil {
			logger.Warnf("подписка %d: %v", id, err)
			continue
		}
		if err := c.EnsureEmbeddings(ctx, &sub); err != nil {
			logger.Warnf("эмбеддинги подписки %d: %v", id, err)
		}
		if c.onNew != nil {
			c.onNew(ctx, sub)
		}
	}
}

// hydrate досчитывает эмбеддинги стартового набора подписок.
func (c *Cache) hydrate(ctx context.Context, ids []int64) {
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sub, err := c.source.SubscriptionByID(ctx, id)
		if err != nil {
			logger.Warnf("подписка %d: %v", id, err)
			continue
		}
		if err := c.EnsureEmbeddings(ctx, &sub); err != nil {
			logger.Warnf("эмбеддинги подписки %d: %v", id, err)
		}
	}
}

// EnsureEmbeddings досчитывает недостающие векторы ключевых и запрещённых
// фраз подписки и пишет их обратно в хранилище. Подписка дополняется на
// месте; уже посчитанные векторы не пересчитываются.
func (c *Cache) EnsureEmbeddings(ctx context.Context, sub *store.Subscription) error {
	if c.embedder == nil || !c.embedder.Enabled() {
		return nil
	}

	missing := missingPhrases(sub.Keywords, sub.Embeddings)
	missingNeg := missingPhrases(sub.Negatives, sub.NegEmbeddings)
	if len(missing) == 0 && len(missingNeg) == 0 {
		return nil
	}
	if !c.embedder.Alive(ctx) {
		return fmt.Errorf("сервис эмбеддингов недоступен")
	}

	if sub.Embeddings == nil {
		sub.Embeddings = make(map[string][]float32)
	}
	if sub.NegEmbeddings == nil {
		sub.NegEmbeddings = make(map[string][]float32)
	}

	computed := 0
	for _, phrase := range missing {
		vec, err := c.embedder.Embed(ctx, phrase)
		if err != nil {
			return fmt.Errorf("вектор фразы %q: %w", phrase, err)
		}
		sub.Embeddings[phrase] = vec
		computed++
	}
	for _, phrase := range missingNeg {
		vec, err := c.embedder.Embed(ctx, phrase)
		if err != nil {
			return fmt.Errorf("вектор фразы %q: %w", phrase, err)
		}
		sub.NegEmbeddings[phrase] = vec
		computed++
	}

	if computed > 0 {
		if err := c.source.SaveSubscriptionEmbeddings(ctx, sub.ID, sub.Embeddings, sub.NegEmbeddings); err != nil {
			return fmt.Errorf("сохранение эмбеддингов: %w", err)
		}
		logger.Debugf("подписка %d: досчитано векторов: %d", sub.ID, computed)
	}
	return nil
}

// missingPhrases возвращает фразы, для которых ещё нет вектора.
func missingPhrases(phrases []string, have map[string][]float32) []string {
	var missing []string
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
