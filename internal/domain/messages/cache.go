// Пакет messages — кэш недавних сообщений по чатам. Нужен ретроспективному
// сканированию: новая подписка прогоняется по уже увиденной истории без
// повторного похода в Telegram. Кэш наполняют живой поток и прогрев истории;
// правки обновляют текст, удаления вычищают запись.
//
// Флаг ready выставляется после завершения прогрева чата и означает, что кэш
// этого чата — связный хвост истории, а не случайные обрывки.
package messages

import (
	"sync"
	"time"
)

// Cached — минимальный слепок сообщения для повторного поиска.
type Cached struct {
	ID       int
	Text     string
	SenderID int64
	Sender   string
	TopicID  int
	Date     time.Time
}

// Stats — сводка кэша для операторской команды status.
type Stats struct {
	Chats    int // чатов в кэше
	Messages int // сообщений суммарно
	Ready    int // чатов с завершённым прогревом
}

// Cache — потокобезопасный кэш сообщений, ограниченный perChat записями на чат.
type Cache struct {
	mu      sync.RWMutex
	perChat int
	chats   map[int64]*chatRing
}

// chatRing — кольцо одного чата: порядок вставки плюс индекс по id.
type chatRing struct {
	order []int
	byID  map[int]Cached
	ready bool
}

// NewCache создаёт кэш с лимитом perChat сообщений на чат.
func NewCache(perChat int) *Cache {
	if perChat <= 0 {
		perChat = 1
	}
	return &Cache{
		perChat: perChat,
		chats:   make(map[int64]*chatRing),
	}
}

// Add кладёт сообщение в кэш чата. Повторная вставка того же id обновляет
// запись без сдвига порядка; при переполнении вытесняется старейшее.
func (c *Cache) Add(chatID int64, m Cached) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring, ok := c.chats[chatID]
	if !ok {
		ring = &chatRing{byID: make(map[int]Cached)}
		c.chats[chatID] = ring
	}

	if _, exists := ring.byID[m.ID]; exists {
		ring.byID[m.ID] = m
		return
	}

	ring.byID[m.ID] = m
	ring.order = append(ring.order, m.ID)
	for len(ring.order) > c.perChat {
		oldest := ring.order[0]
		ring.order = ring.order[1:]
		delete(ring.byID, oldest)
	}
}

// UpdateText обновляет текст закэшированного сообщения (правка в чате).
// Отсутствующие сообщения игнорируются: кэш не обязан помнить всё.
func (c *Cache) UpdateText(chatID int64, id int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring, ok := c.chats[chatID]
	if !ok {
		return
	}
	m, ok := ring.byID[id]
	if !ok {
		return
	}
	m.Text = text
	ring.byID[id] = m
}

// Delete убирает сообщения из кэша чата.
func (c *Cache) Delete(chatID int64, ids ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring, ok := c.chats[chatID]
	if !ok {
		return
	}
	for _, id := range ids {
		if _, exists := ring.byID[id]; !exists {
			continue
		}
		delete(ring.byID, id)
		for i, ordered := range ring.order {
			if ordered == id {
				ring.order = append(ring.order[:i], ring.order[i+1:]...)
				break
			}
		}
	}
}

// Messages возвращает копию кэша чата в порядке вставки (старые раньше).
func (c *Cache) Messages(chatID int64) []Cached {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring, ok := c.chats[chatID]
	if !ok {
		return nil
	}
	result := make([]Cached, 0, len(ring.order))
	for _, id := range ring.order {
		result = append(result, ring.byID[id])
	}
	return result
}

// ChatIDs возвращает чаты, у которых в кэше есть хоть что-то.
func (c *Cache) ChatIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int64, 0, len(c.chats))
	for id := range c.chats {
		ids = append(ids, id)
	}
	return ids
}

// MarkReady помечает чат прогретым. Чат без единого сообщения тоже может быть
// прогрет: пустая история — валидный итог прогрева.
func (c *Cache) MarkReady(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring, ok := c.chats[chatID]
	if !ok {
		ring = &chatRing{byID: make(map[int]Cached)}
		c.chats[chatID] = ring
	}
	ring.ready = true
}

// Ready сообщает, завершился ли прогрев чата.
func (c *Cache) Ready(chatID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring, ok := c.chats[chatID]
	return ok && ring.ready
}

// Stats считает сводку по кэшу.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{Chats: len(c.chats)}
	for _, ring := range c.chats {
		st.Messages += len(ring.byID)
		if ring.ready {
			st.Ready++
		}
	}
	return st
}
