// Package core — MTProto-адаптер радара поверх gotd. Реализует доменный
// интерфейс stream.Client: перечитывание истории, форумные темы, диалоги,
// сборку альбомов, метаданные чатов, членство и вступление, скачивание медиа.
// Сырые ошибки MTProto приводятся к доменной таксономии (flood wait /
// permanent / auth) в classify.go; разрешение пиров идёт через peersmgr,
// ожидание сети — через connection.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/telegram/connection"
	"telegram-radar/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
)

// Client — адаптер stream.Client. Потокобезопасен: все поля неизменяемы после
// конструктора, кроме selfID (atomic) и кэша типов пиров (под мьютексом).
type Client struct {
	client *telegram.Client
	api    *tg.Client
	peers  *peersmgr.Service

	selfID atomic.Int64

	// kindMu защищает kinds — подсказки «канал или legacy-группа» по chatID.
	// Карта наполняется из входящих апдейтов и успешных разрешений, чтобы не
	// зондировать менеджер пиров заново на каждый вызов.
	kindMu sync.Mutex
	kinds  map[int64]peersmgr.DialogKind
}

// Компиляторная проверка соответствия доменному интерфейсу.
var _ stream.Client = (*Client)(nil)

// New собирает адаптер поверх готового MTProto-клиента и менеджера пиров.
func New(client *telegram.Client, peers *peersmgr.Service) *Client {
	if client == nil || peers == nil {
		panic("core: client and peers must not be nil")
	}
	return &Client{
		client: client,
		api:    client.API(),
		peers:  peers,
		kinds:  make(map[int64]peersmgr.DialogKind),
	}
}

// API возвращает низкоуровневый RPC-клиент gotd для соседних адаптеров
// (уведомитель, менеджер статуса).
func (c *Client) API() *tg.Client { return c.api }

// SetSelf запоминает id аккаунта радара после логина.
func (c *Client) SetSelf(id int64) { c.selfID.Store(id) }

// Self возвращает id аккаунта радара (0 до логина).
func (c *Client) Self() int64 { return c.selfID.Load() }

// WaitOnline блокирует до восстановления MTProto-соединения либо отмены ctx.
func (c *Client) WaitOnline(ctx context.Context) error {
	connection.WaitOnline(ctx)
	return ctx.Err()
}

// Reconnect помечает соединение потерянным и ждёт, пока монитор восстановит
// его. Используется фоновыми задачами после серии сетевых ошибок.
func (c *Client) Reconnect(ctx context.Context) error {
	connection.MarkDisconnected()
	connection.WaitOnline(ctx)
	return ctx.Err()
}

// rememberKind фиксирует подсказку типа пира для chatID.
func (c *Client) rememberKind(chatID int64, kind peersmgr.DialogKind) {
	c.kindMu.Lock()
	c.kinds[chatID] = kind
	c.kindMu.Unlock()
}

// hintedKind возвращает ранее подсмотренный тип пира.
func (c *Client) hintedKind(chatID int64) (peersmgr.DialogKind, bool) {
	c.kindMu.Lock()
	kind, ok := c.kinds[chatID]
	c.kindMu.Unlock()
	return kind, ok
}

// resolveChatPeer находит peers.Peer для отслеживаемого чата. Сначала
// используется подсказка из kinds, затем зондирование: канал → legacy-группа.
// Пользовательские пиры здесь не ищутся — чатовые операции к ним не применимы.
func (c *Client) resolveChatPeer(ctx context.Context, chatID int64) (peers.Peer, error) {
	probe := []peersmgr.DialogKind{peersmgr.DialogKindChannel, peersmgr.DialogKindChat}
	if kind, ok := c.hintedKind(chatID); ok {
		probe = []peersmgr.DialogKind{kind}
	}

	var lastErr error
	for _, kind := range probe {
		p, ok, err := c.peers.ResolvePeer(ctx, kind, chatID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Зонд не того типа у сервера оборачивается CHAT_ID_INVALID и
			// подобными; пробуем следующий тип, последняя ошибка — в отчёт.
			lastErr = err
			continue
		}
		if ok {
			c.rememberKind(chatID, kind)
			return p, nil
		}
	}
	if lastErr != nil {
		return nil, classify(lastErr)
	}
	return nil, &stream.PermanentError{
		Reason: "PEER_UNKNOWN",
		Err:    fmt.Errorf("peer %d отсутствует в кэше диалогов", chatID),
	}
}
