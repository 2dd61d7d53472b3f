// Package cache — оперативный кэш tg.InputPeer* и метаданных сущностей
// Telegram (username, имена пользователей, заголовки и флаги чатов). Кэш
// наполняется лениво из entities входящих апдейтов и избавляет конвейер от
// лишних RPC: конвертация сообщения в доменную форму и отладочная печать
// апдейтов читают метаданные только отсюда. Fallback-запрос к API есть лишь
// для пользователей (users.getUsers); у групп и каналов access_hash без
// entities не достать.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gotd/td/tg"
)

// PeerCache хранит InputPeer всех типов диалогов и связанные метаданные.
// Все карты защищены общим RWMutex. Экземпляр живёт как singleton: создаётся
// через Init(ctx, api), дальше доступен через глобальные обёртки.
type PeerCache struct {
	ctx              context.Context
	api              *tg.Client
	mu               sync.RWMutex
	channels         map[int64]*tg.InputPeerChannel
	users            map[int64]*tg.InputPeerUser
	chats            map[int64]*tg.InputPeerChat
	channelUsernames map[int64]string
	userUsernames    map[int64]string
	userFirstNames   map[int64]string
	userLastNames    map[int64]string
	chatTitles       map[int64]string
	channelTitles    map[int64]string
	channelFlags     map[int64]channelFlags
}

// channelFlags — тип канала на стороне Telegram: broadcast для канала
// трансляции, megagroup для супергруппы. Значения берутся из tg.Channel.
type channelFlags struct {
	broadcast bool
	megagroup bool
}

var (
	// peerCacheMu защищает глобальный singleton от гонок при инициализации.
	peerCacheMu       sync.RWMutex
	peerCacheInstance *PeerCache

	errPeerCacheInitError      = errors.New("peercache initialization error; nil arguments")
	errPeerCacheNotInitialized = errors.New("peercache: peer cache not initialized; call peercache.Init before use")
)

// Init создаёт singleton кэша. Оба аргумента обязательны, при nil — panic.
// Повторный вызов перезаписывает предыдущий инстанс. Контекст используется
// во внутренних fallback-RPC.
func Init(ctx context.Context, api *tg.Client) {
	if ctx == nil || api == nil {
		panic(errPeerCacheInitError)
	}
	cache := &PeerCache{
		ctx:              ctx,
		api:              api,
		channels:         make(map[int64]*tg.InputPeerChannel),
		users:            make(map[int64]*tg.InputPeerUser),
		chats:            make(map[int64]*tg.InputPeerChat),
		channelUsernames: make(map[int64]string),
		userUsernames:    make(map[int64]string),
		userFirstNames:   make(map[int64]string),
		userLastNames:    make(map[int64]string),
		chatTitles:       make(map[int64]string),
		channelTitles:    make(map[int64]string),
		channelFlags:     make(map[int64]channelFlags),
	}
	peerCacheMu.Lock()
	peerCacheInstance = cache
	peerCacheMu.Unlock()
}

// mustPeerCache возвращает текущий singleton, паникуя до Init. Используется
// только глобальными обёртками пакета.
func mustPeerCache() *PeerCache {
	peerCacheMu.RLock()
	cache := peerCacheInstance
	peerCacheMu.RUnlock()
	if cache == nil {
		panic(errPeerCacheNotInitialized)
	}
	return cache
}

func (c *PeerCache) getChannel(id int64) (*tg.InputPeerChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.channels[id]
	return p, ok
}

func (c *PeerCache) getUser(id int64) (*tg.InputPeerUser, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

func (c *PeerCache) getChat(id int64) (*tg.InputPeerChat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.chats[id]
	return ch, ok
}

// putChannel сохраняет InputPeerChannel. Нулевой id и nil игнорируются.
func (c *PeerCache) putChannel(id int64, ch *tg.InputPeerChannel) {
	if id == 0 || ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[id] = ch
}

// putUser сохраняет InputPeerUser. Нулевой id и nil игнорируются.
func (c *PeerCache) putUser(id int64, u *tg.InputPeerUser) {
	if id == 0 || u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[id] = u
}

// putChat сохраняет InputPeerChat. Нулевой id и nil игнорируются.
func (c *PeerCache) putChat(id int64, ch *tg.InputPeerChat) {
	if id == 0 || ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[id] = ch
}

// storeChannelMeta запоминает username (без @), заголовок и флаги канала.
func (c *PeerCache) storeChannelMeta(ch *tg.Channel) {
	if ch == nil {
		return
	}
	name := strings.TrimPrefix(ch.Username, "@")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelUsernames[ch.ID] = name
	c.channelTitles[ch.ID] = ch.Title
	c.channelFlags[ch.ID] = channelFlags{
		broadcast: ch.Broadcast,
		megagroup: ch.Megagroup,
	}
}

// storeUserMeta запоминает username (без @), имя и фамилию пользователя.
func (c *PeerCache) storeUserMeta(u *tg.User) {
	if u == nil {
		return
	}
	name := strings.TrimPrefix(u.Username, "@")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userUsernames[u.ID] = name
	c.userFirstNames[u.ID] = u.FirstName
	c.userLastNames[u.ID] = u.LastName
}

// storeChatMeta запоминает заголовок обычной группы (tg.Chat без access_hash).
func (c *PeerCache) storeChatMeta(ch *tg.Chat) {
	if ch == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatTitles[ch.ID] = ch.Title
}

// ChannelUsername возвращает username канала. Пустая строка считается
// отсутствием данных.
func (c *PeerCache) ChannelUsername(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.channelUsernames[id]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// ChannelUsername — глобальная обёртка над singleton-ом.
func ChannelUsername(id int64) (string, bool) {
	return mustPeerCache().ChannelUsername(id)
}

// ChannelTitle возвращает заголовок канала. Пустой заголовок — нет данных.
func (c *PeerCache) ChannelTitle(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	title, ok := c.channelTitles[id]
	if !ok || title == "" {
		return "", false
	}
	return title, true
}

// ChannelTitle — глобальная обёртка над singleton-ом.
func ChannelTitle(id int64) (string, bool) {
	return mustPeerCache().ChannelTitle(id)
}

// ChannelFlags возвращает (broadcast, megagroup, ok) для канала.
func (c *PeerCache) ChannelFlags(id int64) (bool, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	flags, ok := c.channelFlags[id]
	if !ok {
		return false, false, false
	}
	return flags.broadcast, flags.megagroup, true
}

// ChannelFlags — глобальная обёртка над singleton-ом.
func ChannelFlags(id int64) (bool, bool, bool) {
	return mustPeerCache().ChannelFlags(id)
}

// UserUsername возвращает username пользователя; пустые значения отбрасываются.
func (c *PeerCache) UserUsername(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.userUsernames[id]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// UserUsername — глобальная обёртка над singleton-ом.
func UserUsername(id int64) (string, bool) {
	return mustPeerCache().UserUsername(id)
}

// UserFirstName возвращает имя пользователя.
func (c *PeerCache) UserFirstName(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.userFirstNames[id]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// UserFirstName — глобальная обёртка над singleton-ом.
func UserFirstName(id int64) (string, bool) {
	return mustPeerCache().UserFirstName(id)
}

// UserLastName возвращает фамилию пользователя.
func (c *PeerCache) UserLastName(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.userLastNames[id]
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// UserLastName — глобальная обёртка над singleton-ом.
func UserLastName(id int64) (string, bool) {
	return mustPeerCache().UserLastName(id)
}

// ChatTitle возвращает заголовок обычной группы.
func (c *PeerCache) ChatTitle(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	title, ok := c.chatTitles[id]
	if !ok || title == "" {
		return "", false
	}
	return title, true
}

// ChatTitle — глобальная обёртка над singleton-ом.
func ChatTitle(id int64) (string, bool) {
	return mustPeerCache().ChatTitle(id)
}

// GetInputPeerRaw подбирает tg.InputPeerClass по message.PeerID и entities.
// Порядок разрешения:
//  1. локальный кэш;
//  2. entities из апдейта, с сохранением метаданных в кэш;
//  3. fallback-RPC только для пользователей (users.getUsers). Для групп и
//     каналов без entities access_hash получить нельзя — ошибка.
func (c *PeerCache) GetInputPeerRaw(
	entities tg.Entities,
	msg *tg.Message,
) (tg.InputPeerClass, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}

	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		if p, ok := c.getUser(peer.UserID); ok {
			return p, nil
		}
		if user, ok := entities.Users[peer.UserID]; ok && user != nil {
			p := &tg.InputPeerUser{
				UserID:     user.ID,
				AccessHash: user.AccessHash,
			}
			c.putUser(user.ID, p)
			c.storeUserMeta(user)
			return p, nil
		}
		return c.getUserFallback(peer.UserID)

	case *tg.PeerChat:
		if p, ok := c.getChat(peer.ChatID); ok {
			return p, nil
		}
		if chat, ok := entities.Chats[peer.ChatID]; ok && chat != nil {
			p := &tg.InputPeerChat{ChatID: chat.ID}
			c.putChat(chat.ID, p)
			c.storeChatMeta(chat)
			return p, nil
		}
		return nil, fmt.Errorf("chat %d not found in cache or entities", peer.ChatID)

	case *tg.PeerChannel:
		if p, ok := c.getChannel(peer.ChannelID); ok {
			return p, nil
		}
		if ch, ok := entities.Channels[peer.ChannelID]; ok && ch != nil {
			p := &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			c.putChannel(ch.ID, p)
			c.storeChannelMeta(ch)
			return p, nil
		}
		return nil, fmt.Errorf("channel %d not found in cache or entities", peer.ChannelID)

	default:
		return nil, fmt.Errorf("unsupported PeerID type: %T", peer)
	}
}

// GetInputPeerRaw — глобальная обёртка над методом кэша.
func GetInputPeerRaw(entities tg.Entities, msg *tg.Message) (tg.InputPeerClass, error) {
	return mustPeerCache().GetInputPeerRaw(entities, msg)
}

// getUserFallback выполняет users.getUsers, когда пользователя нет ни в кэше,
// ни в entities. InputUser с нулевым access_hash сервер принимает для id,
// которые аккаунт уже встречал.
func (c *PeerCache) getUserFallback(userID int64) (*tg.InputPeerUser, error) {
	users, err := c.api.UsersGetUsers(c.ctx, []tg.InputUserClass{
		&tg.InputUser{UserID: userID, AccessHash: 0},
	})
	if err != nil {
		return nil, fmt.Errorf("UsersGetUsers failed: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	if u, ok := users[0].(*tg.User); ok {
		p := &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		c.putUser(u.ID, p)
		c.storeUserMeta(u)
		return p, nil
	}
	return nil, fmt.Errorf("unexpected type for user %d", userID)
}
