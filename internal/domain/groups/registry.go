// Пакет groups — реестр отслеживаемых групп. Он сверяет записи в хранилище с
// реальным состоянием аккаунта: разрешает @handle, вступает туда, где аккаунт
// ещё не состоит, и освежает снимки метаданных (название, тип, форумность,
// число участников). Снимки нужны уведомлениям для заголовков и ссылок, а
// прогреву истории — для обхода форумных тем.
package groups

import (
	"context"
	"fmt"
	"strings"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
)

// Directory — срез хранилища, нужный реестру.
type Directory interface {
	Chats(ctx context.Context) ([]store.Chat, error)
	ChatByID(ctx context.Context, id int64) (store.Chat, error)
	UpsertChat(ctx context.Context, c store.Chat) error
}

// Membership — срез upstream-клиента, нужный реестру.
type Membership interface {
	Chat(ctx context.Context, chatID int64) (stream.ChatInfo, error)
	Resolve(ctx context.Context, handle string) (stream.ChatInfo, error)
	Join(ctx context.Context, handleOrInvite string) (stream.ChatInfo, error)
	Member(ctx context.Context, chatID, userID int64) (stream.Member, error)
}

// Registry сопоставляет реестр чатов в хранилище с состоянием аккаунта.
type Registry struct {
	dir    Directory
	client Membership
	selfID int64
}

// NewRegistry создаёт реестр. selfID — id аккаунта радара, им проверяется членство.
func NewRegistry(dir Directory, client Membership, selfID int64) *Registry {
	return &Registry{dir: dir, client: client, selfID: selfID}
}

// SetSelf задаёт id аккаунта после логина. Вызывается один раз, до запуска
// сервисов, которые пользуются реестром.
func (r *Registry) SetSelf(id int64) { r.selfID = id }

// Add вступает в чат по @handle или инвайт-ссылке и заносит его в реестр.
func (r *Registry) Add(ctx context.Context, handleOrInvite string) (store.Chat, error) {
	handleOrInvite = strings.TrimSpace(handleOrInvite)
	if handleOrInvite == "" {
		return store.Chat{}, fmt.Errorf("реестр групп: пустой идентификатор чата")
	}

	info, err := r.client.Join(ctx, handleOrInvite)
	if err != nil {
		return store.Chat{}, fmt.Errorf("вступление в %q: %w", handleOrInvite, err)
	}

	snap := snapshot(info)
	if isInvite(handleOrInvite) {
		snap.Invite = handleOrInvite
	}
	if err := r.dir.UpsertChat(ctx, snap); err != nil {
		return store.Chat{}, err
	}
	logger.Infof("реестр групп: добавлен чат %d (%s)", snap.ID, snap.Title)
	return snap, nil
}

// Sync проходит по реестру: освежает метаданные каждого чата и вступает туда,
// где аккаунт не состоит, если у записи есть username или инвайт. Ошибки по
// отдельным чатам не прерывают обход, возвращается число успешно сверенных.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	chats, err := r.dir.Chats(ctx)
	if err != nil {
		return 0, fmt.Errorf("реестр групп: %w", err)
	}

	synced := 0
	for _, c := range chats {
		select {
		case <-ctx.Done():
			return synced, ctx.Err()
		default:
		}
		if err := r.syncOne(ctx, c); err != nil {
			logger.Warnf("реестр групп: чат %d: %v", c.ID, err)
			continue
		}
		synced++
	}
	return synced, nil
}

// syncOne сверяет один чат: членство, метаданные, снимок в хранилище.
func (r *Registry) syncOne(ctx context.Context, c store.Chat) error {
	info, err := r.client.Chat(ctx, c.ID)
	if err == nil {
		member, merr := r.client.Member(ctx, c.ID, r.selfID)
		if merr == nil && !member.Joined {
			info, err = r.join(ctx, c)
			if err != nil {
				return err
			}
		}
	} else {
		// Чат недоступен: аккаунт не состоит в нём или пир неизвестен.
		info, err = r.join(ctx, c)
		if err != nil {
			return err
		}
	}

	snap := snapshot(info)
	snap.Invite = c.Invite
	return r.dir.UpsertChat(ctx, snap)
}

// join вступает в чат по username либо инвайту из записи реестра.
func (r *Registry) join(ctx context.Context, c store.Chat) (stream.ChatInfo, error) {
	switch {
	case c.Username != "":
		return r.client.Join(ctx, "@"+strings.TrimPrefix(c.Username, "@"))
	case c.Invite != "":
		return r.client.Join(ctx, c.Invite)
	default:
		return stream.ChatInfo{}, fmt.Errorf("нет ни username, ни инвайта для вступления")
	}
}

// Snapshot возвращает реестр чатов из хранилища (операторская команда groups).
func (r *Registry) Snapshot(ctx context.Context) ([]store.Chat, error) {
	return r.dir.Chats(ctx)
}

// Title возвращает название чата из реестра либо подстановку по id.
func (r *Registry) Title(ctx context.Context, chatID int64) string {
	c, err := r.dir.ChatByID(ctx, chatID)
	if err != nil || c.Title == "" {
		return fmt.Sprintf("чат %d", chatID)
	}
	return c.Title
}

// Link строит публичную t.me-ссылку на сообщение чата: через username, если
// он есть в снимке, иначе числовой формат t.me/c. У legacy-групп публичных
// ссылок на сообщения нет.
func (r *Registry) Link(ctx context.Context, chatID int64, messageID int) string {
	c, err := r.dir.ChatByID(ctx, chatID)
	if err == nil && c.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(c.Username, "@"), messageID)
	}
	if err == nil && c.Kind == string(stream.ChatGroup) {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", chatID, messageID)
}

// snapshot переводит метаданные адаптера в строку реестра.
func snapshot(info stream.ChatInfo) store.Chat {
	return store.Chat{
		ID:          info.ID,
		Kind:        string(info.Kind),
		Title:       info.Title,
		Username:    info.Username,
		Forum:       info.Forum,
		MemberCount: info.MemberCount,
	}
}

// isInvite отличает инвайт-ссылку от @handle.
func isInvite(s string) bool {
	return strings.Contains(s, "t.me/+") || strings.Contains(s, "joinchat")
}
