package core

import (
	"context"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/telegram/peers"
)

// Dialogs обновляет снимок диалогов аккаунта и перебирает группы и каналы.
// Лички и папки пропускаются: радар слушает только групповые чаты. Ошибка
// по отдельному диалогу логируется и не прерывает обход, ошибка из fn —
// прерывает.
func (c *Client) Dialogs(ctx context.Context, fn func(stream.ChatInfo) error) error {
	if err := c.peers.RefreshDialogs(ctx, c.api); err != nil {
		return classify(err)
	}
	for _, ref := range c.peers.Dialogs() {
		switch ref.Kind {
		case peersmgr.DialogKindChat, peersmgr.DialogKindChannel:
		default:
			continue
		}
		info, err := c.chatInfoByKind(ctx, ref.Kind, ref.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("диалоги: чат %d (%s): %v", ref.ID, ref.Kind, err)
			continue
		}
		c.rememberKind(info.ID, ref.Kind)
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Chat возвращает метаданные чата по его ID, разрешая peer через кэш пиров.
func (c *Client) Chat(ctx context.Context, chatID int64) (stream.ChatInfo, error) {
	peer, err := c.resolveChatPeer(ctx, chatID)
	if err != nil {
		return stream.ChatInfo{}, err
	}
	info, ok := chatInfoOf(peer)
	if !ok {
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "PEER_NOT_GROUP"}
	}
	return info, nil
}

// chatInfoByKind разрешает диалог известного типа в метаданные чата.
func (c *Client) chatInfoByKind(ctx context.Context, kind peersmgr.DialogKind, id int64) (stream.ChatInfo, error) {
	p, ok, err := c.peers.ResolvePeer(ctx, kind, id)
	if err != nil {
		return stream.ChatInfo{}, classify(err)
	}
	if !ok {
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "PEER_UNKNOWN"}
	}
	info, ok := chatInfoOf(p)
	if !ok {
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "PEER_NOT_GROUP"}
	}
	return info, nil
}

// chatInfoOf переводит peer gotd в доменные метаданные. Для личек и прочих
// сущностей возвращает false.
func chatInfoOf(p peers.Peer) (stream.ChatInfo, bool) {
	switch v := p.(type) {
	case peers.Channel:
		raw := v.Raw()
		kind := stream.ChatChannel
		if raw.Megagroup {
			kind = stream.ChatSuper
		}
		return stream.ChatInfo{
			ID:          raw.ID,
			Kind:        kind,
			Title:       raw.Title,
			Username:    raw.Username,
			Forum:       raw.Forum,
			MemberCount: raw.ParticipantsCount,
		}, true
	case peers.Chat:
		raw := v.Raw()
		return stream.ChatInfo{
			ID:          raw.ID,
			Kind:        stream.ChatGroup,
			Title:       raw.Title,
			MemberCount: raw.ParticipantsCount,
		}, true
	default:
		return stream.ChatInfo{}, false
	}
}
