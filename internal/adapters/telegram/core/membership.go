package core

import (
	"context"
	"strings"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// Resolve разрешает @handle или ссылку t.me в метаданные чата, не вступая в
// него. Инвайт-ссылки сюда не подходят: их разрешение без вступления отдаёт
// неполные данные, поэтому они обрабатываются только в Join.
func (c *Client) Resolve(ctx context.Context, handle string) (stream.ChatInfo, error) {
	p, err := c.resolveHandle(ctx, handle)
	if err != nil {
		return stream.ChatInfo{}, classify(err)
	}
	info, ok := chatInfoOf(p)
	if !ok {
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "PEER_NOT_GROUP"}
	}
	c.rememberKindOf(info)
	return info, nil
}

// Join вступает в чат по @handle или инвайт-ссылке. Повторное вступление не
// считается ошибкой: метод тогда просто возвращает метаданные чата.
func (c *Client) Join(ctx context.Context, handleOrInvite string) (stream.ChatInfo, error) {
	if hash, ok := inviteHash(handleOrInvite); ok {
		return c.joinByInvite(ctx, hash)
	}
	return c.joinPublic(ctx, handleOrInvite)
}

// Member возвращает статус участника userID в чате chatID.
func (c *Client) Member(ctx context.Context, chatID, userID int64) (stream.Member, error) {
	peer, err := c.resolveChatPeer(ctx, chatID)
	if err != nil {
		return stream.Member{}, err
	}
	switch v := peer.(type) {
	case peers.Channel:
		return c.channelMember(ctx, v, userID)
	case peers.Chat:
		return c.legacyMember(ctx, chatID, userID)
	default:
		return stream.Member{}, &stream.PermanentError{Reason: "PEER_NOT_GROUP"}
	}
}

// resolveHandle различает ссылки t.me и голые @username.
func (c *Client) resolveHandle(ctx context.Context, handle string) (peers.Peer, error) {
	s := strings.TrimSpace(handle)
	if strings.Contains(s, "t.me/") {
		return c.peers.Mgr.ResolveDeeplink(ctx, s)
	}
	return c.peers.Mgr.ResolveDomain(ctx, strings.TrimPrefix(s, "@"))
}

func (c *Client) joinByInvite(ctx context.Context, hash string) (stream.ChatInfo, error) {
	updates, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return c.inviteInfo(ctx, hash)
		}
		return stream.ChatInfo{}, classify(err)
	}
	info, ok := c.chatFromUpdates(ctx, updates)
	if !ok {
		// Telegram принял инвайт, но чат в апдейтах не прислал. Такое
		// случается у заявочных инвайтов: вступление ещё не одобрено.
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "INVITE_REQUEST_SENT"}
	}
	return info, nil
}

// inviteInfo достаёт метаданные чата по инвайту, в котором аккаунт уже состоит.
func (c *Client) inviteInfo(ctx context.Context, hash string) (stream.ChatInfo, error) {
	invite, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return stream.ChatInfo{}, classify(err)
	}
	var chat tg.ChatClass
	switch v := invite.(type) {
	case *tg.ChatInviteAlready:
		chat = v.Chat
	case *tg.ChatInvitePeek:
		chat = v.Chat
	default:
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "INVITE_UNRESOLVED"}
	}
	info, ok := chatInfoFromChats([]tg.ChatClass{chat})
	if !ok {
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "PEER_NOT_GROUP"}
	}
	c.rememberKindOf(info)
	return info, nil
}

func (c *Client) joinPublic(ctx context.Context, handle string) (stream.ChatInfo, error) {
	p, err := c.resolveHandle(ctx, handle)
	if err != nil {
		return stream.ChatInfo{}, classify(err)
	}
	ch, ok := p.(peers.Channel)
	if !ok {
		// Публичные username бывают только у супергрупп и каналов.
		return stream.ChatInfo{}, &stream.PermanentError{Reason: "PEER_NOT_GROUP"}
	}
	if _, err := c.api.ChannelsJoinChannel(ctx, ch.InputChannel()); err != nil {
		if !tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return stream.ChatInfo{}, classify(err)
		}
	}
	info, _ := chatInfoOf(p)
	c.rememberKindOf(info)
	return info, nil
}

// chatFromUpdates вытаскивает вступленный чат из ответа Telegram и попутно
// скармливает сущности менеджеру пиров, чтобы последующие разрешения не
// ходили в сеть.
func (c *Client) chatFromUpdates(ctx context.Context, u tg.UpdatesClass) (stream.ChatInfo, bool) {
	var users []tg.UserClass
	var chats []tg.ChatClass
	switch v := u.(type) {
	case *tg.Updates:
		users, chats = v.Users, v.Chats
	case *tg.UpdatesCombined:
		users, chats = v.Users, v.Chats
	}
	if len(users)+len(chats) > 0 {
		if err := c.peers.Mgr.Apply(ctx, users, chats); err != nil {
			logger.Warnf("вступление: сохранение сущностей: %v", err)
		}
	}
	info, ok := chatInfoFromChats(chats)
	if ok {
		c.rememberKindOf(info)
	}
	return info, ok
}

// chatInfoFromChats строит метаданные по первому групповому чату в списке.
func chatInfoFromChats(chats []tg.ChatClass) (stream.ChatInfo, bool) {
	for _, cc := range chats {
		switch v := cc.(type) {
		case *tg.Channel:
			kind := stream.ChatChannel
			if v.Megagroup {
				kind = stream.ChatSuper
			}
			return stream.ChatInfo{
				ID:          v.ID,
				Kind:        kind,
				Title:       v.Title,
				Username:    v.Username,
				Forum:       v.Forum,
				MemberCount: v.ParticipantsCount,
			}, true
		case *tg.Chat:
			return stream.ChatInfo{
				ID:          v.ID,
				Kind:        stream.ChatGroup,
				Title:       v.Title,
				MemberCount: v.ParticipantsCount,
			}, true
		}
	}
	return stream.ChatInfo{}, false
}

// rememberKindOf подсказывает resolveChatPeer тип свежеизвестного чата.
func (c *Client) rememberKindOf(info stream.ChatInfo) {
	if info.ID == 0 {
		return
	}
	kind := peersmgr.DialogKindChannel
	if info.Kind == stream.ChatGroup {
		kind = peersmgr.DialogKindChat
	}
	c.rememberKind(info.ID, kind)
}

func (c *Client) channelMember(ctx context.Context, ch peers.Channel, userID int64) (stream.Member, error) {
	var participant tg.InputPeerClass
	if userID == c.Self() {
		participant = &tg.InputPeerSelf{}
	} else {
		u, ok, err := c.peers.ResolvePeer(ctx, peersmgr.DialogKindUser, userID)
		if err != nil {
			return stream.Member{}, classify(err)
		}
		if !ok {
			return stream.Member{}, &stream.PermanentError{Reason: "PEER_UNKNOWN"}
		}
		participant = u.InputPeer()
	}

	part, err := c.api.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:     ch.InputChannel(),
		Participant: participant,
	})
	if err != nil {
		if tgerr.Is(err, "USER_NOT_PARTICIPANT") {
			return stream.Member{UserID: userID}, nil
		}
		return stream.Member{}, classify(err)
	}

	m := stream.Member{UserID: userID, Joined: true}
	switch p := part.Participant.(type) {
	case *tg.ChannelParticipantCreator:
		m.Admin = true
	case *tg.ChannelParticipantAdmin:
		m.Admin = true
	case *tg.ChannelParticipantBanned:
		m.Joined = !p.Left
	case *tg.ChannelParticipantLeft:
		m.Joined = false
	}
	return m, nil
}

// legacyMember ищет участника в полном описании legacy-группы: отдельного
// метода запроса участника у messages.* нет.
func (c *Client) legacyMember(ctx context.Context, chatID, userID int64) (stream.Member, error) {
	full, err := c.api.MessagesGetFullChat(ctx, chatID)
	if err != nil {
		return stream.Member{}, classify(err)
	}
	chatFull, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return stream.Member{}, &stream.PermanentError{Reason: "CHAT_ID_INVALID"}
	}
	switch parts := chatFull.Participants.(type) {
	case *tg.ChatParticipants:
		for _, p := range parts.Participants {
			if p.GetUserID() != userID {
				continue
			}
			m := stream.Member{UserID: userID, Joined: true}
			switch p.(type) {
			case *tg.ChatParticipantCreator, *tg.ChatParticipantAdmin:
				m.Admin = true
			}
			return m, nil
		}
	case *tg.ChatParticipantsForbidden:
		if self, ok := parts.GetSelfParticipant(); ok && userID == c.Self() {
			return stream.Member{UserID: userID, Joined: self.GetUserID() == userID}, nil
		}
	}
	return stream.Member{UserID: userID}, nil
}

// inviteHash извлекает хэш инвайта из поддерживаемых форм ссылок:
// t.me/+HASH, t.me/joinchat/HASH и голой формы +HASH. Публичные @username
// инвайтами не считаются.
func inviteHash(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if i := strings.Index(s, "joinchat/"); i >= 0 {
		return trimInviteTail(s[i+len("joinchat/"):])
	}
	if i := strings.Index(s, "t.me/+"); i >= 0 {
		return trimInviteTail(s[i+len("t.me/+"):])
	}
	if strings.HasPrefix(s, "+") {
		return trimInviteTail(s[1:])
	}
	return "", false
}

// trimInviteTail отрезает от хэша хвост ссылки (слэш, query-параметры).
func trimInviteTail(s string) (string, bool) {
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "", false
	}
	return s, true
}
