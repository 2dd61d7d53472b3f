package core

import (
	"context"
	"fmt"
	"sort"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	tgruntime "telegram-radar/internal/infra/telegram/runtime"

	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
)

const (
	// historyPageLimit — максимум сообщений на страницу messages.getHistory.
	historyPageLimit = 100

	// Пауза между страницами истории, чтобы прогрев не выглядел скрейпингом.
	pageDelayMinMs = 555
	pageDelayMaxMs = 1111

	// topicsPageLimit — размер страницы channels.getForumTopics.
	topicsPageLimit = 100

	// albumWindow — ширина окна вокруг сообщения при сборке альбома. Telegram
	// ограничивает альбом десятью вложениями, окна в двадцать сообщений
	// хватает с запасом.
	albumWindow = 20
)

// History перебирает сообщения чата от старых к новым, строго выше minID и не
// глубже limit самых свежих. Страницы идут от новых к старым, поэтому хвост
// сперва собирается целиком и лишь затем скармливается fn в хронологическом
// порядке.
func (c *Client) History(ctx context.Context, chatID int64, topicID int, minID int, limit int, fn func(*stream.Message) error) error {
	if limit <= 0 {
		return nil
	}
	peer, err := c.resolveChatPeer(ctx, chatID)
	if err != nil {
		return err
	}
	input := peer.InputPeer()

	collected := make([]*stream.Message, 0, min(limit, historyPageLimit))
	offsetID := 0
	for len(collected) < limit {
		pageLimit := min(limit-len(collected), historyPageLimit)
		msgs, entities, rawCount, err := c.historyPage(ctx, input, topicID, offsetID, minID, pageLimit)
		if err != nil {
			return classify(err)
		}
		if rawCount == 0 {
			break
		}
		oldest := 0
		for _, msg := range msgs {
			if msg.ID > minID {
				collected = append(collected, c.convert(msg, entities))
			}
			if oldest == 0 || msg.ID < oldest {
				oldest = msg.ID
			}
		}
		// Короткая страница или достигнутый пол курсора означают конец хвоста.
		if rawCount < pageLimit || (oldest != 0 && oldest <= minID+1) {
			break
		}
		offsetID = oldest
		tgruntime.WaitRandomTimeMs(ctx, pageDelayMinMs, pageDelayMaxMs)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].ID < collected[j].ID })
	for _, msg := range collected {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

// historyPage запрашивает одну страницу истории. Для форумной темы ходит в
// messages.getReplies с корневым сообщением темы, иначе — в
// messages.getHistory. Возвращает сообщения страницы (от новых к старым),
// сущности для конвертации и сырой размер страницы до фильтрации.
func (c *Client) historyPage(ctx context.Context, input tg.InputPeerClass, topicID int, offsetID int, minID int, limit int) ([]*tg.Message, tg.Entities, int, error) {
	var (
		resp tg.MessagesMessagesClass
		err  error
	)
	if topicID > 0 {
		resp, err = c.api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
			Peer:     input,
			MsgID:    topicID,
			OffsetID: offsetID,
			Limit:    limit,
			MinID:    minID,
		})
	} else {
		resp, err = c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     input,
			OffsetID: offsetID,
			Limit:    limit,
			MinID:    minID,
		})
	}
	if err != nil {
		return nil, tg.Entities{}, 0, err
	}

	raw, users, chats, err := splitMessages(resp)
	if err != nil {
		return nil, tg.Entities{}, 0, err
	}
	msgs := make([]*tg.Message, 0, len(raw))
	for _, m := range raw {
		if msg, ok := m.(*tg.Message); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, entitiesOf(users, chats), len(raw), nil
}

// splitMessages разбирает ответ messages.* на сообщения и сущности.
func splitMessages(resp tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass, error) {
	switch v := resp.(type) {
	case *tg.MessagesMessages:
		return v.Messages, v.Users, v.Chats, nil
	case *tg.MessagesMessagesSlice:
		return v.Messages, v.Users, v.Chats, nil
	case *tg.MessagesChannelMessages:
		return v.Messages, v.Users, v.Chats, nil
	default:
		return nil, nil, nil, fmt.Errorf("неожиданный ответ истории: %T", resp)
	}
}

// Topics перечисляет форумные темы супергруппы. Для чатов без форума
// возвращает пустой срез: прогрев тогда идёт по общей ленте.
func (c *Client) Topics(ctx context.Context, chatID int64) ([]stream.Topic, error) {
	peer, err := c.resolveChatPeer(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ch, ok := peer.(peers.Channel)
	if !ok || !ch.Raw().Forum {
		return nil, nil
	}
	input := ch.InputPeer()

	var topics []stream.Topic
	offsetTopic := 0
	for {
		resp, err := c.api.MessagesGetForumTopics(ctx, &tg.MessagesGetForumTopicsRequest{
			Peer:        input,
			OffsetTopic: offsetTopic,
			Limit:       topicsPageLimit,
		})
		if err != nil {
			return nil, classify(err)
		}
		got := 0
		for _, tc := range resp.Topics {
			got++
			t, ok := tc.(*tg.ForumTopic)
			if !ok {
				continue
			}
			topics = append(topics, stream.Topic{ID: t.ID, Title: t.Title})
			offsetTopic = t.ID
		}
		if got < topicsPageLimit || len(topics) >= resp.Count {
			break
		}
		tgruntime.WaitRandomTimeMs(ctx, pageDelayMinMs, pageDelayMaxMs)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return topics, nil
}

// Album собирает фрагменты альбома albumID вокруг сообщения aroundID. Читает
// окно истории по обе стороны и оставляет сообщения с тем же grouped_id.
func (c *Client) Album(ctx context.Context, chatID int64, albumID int64, aroundID int) ([]*stream.Message, error) {
	if albumID == 0 {
		return nil, nil
	}
	peer, err := c.resolveChatPeer(ctx, chatID)
	if err != nil {
		return nil, err
	}
	resp, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      peer.InputPeer(),
		OffsetID:  aroundID,
		AddOffset: -albumWindow / 2,
		Limit:     albumWindow,
	})
	if err != nil {
		return nil, classify(err)
	}
	raw, users, chats, err := splitMessages(resp)
	if err != nil {
		return nil, err
	}
	entities := entitiesOf(users, chats)

	var parts []*stream.Message
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok || msg.GroupedID != albumID {
			continue
		}
		parts = append(parts, c.convert(msg, entities))
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].ID < parts[j].ID })
	if len(parts) == 0 {
		logger.Debugf("альбом %d вокруг сообщения %d в чате %d не найден", albumID, aroundID, chatID)
	}
	return parts, nil
}
