package core

import (
	"fmt"
	"time"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/telegram/cache"
	"telegram-radar/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/tg"
)

// peerID нормализует получателя до числового идентификатора (user/chat/channel).
// Возвращает 0 для неизвестного типа peer.
func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// convert нормализует сырое сообщение MTProto в доменную модель. Имена
// авторов берутся из entities апдейта, при промахе — из кэша сущностей.
// Конвертация не делает RPC и безопасна из любого потока.
func (c *Client) convert(msg *tg.Message, e tg.Entities) *stream.Message {
	chatID := peerID(msg.PeerID)
	out := &stream.Message{
		ID:       msg.ID,
		ChatID:   chatID,
		TopicID:  topicOf(msg),
		AlbumID:  msg.GroupedID,
		Text:     msg.Message,
		Sender:   senderOf(msg, e),
		Date:     time.Unix(int64(msg.Date), 0),
		Media:    mediaOf(msg),
		Link:     linkFor(msg.PeerID, msg.ID),
		Outgoing: msg.Out,
	}
	if msg.EditDate != 0 {
		out.EditDate = time.Unix(int64(msg.EditDate), 0)
	}
	// Подсказка для последующих разрешений pir-а этого чата.
	switch msg.PeerID.(type) {
	case *tg.PeerChannel:
		c.rememberKind(chatID, peersmgr.DialogKindChannel)
	case *tg.PeerChat:
		c.rememberKind(chatID, peersmgr.DialogKindChat)
	}
	return out
}

// senderOf восстанавливает автора: сперва from_id, затем peer_id для личек.
// Имя и username добираются из entities, при отсутствии — из кэша.
func senderOf(msg *tg.Message, e tg.Entities) stream.User {
	var uid int64
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		uid = from.UserID
	} else if p, ok := msg.PeerID.(*tg.PeerUser); ok {
		uid = p.UserID
	}
	if uid == 0 {
		// Анонимные админы и посты от имени канала остаются без автора.
		return stream.User{}
	}

	u := stream.User{ID: uid}
	if user, ok := e.Users[uid]; ok && user != nil {
		u.Username = user.Username
		u.FirstName = user.FirstName
		u.LastName = user.LastName
		return u
	}
	u.Username, _ = cache.UserUsername(uid)
	u.FirstName, _ = cache.UserFirstName(uid)
	u.LastName, _ = cache.UserLastName(uid)
	return u
}

// topicOf извлекает id форумной темы из reply-заголовка. Для сообщений вне
// форумов возвращает 0.
func topicOf(msg *tg.Message) int {
	rh, ok := msg.ReplyTo.(*tg.MessageReplyHeader)
	if !ok || !rh.ForumTopic {
		return 0
	}
	if rh.ReplyToTopID != 0 {
		return rh.ReplyToTopID
	}
	return rh.ReplyToMsgID
}

// mediaOf переводит вложение сообщения в дескрипторы для Download. Telegram
// кладёт в одно сообщение не более одного вложения; альбомы приходят
// отдельными сообщениями и собираются выше по конвейеру.
func mediaOf(msg *tg.Message) []stream.Media {
	if msg.Media == nil {
		return nil
	}
	switch m := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		pc, ok := m.GetPhoto()
		if !ok {
			return nil
		}
		photo, ok := pc.AsNotEmpty()
		if !ok {
			return nil
		}
		loc, size := photoLocation(photo)
		if loc == nil {
			return nil
		}
		return []stream.Media{{Kind: stream.MediaPhoto, Mime: "image/jpeg", Size: size, Ref: loc}}
	case *tg.MessageMediaDocument:
		dc, ok := m.GetDocument()
		if !ok {
			return nil
		}
		doc, ok := dc.AsNotEmpty()
		if !ok {
			return nil
		}
		kind := stream.MediaDocument
		for _, attr := range doc.Attributes {
			if _, video := attr.(*tg.DocumentAttributeVideo); video {
				kind = stream.MediaVideo
				break
			}
		}
		return []stream.Media{{
			Kind: kind,
			Mime: doc.MimeType,
			Size: doc.Size,
			Ref: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}}
	default:
		// Опросы, геопозиции, контакты и прочее радар не сохраняет.
		return nil
	}
}

// photoLocation выбирает самый крупный вариант фотографии и строит локацию
// для скачивания. Прогрессивные размеры несут суммарный байтаж последним
// элементом Sizes.
func photoLocation(p *tg.Photo) (tg.InputFileLocationClass, int64) {
	var bestType string
	var bestSize int
	for _, s := range p.Sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			if sz.Size > bestSize {
				bestSize, bestType = sz.Size, sz.Type
			}
		case *tg.PhotoSizeProgressive:
			if n := len(sz.Sizes); n > 0 && sz.Sizes[n-1] > bestSize {
				bestSize, bestType = sz.Sizes[n-1], sz.Type
			}
		}
	}
	if bestType == "" {
		return nil, 0
	}
	return &tg.InputPhotoFileLocation{
		ID:            p.ID,
		AccessHash:    p.AccessHash,
		FileReference: p.FileReference,
		ThumbSize:     bestType,
	}, int64(bestSize)
}

// linkFor строит публичную ссылку t.me на сообщение. Публичные супергруппы
// и каналы адресуются по username, приватные — числовым форматом t.me/c.
// У личек и legacy-групп публичных ссылок на сообщения нет.
func linkFor(peerID tg.PeerClass, msgID int) string {
	ch, ok := peerID.(*tg.PeerChannel)
	if !ok {
		return ""
	}
	if username, found := cache.ChannelUsername(ch.ChannelID); found && username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, msgID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", ch.ChannelID, msgID)
}

// entitiesOf собирает tg.Entities из пользователей и чатов ответа API, чтобы
// конвертация истории видела те же имена, что и обработчики живых апдейтов.
func entitiesOf(users []tg.UserClass, chats []tg.ChatClass) tg.Entities {
	e := tg.Entities{
		Users:    make(map[int64]*tg.User, len(users)),
		Chats:    make(map[int64]*tg.Chat),
		Channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.AsNotEmpty(); ok {
			e.Users[user.ID] = user
		}
	}
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Chat:
			e.Chats[v.ID] = v
		case *tg.Channel:
			e.Channels[v.ID] = v
		}
	}
	return e
}
