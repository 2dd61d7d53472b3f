package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/telegram/cache"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
)

// nopInvoker запрещает сетевые вызовы в тестах: любой RPC — ошибка теста.
type nopInvoker struct{}

func (nopInvoker) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	return errors.New("network disabled in tests")
}

var peerCacheOnce sync.Once

// initPeerCache поднимает singleton кэша сущностей один раз на пакет: Init
// затирает предыдущий экземпляр, параллельные тесты делят общий.
func initPeerCache(t *testing.T) {
	t.Helper()
	peerCacheOnce.Do(func() {
		cache.Init(context.Background(), tg.NewClient(nopInvoker{}))
	})
}

func TestTopicOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *tg.Message
		want int
	}{
		{
			name: "форумная тема по top id",
			msg: &tg.Message{ReplyTo: &tg.MessageReplyHeader{
				ForumTopic: true, ReplyToTopID: 77, ReplyToMsgID: 5,
			}},
			want: 77,
		},
		{
			name: "ответ корню темы несёт только msg id",
			msg: &tg.Message{ReplyTo: &tg.MessageReplyHeader{
				ForumTopic: true, ReplyToMsgID: 42,
			}},
			want: 42,
		},
		{
			name: "обычный ответ вне форума",
			msg:  &tg.Message{ReplyTo: &tg.MessageReplyHeader{ReplyToMsgID: 42}},
			want: 0,
		},
		{
			name: "без reply-заголовка",
			msg:  &tg.Message{},
			want: 0,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := topicOf(tc.msg); got != tc.want {
				t.Fatalf("topicOf() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMediaOfPhotoPicksLargestSize(t *testing.T) {
	t.Parallel()

	media := &tg.MessageMediaPhoto{}
	media.SetPhoto(&tg.Photo{
		ID:            900123,
		AccessHash:    555,
		FileReference: []byte{1, 2},
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", Size: 1000},
			&tg.PhotoSize{Type: "y", Size: 90000},
			&tg.PhotoSize{Type: "s", Size: 100},
		},
	})

	got := mediaOf(&tg.Message{Media: media})
	if len(got) != 1 {
		t.Fatalf("len(media) = %d, want 1", len(got))
	}
	m := got[0]
	if m.Kind != stream.MediaPhoto || m.Mime != "image/jpeg" || m.Size != 90000 {
		t.Fatalf("media = %+v, want photo image/jpeg 90000", m)
	}
	loc, ok := m.Ref.(*tg.InputPhotoFileLocation)
	if !ok {
		t.Fatalf("Ref = %T, want *tg.InputPhotoFileLocation", m.Ref)
	}
	if loc.ID != 900123 || loc.AccessHash != 555 || loc.ThumbSize != "y" {
		t.Fatalf("location = %+v, want id 900123, hash 555, thumb y", loc)
	}
}

func TestMediaOfPhotoProgressiveSizes(t *testing.T) {
	t.Parallel()

	media := &tg.MessageMediaPhoto{}
	media.SetPhoto(&tg.Photo{
		ID: 1,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", Size: 1000},
			&tg.PhotoSizeProgressive{Type: "w", Sizes: []int{100, 2000, 70000}},
		},
	})

	got := mediaOf(&tg.Message{Media: media})
	if len(got) != 1 {
		t.Fatalf("len(media) = %d, want 1", len(got))
	}
	loc := got[0].Ref.(*tg.InputPhotoFileLocation)
	if loc.ThumbSize != "w" || got[0].Size != 70000 {
		t.Fatalf("thumb = %q size = %d, want w 70000", loc.ThumbSize, got[0].Size)
	}
}

func TestMediaOfDocument(t *testing.T) {
	t.Parallel()

	video := &tg.MessageMediaDocument{}
	video.SetDocument(&tg.Document{
		ID:         7,
		AccessHash: 8,
		MimeType:   "video/mp4",
		Size:       123456,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{}},
	})
	plain := &tg.MessageMediaDocument{}
	plain.SetDocument(&tg.Document{
		ID:         9,
		MimeType:   "application/pdf",
		Size:       42,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "спецификация.pdf"}},
	})

	gotVideo := mediaOf(&tg.Message{Media: video})
	if len(gotVideo) != 1 || gotVideo[0].Kind != stream.MediaVideo || gotVideo[0].Size != 123456 {
		t.Fatalf("video media = %+v, want kind video size 123456", gotVideo)
	}
	if _, ok := gotVideo[0].Ref.(*tg.InputDocumentFileLocation); !ok {
		t.Fatalf("video Ref = %T, want *tg.InputDocumentFileLocation", gotVideo[0].Ref)
	}

	gotPlain := mediaOf(&tg.Message{Media: plain})
	if len(gotPlain) != 1 || gotPlain[0].Kind != stream.MediaDocument || gotPlain[0].Mime != "application/pdf" {
		t.Fatalf("document media = %+v, want kind document application/pdf", gotPlain)
	}
}

func TestMediaOfSkipsUnsupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		media tg.MessageMediaClass
	}{
		{name: "геопозиция", media: &tg.MessageMediaGeo{}},
		{name: "опрос", media: &tg.MessageMediaPoll{}},
		{name: "веб-превью", media: &tg.MessageMediaWebPage{}},
		{name: "фото без содержимого", media: &tg.MessageMediaPhoto{}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := mediaOf(&tg.Message{Media: tc.media}); got != nil {
				t.Fatalf("mediaOf() = %+v, want nil", got)
			}
		})
	}
	if got := mediaOf(&tg.Message{}); got != nil {
		t.Fatalf("mediaOf() без вложения = %+v, want nil", got)
	}
}

func TestSenderOf(t *testing.T) {
	t.Parallel()
	initPeerCache(t)

	entities := tg.Entities{Users: map[int64]*tg.User{
		101: {ID: 101, Username: "seller", FirstName: "Иван", LastName: "Петров"},
	}}

	got := senderOf(&tg.Message{
		FromID: &tg.PeerUser{UserID: 101},
		PeerID: &tg.PeerChannel{ChannelID: 500},
	}, entities)
	want := stream.User{ID: 101, Username: "seller", FirstName: "Иван", LastName: "Петров"}
	if got != want {
		t.Fatalf("senderOf() = %+v, want %+v", got, want)
	}

	// Личка: from_id пуст, автор выводится из peer_id.
	got = senderOf(&tg.Message{PeerID: &tg.PeerUser{UserID: 101}}, entities)
	if got.ID != 101 || got.Username != "seller" {
		t.Fatalf("senderOf() для лички = %+v, want id 101", got)
	}

	// Анонимный пост от имени канала — без автора.
	got = senderOf(&tg.Message{PeerID: &tg.PeerChannel{ChannelID: 500}}, tg.Entities{})
	if got != (stream.User{}) {
		t.Fatalf("senderOf() анонимного поста = %+v, want zero", got)
	}

	// Промах и по entities, и по кэшу: остаётся только id.
	got = senderOf(&tg.Message{FromID: &tg.PeerUser{UserID: 987}, PeerID: &tg.PeerChannel{ChannelID: 500}}, tg.Entities{})
	if got != (stream.User{ID: 987}) {
		t.Fatalf("senderOf() при промахе = %+v, want только id", got)
	}
}

func TestLinkFor(t *testing.T) {
	t.Parallel()
	initPeerCache(t)

	// Прогреваем кэш публичным каналом через путь обработчика апдейтов.
	entities := tg.Entities{Channels: map[int64]*tg.Channel{
		771: {ID: 771, AccessHash: 1, Username: "radar_pulse", Title: "Пульс"},
	}}
	if _, err := cache.GetInputPeerRaw(entities, &tg.Message{ID: 1, PeerID: &tg.PeerChannel{ChannelID: 771}}); err != nil {
		t.Fatalf("прогрев кэша: %v", err)
	}

	if got := linkFor(&tg.PeerChannel{ChannelID: 771}, 42); got != "https://t.me/radar_pulse/42" {
		t.Fatalf("linkFor(публичный) = %q", got)
	}
	if got := linkFor(&tg.PeerChannel{ChannelID: 882}, 7); got != "https://t.me/c/882/7" {
		t.Fatalf("linkFor(приватный) = %q", got)
	}
	if got := linkFor(&tg.PeerChat{ChatID: 10}, 7); got != "" {
		t.Fatalf("linkFor(legacy-группа) = %q, want пусто", got)
	}
	if got := linkFor(&tg.PeerUser{UserID: 10}, 7); got != "" {
		t.Fatalf("linkFor(личка) = %q, want пусто", got)
	}
}

func TestEntitiesOf(t *testing.T) {
	t.Parallel()

	e := entitiesOf(
		[]tg.UserClass{
			&tg.User{ID: 1, Username: "first"},
			&tg.UserEmpty{ID: 2},
		},
		[]tg.ChatClass{
			&tg.Chat{ID: 10, Title: "Группа"},
			&tg.Channel{ID: 20, Title: "Канал"},
			&tg.ChatEmpty{ID: 30},
		},
	)

	if len(e.Users) != 1 || e.Users[1].Username != "first" {
		t.Fatalf("Users = %+v, want только непустой", e.Users)
	}
	if len(e.Chats) != 1 || e.Chats[10].Title != "Группа" {
		t.Fatalf("Chats = %+v", e.Chats)
	}
	if len(e.Channels) != 1 || e.Channels[20].Title != "Канал" {
		t.Fatalf("Channels = %+v", e.Channels)
	}
}

func TestSplitMessages(t *testing.T) {
	t.Parallel()

	slice := &tg.MessagesChannelMessages{
		Count:    500,
		Messages: []tg.MessageClass{&tg.Message{ID: 3}, &tg.MessageEmpty{ID: 2}},
		Users:    []tg.UserClass{&tg.User{ID: 1}},
		Chats:    []tg.ChatClass{&tg.Channel{ID: 20}},
	}
	msgs, users, chats, err := splitMessages(slice)
	if err != nil {
		t.Fatalf("splitMessages() error = %v", err)
	}
	if len(msgs) != 2 || len(users) != 1 || len(chats) != 1 {
		t.Fatalf("splitMessages() = %d/%d/%d элементов, want 2/1/1", len(msgs), len(users), len(chats))
	}

	if _, _, _, err := splitMessages(&tg.MessagesMessagesNotModified{}); err == nil {
		t.Fatal("splitMessages(notModified) must fail")
	}
}
