// Package stream — доменная модель входящего потока сообщений и абстракция
// upstream-клиента. Конвейер сопоставления, прогрев истории и сборка альбомов
// работают только с этими типами; MTProto-детали живут в адаптере.
//
// Инварианты модели:
//   - ID сообщения уникален в пределах чата, глобального ID у Telegram нет;
//   - TopicID = 0 означает «вне форумных тем»;
//   - AlbumID = 0 означает одиночное сообщение, иначе все фрагменты альбома
//     несут одинаковый AlbumID;
//   - Media[].Ref — непрозрачный дескриптор адаптера, домен его не трактует.
package stream

import "time"

// User — автор сообщения в том объёме, который нужен уведомлениям и анализам.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName собирает человекочитаемое имя автора: имя и фамилия либо @username.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}
	return name
}

// MediaKind различает типы вложений, которые радар умеет сохранять.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media описывает одно вложение сообщения. Ref — дескриптор для Download,
// его содержимое принадлежит адаптеру (в MTProto это *tg.Photo/*tg.Document).
type Media struct {
	Index int
	Kind  MediaKind
	Mime  string
	Size  int64
	Ref   any
}

// Message — нормализованное входящее сообщение группового чата.
// Text хранит исходный текст; обогащённый по ссылкам вариант конвейер
// держит отдельно и в модель не записывает.
type Message struct {
	ID       int
	ChatID   int64
	TopicID  int
	AlbumID  int64
	Text     string
	Sender   User
	Date     time.Time
	EditDate time.Time
	Media    []Media
	// Link — публичная ссылка t.me на сообщение, если адаптер смог её построить.
	Link string
	// Outgoing — сообщение отправлено самим аккаунтом радара; такие не анализируются.
	Outgoing bool
}

// HasMedia сообщает, есть ли у сообщения вложения.
func (m *Message) HasMedia() bool { return len(m.Media) > 0 }

// Topic — форумная тема супергруппы.
type Topic struct {
	ID    int
	Title string
}

// ChatKind различает типы диалогов, попадающих в реестр групп.
type ChatKind string

const (
	ChatGroup   ChatKind = "group"   // legacy-группа
	ChatSuper   ChatKind = "super"   // супергруппа/мегагруппа
	ChatChannel ChatKind = "channel" // вещательный канал
)

// ChatInfo — метаданные чата для реестра групп и построения ссылок.
type ChatInfo struct {
	ID          int64
	Kind        ChatKind
	Title       string
	Username    string
	Forum       bool
	MemberCount int
}

// Member — статус участника в чате (используется resolve-membership).
type Member struct {
	UserID int64
	Joined bool
	Admin  bool
}
