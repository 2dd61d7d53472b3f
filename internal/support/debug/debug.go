// Package debug — консольная трассировка входящих событий радара. Печатает
// компактную строку на каждый апдейт с читаемыми именами авторов и чатов из
// кэша сущностей. На бизнес-логику не влияет; в проде выключается через
// DEBUG_UPDATES.
package debug

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"telegram-radar/internal/infra/pr"
	"telegram-radar/internal/infra/telegram/cache"

	"github.com/gotd/td/tg"
)

// DEBUG — переключатель трассировки. Выставляется из DEBUG_UPDATES на старте;
// при false все функции пакета молчат.
var DEBUG = false

// PrintUpdate печатает строку вида [prefix] <тип> > <имя>: <текст>.
// Текст режется по рунам, чтобы не порвать UTF-8. Имена берутся из кэша
// сущностей: к моменту печати обработчик уже прогрел его entities апдейта,
// поэтому отдельный fallback не нужен. Недостающие метаданные заменяются
// плейсхолдерами.
func PrintUpdate(prefix string, msg *tg.Message, _ tg.Entities) {
	if !DEBUG {
		return
	}
	var from string
	var name string
	text := msg.Message

	const textMaxLen = 50

	if utf8.RuneCountInString(text) > textMaxLen {
		runes := []rune(text)
		text = string(runes[:textMaxLen]) + "..."
	}

	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		first, _ := cache.UserFirstName(peer.UserID)
		last, _ := cache.UserLastName(peer.UserID)
		username, _ := cache.UserUsername(peer.UserID)
		fullname := strings.TrimSpace(first + " " + last)
		if fullname == "" {
			fullname = "<unknown>"
		}
		from = "User"
		name = fmt.Sprintf("'%s' (@%s)", fullname, username)
	case *tg.PeerChat:
		title, _ := cache.ChatTitle(peer.ChatID)
		if title == "" {
			title = "<unknown chat>"
		}
		from = "Chat"
		name = fmt.Sprintf("'%s'", title)

	case *tg.PeerChannel:
		title, _ := cache.ChannelTitle(peer.ChannelID)
		username, _ := cache.ChannelUsername(peer.ChannelID)
		broadcast, megagroup, _ := cache.ChannelFlags(peer.ChannelID)
		label := "Channel-like"
		if broadcast {
			label = "Channel"
		} else if megagroup {
			label = "Supergroup"
		}
		if title == "" {
			title = "<untitled channel>"
		}
		from = label
		name = fmt.Sprintf("'%s' (@%s)", title, username)
	default:
		from = "Unknown"
		name = fmt.Sprintf("%+v", peer)
	}

	pr.Printf("[%s] %s > %s: %s\n", prefix, from, name, text)
}
