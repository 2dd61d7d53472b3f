package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxDisplayRunes ограничивает показываемый текст объявления: уведомление
// должно читаться с телефона одним взглядом.
const maxDisplayRunes = 400

// BuildPayload собирает текст уведомления и подбирает вложения.
// Структура: шапка с запросом подписки, группа и автор, совпавшие позиции
// (или обрезанный текст), комментарий проверяющего, строка конкуренции,
// пометка о приоритетных подписчиках, ссылка на сообщение.
func BuildPayload(ev Event, priorityCompetition bool) Payload {
	var b strings.Builder

	fmt.Fprintf(&b, "🔔 Совпадение по запросу «%s»\n", ev.Query)
	if ev.ChatTitle != "" {
		fmt.Fprintf(&b, "Группа: %s\n", ev.ChatTitle)
	}
	if sender := ev.Message.Sender.DisplayName(); sender != "" {
		fmt.Fprintf(&b, "Автор: %s\n", sender)
	}
	b.WriteString("\n")

	if len(ev.MatchedItems) > 0 {
		for _, item := range ev.MatchedItems {
			fmt.Fprintf(&b, "• %s\n", strings.TrimSpace(item))
		}
	} else if text := strings.TrimSpace(ev.Message.Text); text != "" {
		b.WriteString(trimRunes(text, maxDisplayRunes))
		b.WriteString("\n")
	}

	if ev.Prose != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(ev.Prose))
	}
	if ev.Competitors > 0 {
		fmt.Fprintf(&b, "\nКонкуренция: ~%d заинтересованных\n", ev.Competitors)
	}
	if priorityCompetition {
		b.WriteString("Приоритетные подписчики уведомлены раньше.\n")
	}
	if ev.Message.Link != "" {
		fmt.Fprintf(&b, "\n%s", ev.Message.Link)
	}

	return Payload{
		UserID:     ev.UserID,
		Text:       strings.TrimSpace(b.String()),
		MediaPaths: selectMedia(ev.MediaPaths, ev.MatchedPhotos),
		MessageID:  ev.Message.ID,
		ChatID:     ev.Message.ChatID,
	}
}

// selectMedia выбирает вложения для уведомления. Индексы проверяющего
// применяются, только если образуют собственное непустое подмножество;
// иначе (пусто, всё подряд, мусорные индексы) уходят все вложения.
func selectMedia(paths []string, indices []int) []string {
	if len(paths) == 0 {
		return nil
	}
	if len(indices) == 0 || len(indices) >= len(paths) {
		return paths
	}

	seen := make(map[int]struct{}, len(indices))
	subset := make([]string, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(paths) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		subset = append(subset, paths[idx])
	}
	if len(subset) == 0 || len(subset) >= len(paths) {
		return paths
	}
	return subset
}

// trimRunes обрезает текст до limit рун с многоточием.
func trimRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
