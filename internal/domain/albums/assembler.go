// Пакет albums собирает альбомы (медиагруппы) в одно логическое сообщение.
// Telegram доставляет альбом россыпью фрагментов с общим album id; анализ
// должен видеть подпись и все вложения разом, а не по кусочку. Первый
// добравшийся фрагмент захватывает альбом и дособирает остальные через
// историю, опоздавшие фрагменты молча отбрасываются.
package albums

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"telegram-radar/internal/domain/stream"
)

// Fetcher достаёт фрагменты альбома вокруг известного сообщения.
type Fetcher interface {
	Album(ctx context.Context, chatID, albumID int64, aroundID int) ([]*stream.Message, error)
}

type claimKey struct {
	chatID  int64
	albumID int64
}

// Assembler — сборщик альбомов с окном захвата. Захват живёт window: за это
// время все фрагменты альбома успевают дойти, после — запись вычищается и
// альбом может быть захвачен заново (например, повторным прогревом).
type Assembler struct {
	fetcher Fetcher
	window  time.Duration

	mu      sync.Mutex
	claimed map[claimKey]time.Time
}

// NewAssembler создаёт сборщик с окном захвата window.
func NewAssembler(fetcher Fetcher, window time.Duration) *Assembler {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Assembler{
		fetcher: fetcher,
		window:  window,
		claimed: make(map[claimKey]time.Time),
	}
}

// Claim пытается захватить альбом за вызывающим. Возвращает true только
// первому фрагменту в пределах окна; остальные дубли отбрасываются.
func (a *Assembler) Claim(chatID, albumID int64) bool {
	now := time.Now()
	key := claimKey{chatID: chatID, albumID: albumID}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.evictLocked(now)
	if at, ok := a.claimed[key]; ok && now.Sub(at) < a.window {
		return false
	}
	a.claimed[key] = now
	return true
}

// evictLocked выбрасывает протухшие захваты. Вызывается под мьютексом.
func (a *Assembler) evictLocked(now time.Time) {
	for key, at := range a.claimed {
		if now.Sub(at) >= a.window {
			delete(a.claimed, key)
		}
	}
}

// Assemble собирает альбом целиком от имени захватившего фрагмента.
// Итог: одно сообщение с первой непустой подписью, вложениями всех фрагментов
// в порядке следования и id самого раннего фрагмента — так повторная сборка
// того же альбома даёт тот же ключ в журнале анализов.
//
// Если историю достать не удалось, возвращается исходный фрагмент и ошибка:
// лучше проанализировать кусок альбома, чем потерять его целиком.
func (a *Assembler) Assemble(ctx context.Context, msg *stream.Message) (*stream.Message, error) {
	fragments, err := a.fetcher.Album(ctx, msg.ChatID, msg.AlbumID, msg.ID)
	if err != nil {
		return msg, fmt.Errorf("сборка альбома %d в чате %d: %w", msg.AlbumID, msg.ChatID, err)
	}
	if len(fragments) == 0 {
		return msg, nil
	}

	sort.Slice(fragments, func(i, j int) bool { return fragments[i].ID < fragments[j].ID })

	merged := *fragments[0]
	merged.Text = ""
	merged.Media = nil
	for _, frag := range fragments {
		if merged.Text == "" && frag.Text != "" {
			merged.Text = frag.Text
			merged.Link = frag.Link
		}
		for _, m := range frag.Media {
			m.Index = len(merged.Media)
			merged.Media = append(merged.Media, m)
		}
	}
	if merged.Link == "" {
		merged.Link = fragments[0].Link
	}
	return &merged, nil
}
