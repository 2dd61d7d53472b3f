// Эмуляция набора текста. Клиентский транспорт уведомлений включает статус
// «печатает» перед отправкой, чтобы доставка выглядела как ручная переписка:
// индикатор висит пропорционально длине текста, а аккаунт получает запас
// online и не гаснет прямо во время «печати».

package status

import (
	"context"

	tgruntime "telegram-radar/internal/infra/telegram/runtime"

	"github.com/gotd/td/tg"
)

// Запас online поверх паузы набора, в миллисекундах.
const deltaMinMs = 5555
const deltaMaxMs = 11111

// DoTypingWaitMs включает статус «печатает» в peer и ждёт случайное время из
// [minMs, maxMs] мс; online продлевается на то же окно плюс случайный запас.
// Ошибки SetTyping глотаются: индикатор — косметика, пауза важнее. Без
// запущенного менеджера — no-op.
func DoTypingWaitMs(ctx context.Context, peer tg.InputPeerClass, minMs, maxMs int) {
	if manager == nil {
		return
	}
	deltaMs := randomMs(deltaMinMs, deltaMaxMs)
	GoOnlineMinMs(deltaMs+minMs, deltaMs+maxMs)
	_, _ = manager.client.API().MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	})
	// Уважает ctx: при отмене возвращается досрочно.
	tgruntime.WaitRandomTimeMs(ctx, minMs, maxMs)
}

// DoTypingWaitChars подбирает паузу по длине текста уведомления: charMs за
// символ поверх базового окна [wtMin, wtMax], но не больше wtMaxAtAll — чтобы
// короткий алерт не улетал мгновенно, а длинный дайджест не подвешивал
// очередь доставки.
func DoTypingWaitChars(ctx context.Context, peer tg.InputPeerClass, text string) {
	if manager == nil {
		return
	}
	const (
		wtMin      = 555
		wtMax      = 1111
		charMs     = 25
		wtMaxAtAll = 5555
	)
	// Длину меряем в рунах: эмодзи и кириллица не должны раздувать оценку.
	textMs := min(len([]rune(text))*charMs, wtMaxAtAll)
	DoTypingWaitMs(ctx, peer, wtMin+textMs, wtMax+textMs)
}
