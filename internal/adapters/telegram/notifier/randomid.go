// Идемпотентность доставки через детерминированные random_id. Telegram
// дедуплицирует сообщения по random_id в пределах peer, поэтому random_id
// выводится из устойчивой идентичности уведомления (получатель, исходный чат,
// исходное сообщение), а не из номера задания: повтор после рестарта процесса
// или освобождение отложенной копии тоже не рождает дубль.
package telegramnotifier

import (
	"encoding/binary"
	"hash/fnv"

	"telegram-radar/internal/domain/notify"
)

const (
	// randomIDMask ограничивает значение до int63.
	// Требование Telegram: random_id в [1, 2^63-1], 0 недопустим.
	randomIDMask = (1 << 63) - 1

	// mediaSalt отделяет пространство random_id вложений от текстового
	// сообщения того же уведомления.
	mediaSalt = 100
)

// messageRandomID — random_id текстового уведомления. Уникальность — на
// уровне комбинации (получатель, чат-источник, сообщение-источник).
func messageRandomID(p notify.Payload) int64 {
	return randomIDFromParts(uint64(p.UserID), uint64(p.ChatID), uint64(p.MessageID)) // #nosec G115
}

// mediaRandomID — random_id i-го вложения уведомления. Позиция участвует в
// хэше, чтобы Telegram дедуплицировал ретраи, но не склеивал разные файлы.
func mediaRandomID(p notify.Payload, index int) int64 {
	return randomIDFromParts(uint64(p.UserID), uint64(p.ChatID), uint64(p.MessageID), mediaSalt+uint64(index)) // #nosec G115
}

// randomIDFromParts хэширует заданные части FNV-1a (64 бита) и проецирует в
// [1, 2^63-1]. LittleEndian даёт стабильное байтовое представление; ноль
// заменяется на 1.
func randomIDFromParts(parts ...uint64) int64 {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		_, _ = hasher.Write(buf[:])
	}
	value := hasher.Sum64() & randomIDMask
	if value == 0 {
		value = 1
	}
	return int64(value) // #nosec G115
}
