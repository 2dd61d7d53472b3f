package stream

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Таксономия ошибок upstream. Адаптер приводит сырые ошибки MTProto к этим
// типам, домен принимает решения только по ним:
//   - FloodWaitError — сервер велел подождать; пауза не расходует попытку;
//   - PermanentError — чат недоступен навсегда (invalid/private/banned), ретраи бессмысленны;
//   - AuthError — сессия мертва, нужен новый вход; фатально для фоновых задач;
//   - всё остальное — транзиентная ошибка, подлежит бэкофу.

// FloodWaitError несёт серверную паузу FLOOD_WAIT.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("upstream flood wait %s", e.Wait)
}

// AsFloodWait извлекает длительность серверной паузы, если err — FloodWaitError.
// Сигнатура совместима с throttle.WaitExtractor.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// PermanentError — окончательный отказ upstream по конкретному чату.
// Reason хранит машинный код (CHANNEL_INVALID, CHANNEL_PRIVATE и т.п.).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream permanent failure %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("upstream permanent failure %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// StopRetry удовлетворяет throttle.StopRetryer: перманентные ошибки
// прекращают ретраи немедленно.
func (e *PermanentError) StopRetry() bool { return true }

// IsPermanent сообщает, является ли ошибка окончательным отказом по чату.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// AuthError — авторизация аккаунта потеряна (AUTH_KEY_UNREGISTERED и т.п.).
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream auth lost: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// StopRetry: переавторизация руками, ретраи не помогут.
func (e *AuthError) StopRetry() bool { return true }

// IsAuth сообщает, что сессия аккаунта недействительна.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
