package core

import (
	"context"
	"errors"

	"telegram-radar/internal/domain/stream"

	"github.com/gotd/td/tgerr"
)

// Коды MTProto, после которых конкретный чат недоступен навсегда: ретраи и
// бэкоф бессмысленны, чат снимается с прогрева/доставки.
var permanentCodes = map[string]struct{}{
	"CHANNEL_INVALID":        {},
	"CHANNEL_PRIVATE":        {},
	"CHAT_ID_INVALID":        {},
	"PEER_ID_INVALID":        {},
	"USER_BANNED_IN_CHANNEL": {},
	"CHAT_WRITE_FORBIDDEN":   {},
	"USER_DEACTIVATED":       {},
	"USERNAME_INVALID":       {},
	"USERNAME_NOT_OCCUPIED":  {},
	"INVITE_HASH_EXPIRED":    {},
	"INVITE_HASH_INVALID":    {},
	"INVITE_REQUEST_SENT":    {},
	"CHANNELS_TOO_MUCH":      {},
}

// Коды, означающие потерю авторизации: сессия мертва, нужен новый вход.
var authCodes = map[string]struct{}{
	"AUTH_KEY_UNREGISTERED": {},
	"AUTH_KEY_INVALID":      {},
	"SESSION_REVOKED":       {},
	"SESSION_EXPIRED":       {},
	"USER_DEACTIVATED_BAN":  {},
}

// classify приводит сырую ошибку gotd к доменной таксономии stream:
//   - FLOOD_WAIT / FLOOD_PREMIUM_WAIT → stream.FloodWaitError (пауза без расхода попытки);
//   - коды authCodes → stream.AuthError (фатально для фоновых задач);
//   - коды permanentCodes → stream.PermanentError (чат снимается);
//   - контекстные отмены и всё прочее возвращаются как есть (транзиентные).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &stream.FloodWaitError{Wait: wait}
	}
	if rpcErr, ok := tgerr.As(err); ok {
		if _, fatal := authCodes[rpcErr.Type]; fatal {
			return &stream.AuthError{Err: err}
		}
		if _, dead := permanentCodes[rpcErr.Type]; dead {
			return &stream.PermanentError{Reason: rpcErr.Type, Err: err}
		}
	}
	return err
}
