package notify

import (
	"context"
	"fmt"
)

// PriorityStore — срез хранилища для политики приоритетов.
type PriorityStore interface {
	UserPriority(ctx context.Context, userID int64) (int, error)
	MatchedUserPriorities(ctx context.Context, chatID int64, messageID int) (map[int64]int, error)
}

// PriorityPolicy задерживает уведомления обычных пользователей, когда по тому
// же сообщению совпала подписка пользователя с более высоким ярусом: платящие
// за приоритет видят объявление первыми.
type PriorityPolicy struct {
	store PriorityStore
}

// NewPriorityPolicy создаёт политику поверх хранилища.
func NewPriorityPolicy(store PriorityStore) *PriorityPolicy {
	return &PriorityPolicy{store: store}
}

// Decide возвращает (задержать, есть приоритетная конкуренция). Оба флага
// совпадают: задержка нужна ровно тогда, когда по сообщению есть совпавший
// пользователь с ярусом выше. Единственный совпавший пользователь никогда
// не задерживается.
func (p *PriorityPolicy) Decide(ctx context.Context, userID int64, messageID int, chatID int64) (bool, bool, error) {
	mine, err := p.store.UserPriority(ctx, userID)
	if err != nil {
		return false, false, fmt.Errorf("ярус пользователя %d: %w", userID, err)
	}
	matched, err := p.store.MatchedUserPriorities(ctx, chatID, messageID)
	if err != nil {
		return false, false, fmt.Errorf("ярусы совпавших: %w", err)
	}

	for uid, tier := range matched {
		if uid != userID && tier > mine {
			return true, true, nil
		}
	}
	return false, false, nil
}

// NoDelayPolicy отправляет всё немедленно. Используется, когда задержка
// выключена конфигурацией.
type NoDelayPolicy struct{}

func (NoDelayPolicy) Decide(context.Context, int64, int, int64) (bool, bool, error) {
	return false, false, nil
}
