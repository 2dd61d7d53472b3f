// Очередь отложенных уведомлений. Политика приоритетной доставки может
// задержать уведомление обычного пользователя; такие задания лежат в базе и
// высвобождаются диспетчером по release_at. Хранение в SQLite переживает
// рестарты: задержанное уведомление не теряется вместе с процессом.
package store

import (
	"context"
	"fmt"
	"time"
)

// DeferredNotification — отложенное задание доставки. Payload — непрозрачное
// для хранилища сериализованное тело уведомления (его формат принадлежит
// диспетчеру).
type DeferredNotification struct {
	ID        int64
	UserID    int64
	MessageID int
	ChatID    int64
	Payload   []byte
	ReleaseAt time.Time
}

// EnqueueDeferred ставит задание в очередь и возвращает его id.
func (s *Store) EnqueueDeferred(ctx context.Context, d DeferredNotification) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_notifications (user_id, message_id, chat_id, payload, release_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.UserID, d.MessageID, d.ChatID, string(d.Payload), d.ReleaseAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue deferred (%d,%d,%d): %w", d.UserID, d.MessageID, d.ChatID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("deferred id: %w", err)
	}
	return id, nil
}

// DueDeferred возвращает задания, чей release_at наступил, старейшие первыми.
// Задания остаются в таблице до явного DeleteDeferred после успешной передачи
// в очередь доставки.
func (s *Store) DueDeferred(ctx context.Context, now time.Time, limit int) ([]DeferredNotification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message_id, chat_id, payload, release_at
		FROM deferred_notifications
		WHERE release_at <= ?
		ORDER BY release_at, id
		LIMIT ?`,
		now.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due deferred: %w", err)
	}
	defer rows.Close()

	var due []DeferredNotification
	for rows.Next() {
		var d DeferredNotification
		var payload string
		var releaseAt int64
		if err := rows.Scan(&d.ID, &d.UserID, &d.MessageID, &d.ChatID, &payload, &releaseAt); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		d.Payload = []byte(payload)
		d.ReleaseAt = time.Unix(releaseAt, 0)
		due = append(due, d)
	}
	return due, rows.Err()
}

// DeleteDeferred удаляет задание после передачи в доставку.
func (s *Store) DeleteDeferred(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM deferred_notifications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete deferred %d: %w", id, err)
	}
	return nil
}
