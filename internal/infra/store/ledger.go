// Журнальная часть хранилища: анализы пар (подписка, сообщение, чат), факты
// уведомлений, развёрнутые совпадения и курсоры прогрева истории.
//
// Ключевое свойство — идемпотентность. Конвейер может навестить одну и ту же
// пару дважды (живой поток против прогрева истории, два воркера, рестарт);
// повторная вставка через INSERT OR IGNORE превращается в no-op, и вызывающий
// узнаёт об этом по возвращаемому флагу.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"telegram-radar/internal/domain/matching"
)

// Analysis — итог каскада по одной паре. Пишется ровно один раз.
type Analysis struct {
	SubscriptionID   int64
	MessageID        int
	ChatID           int64
	Verdict          matching.Verdict
	LexicalScore     float64
	SemanticScore    float64
	Confidence       float64
	Prose            string
	RejectionKeyword string
}

// InsertAnalysis записывает анализ идемпотентно. Возвращает true, если строка
// действительно вставлена, и false, если пара уже была проанализирована.
func (s *Store) InsertAnalysis(ctx context.Context, a Analysis) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO analyses
			(subscription_id, message_id, chat_id, verdict, lexical_score, semantic_score, confidence, prose, rejection_keyword)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SubscriptionID, a.MessageID, a.ChatID, string(a.Verdict),
		a.LexicalScore, a.SemanticScore, a.Confidence, a.Prose, a.RejectionKeyword,
	)
	if err != nil {
		return false, fmt.Errorf("insert analysis (%d,%d,%d): %w", a.SubscriptionID, a.MessageID, a.ChatID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("analysis rows affected: %w", err)
	}
	return affected > 0, nil
}

// HasAnalysis сообщает, рассматривалась ли уже пара (любой вердикт).
func (s *Store) HasAnalysis(ctx context.Context, subscriptionID int64, messageID int, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM analyses WHERE subscription_id = ? AND message_id = ? AND chat_id = ?`,
		subscriptionID, messageID, chatID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has analysis (%d,%d,%d): %w", subscriptionID, messageID, chatID, err)
	}
	return true, nil
}

// IsAnalysisMatched сообщает, есть ли для пары анализ с вердиктом matched.
func (s *Store) IsAnalysisMatched(ctx context.Context, subscriptionID int64, messageID int, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM analyses
		WHERE subscription_id = ? AND message_id = ? AND chat_id = ? AND verdict = ?`,
		subscriptionID, messageID, chatID, string(matching.VerdictMatched),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is analysis matched (%d,%d,%d): %w", subscriptionID, messageID, chatID, err)
	}
	return true, nil
}

// MaxAnalyzedMessageID возвращает максимальный id сообщения чата, по которому
// есть хоть один анализ. Подстраховка курсора прогрева на случай отката базы
// курсоров.
func (s *Store) MaxAnalyzedMessageID(ctx context.Context, chatID int64) (int, error) {
	var maxID int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(message_id), 0) FROM analyses WHERE chat_id = ?", chatID,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max analyzed message of chat %d: %w", chatID, err)
	}
	return maxID, nil
}

// MarkNotified фиксирует факт уведомления пользователя о сообщении.
// Возвращает true при первой записи; false — пользователь уже был уведомлён
// (через любую из его подписок).
func (s *Store) MarkNotified(ctx context.Context, userID int64, messageID int, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO notified (user_id, message_id, chat_id) VALUES (?, ?, ?)",
		userID, messageID, chatID,
	)
	if err != nil {
		return false, fmt.Errorf("mark notified (%d,%d,%d): %w", userID, messageID, chatID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("notified rows affected: %w", err)
	}
	return affected > 0, nil
}

// IsNotifiedToUser сообщает, было ли уже уведомление этому пользователю об
// этом сообщении.
func (s *Store) IsNotifiedToUser(ctx context.Context, userID int64, messageID int, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM notified WHERE user_id = ? AND message_id = ? AND chat_id = ?",
		userID, messageID, chatID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is notified (%d,%d,%d): %w", userID, messageID, chatID, err)
	}
	return true, nil
}

// Match — развёрнутая запись совпадения для внешних потребителей базы.
type Match struct {
	SubscriptionID int64
	MessageID      int
	ChatID         int64
	Text           string
	Prose          string
	MediaPaths     []string
}

// InsertMatch сохраняет развёрнутое совпадение. Запись не дедуплицируется:
// дедупликацией управляет журнал анализов выше по конвейеру.
func (s *Store) InsertMatch(ctx context.Context, m Match) error {
	paths, err := json.Marshal(emptyIfNilStrings(m.MediaPaths))
	if err != nil {
		return fmt.Errorf("encode media paths: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches (subscription_id, message_id, chat_id, text, prose, media_paths)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.SubscriptionID, m.MessageID, m.ChatID, m.Text, m.Prose, string(paths),
	)
	if err != nil {
		return fmt.Errorf("insert match (%d,%d,%d): %w", m.SubscriptionID, m.MessageID, m.ChatID, err)
	}
	return nil
}

// MatchedUserPriorities возвращает приоритеты всех пользователей, чьи подписки
// дали matched-анализ по сообщению. Политика доставки сравнивает их с ярусом
// кандидата, решая, задерживать ли уведомление.
func (s *Store) MatchedUserPriorities(ctx context.Context, chatID int64, messageID int) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT sub.user_id, COALESCE(u.priority, 0)
		FROM analyses a
		JOIN subscriptions sub ON sub.id = a.subscription_id
		LEFT JOIN users u ON u.id = sub.user_id
		WHERE a.chat_id = ? AND a.message_id = ? AND a.verdict = ?`,
		chatID, messageID, string(matching.VerdictMatched),
	)
	if err != nil {
		return nil, fmt.Errorf("matched user priorities (%d,%d): %w", chatID, messageID, err)
	}
	defer rows.Close()

	result := make(map[int64]int)
	for rows.Next() {
		var userID int64
		var priority int
		if err := rows.Scan(&userID, &priority); err != nil {
			return nil, fmt.Errorf("scan matched user: %w", err)
		}
		result[userID] = priority
	}
	return result, rows.Err()
}

// BackfillCursor возвращает максимальный обработанный id сообщения чата
// (0, если прогрев ещё не выполнялся).
func (s *Store) BackfillCursor(ctx context.Context, chatID int64) (int, error) {
	var lastID int
	err := s.db.QueryRowContext(ctx,
		"SELECT last_message_id FROM backfill_cursors WHERE chat_id = ?", chatID,
	).Scan(&lastID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("backfill cursor of chat %d: %w", chatID, err)
	}
	return lastID, nil
}

// SaveBackfillCursor продвигает курсор чата вперёд. Назад курсор не движется:
// конкурирующие записи берут максимум.
func (s *Store) SaveBackfillCursor(ctx context.Context, chatID int64, lastMessageID int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_cursors (chat_id, last_message_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message_id = MAX(backfill_cursors.last_message_id, excluded.last_message_id),
			updated_at = CURRENT_TIMESTAMP`,
		chatID, lastMessageID,
	)
	if err != nil {
		return fmt.Errorf("save backfill cursor of chat %d: %w", chatID, err)
	}
	return nil
}
