// Реестровая часть хранилища: пользователи, подписки с эмбеддингами и
// привязками к чатам, снимки метаданных чатов. Записи сюда вносят внешние
// поверхности (бот, веб-админка) и сервис групп; движок радара в основном
// читает.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound возвращается точечными выборками, когда строки нет.
var ErrNotFound = errors.New("store: not found")

// User — подписчик радара. Priority — ярус приоритетной доставки: чем выше,
// тем раньше пользователь получает уведомление о конкурентном сообщении.
type User struct {
	ID       int64
	Username string
	Priority int
}

// UpsertUser создаёт или обновляет пользователя по телеграмному id.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, priority) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, priority = excluded.priority`,
		u.ID, u.Username, u.Priority,
	)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// UserPriority возвращает ярус приоритета пользователя; для неизвестного — 0.
func (s *Store) UserPriority(ctx context.Context, userID int64) (int, error) {
	var priority int
	err := s.db.QueryRowContext(ctx,
		"SELECT priority FROM users WHERE id = ?", userID,
	).Scan(&priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("user priority %d: %w", userID, err)
	}
	return priority, nil
}

// Subscription — запрос пользователя в том виде, в котором его потребляет
// каскад: поверхностная форма, сгенерированные ключи, минус-фразы, описание и
// карты эмбеддингов ключ → вектор. ChatIDs пуст — подписка действует во всех
// отслеживаемых чатах.
type Subscription struct {
	ID            int64
	UserID        int64
	Query         string
	Description   string
	Keywords      []string
	Negatives     []string
	Embeddings    map[string][]float32
	NegEmbeddings map[string][]float32
	Active        bool
	ChatIDs       []int64
}

// AppliesTo сообщает, действует ли подписка в чате chatID.
func (sub *Subscription) AppliesTo(chatID int64) bool {
	if len(sub.ChatIDs) == 0 {
		return true
	}
	for _, id := range sub.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// CreateSubscription сохраняет новую подписку вместе с привязками к чатам и
// возвращает её id. Используется административной поверхностью и тестами.
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (int64, error) {
	keywords, err := json.Marshal(emptyIfNilStrings(sub.Keywords))
	if err != nil {
		return 0, fmt.Errorf("encode keywords: %w", err)
	}
	negatives, err := json.Marshal(emptyIfNilStrings(sub.Negatives))
	if err != nil {
		return 0, fmt.Errorf("encode negatives: %w", err)
	}
	embeddings, err := json.Marshal(emptyIfNilVectors(sub.Embeddings))
	if err != nil {
		return 0, fmt.Errorf("encode embeddings: %w", err)
	}
	negEmbeddings, err := json.Marshal(emptyIfNilVectors(sub.NegEmbeddings))
	if err != nil {
		return 0, fmt.Errorf("encode negative embeddings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, query, description, keywords, negatives, embeddings, neg_embeddings, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.Query, sub.Description, string(keywords), string(negatives),
		string(embeddings), string(negEmbeddings), boolToInt(sub.Active),
	)
	if err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("subscription id: %w", err)
	}
	for _, chatID := range sub.ChatIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO subscription_chats (subscription_id, chat_id) VALUES (?, ?)",
			id, chatID,
		); err != nil {
			return 0, fmt.Errorf("insert subscription chat %d: %w", chatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit subscription: %w", err)
	}
	return id, nil
}

// SetSubscriptionActive переключает активность подписки.
func (s *Store) SetSubscriptionActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET active = ? WHERE id = ?", boolToInt(active), id,
	)
	if err != nil {
		return fmt.Errorf("set subscription %d active=%v: %w", id, active, err)
	}
	return nil
}

// SubscriptionByID возвращает подписку целиком, включая привязки к чатам.
func (s *Store) SubscriptionByID(ctx context.Context, id int64) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, query, description, keywords, negatives, embeddings, neg_embeddings, active
		FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Subscription{}, err
	}
	if err := s.fillChatIDs(ctx, []*Subscription{&sub}); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// ActiveSubscriptionsForChat возвращает активные подписки, действующие в чате:
// либо без явных привязок (во всех чатах), либо с привязкой к chatID.
func (s *Store) ActiveSubscriptionsForChat(ctx context.Context, chatID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, query, description, keywords, negatives, embeddings, neg_embeddings, active
		FROM subscriptions
		WHERE active = 1 AND (
			id NOT IN (SELECT subscription_id FROM subscription_chats)
			OR id IN (SELECT subscription_id FROM subscription_chats WHERE chat_id = ?)
		)
		ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	refs := make([]*Subscription, len(subs))
	for i := range subs {
		refs[i] = &subs[i]
	}
	if err := s.fillChatIDs(ctx, refs); err != nil {
		return nil, err
	}
	return subs, nil
}

// ActiveSubscriptionIDs возвращает id всех активных подписок. Используется
// фоновым обновлением кэша для обнаружения новых подписок.
func (s *Store) ActiveSubscriptionIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM subscriptions WHERE active = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("active subscription ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveSubscriptionEmbeddings записывает пересчитанные карты эмбеддингов
// (write-through после ленивой генерации через BGE).
func (s *Store) SaveSubscriptionEmbeddings(ctx context.Context, id int64, positive, negative map[string][]float32) error {
	embeddings, err := json.Marshal(emptyIfNilVectors(positive))
	if err != nil {
		return fmt.Errorf("encode embeddings: %w", err)
	}
	negEmbeddings, err := json.Marshal(emptyIfNilVectors(negative))
	if err != nil {
		return fmt.Errorf("encode negative embeddings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE subscriptions SET embeddings = ?, neg_embeddings = ? WHERE id = ?",
		string(embeddings), string(negEmbeddings), id,
	)
	if err != nil {
		return fmt.Errorf("save embeddings for subscription %d: %w", id, err)
	}
	return nil
}

// Chat — снимок метаданных отслеживаемого чата в реестре.
type Chat struct {
	ID          int64
	Kind        string
	Title       string
	Username    string
	Invite      string
	Forum       bool
	MemberCount int
}

// UpsertChat записывает или обновляет снимок метаданных чата.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, kind, title, username, invite, forum, member_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			username = excluded.username,
			invite = CASE WHEN excluded.invite != '' THEN excluded.invite ELSE chats.invite END,
			forum = excluded.forum,
			member_count = excluded.member_count,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.Kind, c.Title, c.Username, c.Invite, boolToInt(c.Forum), c.MemberCount,
	)
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", c.ID, err)
	}
	return nil
}

// Chats возвращает реестр чатов целиком.
func (s *Store) Chats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, username, invite, forum, member_count FROM chats ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var forum int
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.Username, &c.Invite, &forum, &c.MemberCount); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Forum = forum != 0
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatByID возвращает снимок метаданных одного чата.
func (s *Store) ChatByID(ctx context.Context, id int64) (Chat, error) {
	var c Chat
	var forum int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, username, invite, forum, member_count FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.Kind, &c.Title, &c.Username, &c.Invite, &forum, &c.MemberCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Chat{}, fmt.Errorf("chat %d: %w", id, err)
	}
	c.Forum = forum != 0
	return c, nil
}

// WatchedChatIDs возвращает объединение реестра чатов и явных привязок
// активных подписок. Это полный список чатов, которые радар должен слушать и
// прогревать.
func (s *Store) WatchedChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM chats
		UNION
		SELECT sc.chat_id FROM subscription_chats sc
		JOIN subscriptions sub ON sub.id = sc.subscription_id AND sub.active = 1
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("watched chat ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// rowScanner покрывает и *sql.Row, и *sql.Rows в scanSubscription.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSubscription разворачивает строку подписки, декодируя JSON-поля.
func scanSubscription(row rowScanner) (Subscription, error) {
	var sub Subscription
	var keywords, negatives, embeddings, negEmbeddings string
	var active int
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Query, &sub.Description,
		&keywords, &negatives, &embeddings, &negEmbeddings, &active)
	if err != nil {
		return Subscription{}, err
	}
	sub.Active = active != 0
	if err := json.Unmarshal([]byte(keywords), &sub.Keywords); err != nil {
		return Subscription{}, fmt.Errorf("decode keywords of subscription %d: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(negatives), &sub.Negatives); err != nil {
		return Subscription{}, fmt.Errorf("decode negatives of subscription %d: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(embeddings), &sub.Embeddings); err != nil {
		return Subscription{}, fmt.Errorf("decode embeddings of subscription %d: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(negEmbeddings), &sub.NegEmbeddings); err != nil {
		return Subscription{}, fmt.Errorf("decode negative embeddings of subscription %d: %w", sub.ID, err)
	}
	return sub, nil
}

// collectSubscriptions вычитывает все строки результата в срез.
func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// fillChatIDs дозагружает привязки к чатам для уже вычитанных подписок.
func (s *Store) fillChatIDs(ctx context.Context, subs []*Subscription) error {
	for _, sub := range subs {
		rows, err := s.db.QueryContext(ctx,
			"SELECT chat_id FROM subscription_chats WHERE subscription_id = ? ORDER BY chat_id", sub.ID)
		if err != nil {
			return fmt.Errorf("chats of subscription %d: %w", sub.ID, err)
		}
		for rows.Next() {
			var chatID int64
			if err := rows.Scan(&chatID); err != nil {
				rows.Close()
				return fmt.Errorf("scan chat of subscription %d: %w", sub.ID, err)
			}
			sub.ChatIDs = append(sub.ChatIDs, chatID)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("chats of subscription %d: %w", sub.ID, err)
		}
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// emptyIfNilStrings заменяет nil на пустой срез, чтобы в JSON ложился "[]", а не "null".
func emptyIfNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// emptyIfNilVectors — то же для карт эмбеддингов: "{}" вместо "null".
func emptyIfNilVectors(v map[string][]float32) map[string][]float32 {
	if v == nil {
		return map[string][]float32{}
	}
	return v
}
