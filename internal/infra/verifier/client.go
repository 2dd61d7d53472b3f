// Пакет verifier — клиент LLM-сервиса, выносящего финальный вердикт каскада:
// действительно ли сообщение отвечает подписке. Это самая дорогая стадия,
// поэтому клиент сидит за троттлером (RPS + ограниченные ретраи с бэкофом),
// а значение retry_after из ответа сервера соблюдается буквально.
//
// Протокол — chat completions: модель получает системную инструкцию и данные
// пары, отвечает JSON-вердиктом. Формат ответа модели не гарантирован, разбор
// терпимый (см. parse.go).
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/throttle"
)

// ErrDisabled возвращается, когда адрес сервиса не задан (VERIFIER_URL пуст).
// Конвейер трактует это как транспортный отказ: включается лексический фолбэк.
var ErrDisabled = errors.New("verifier: service url is not configured")

const (
	// verifierRPS ограничивает частоту обращений к LLM: вердикт дорогой, а
	// всплески всё равно упираются в лимиты провайдера.
	verifierRPS = 1

	// maxTextRunes ограничивает длину текста сообщения в промпте.
	maxTextRunes = 3500

	roleSystem = "system"
	roleUser   = "user"
)

// systemPrompt — инструкция одиночной проверки. Модель обязана ответить одним
// JSON-объектом; терпимый разбор подстрахует заборы и приписки.
const systemPrompt = `Ты — ассистент мониторинга объявлений в групповых чатах. ` +
	`Тебе дают текст сообщения и подписку пользователя: запрос, ключевые слова, минус-слова и описание. ` +
	`Реши, отвечает ли сообщение подписке по смыслу. ` +
	`Ответь строго одним JSON-объектом без пояснений: ` +
	`{"match": true|false, "confidence": число от 0 до 1, "comment": "краткое объяснение по-русски", ` +
	`"matched_items": ["подходящие позиции из текста, если их несколько"], ` +
	`"matched_photo_indices": [индексы подходящих фото, с нуля]}`

// batchSystemPrompt — инструкция пакетной проверки для ретроспективного
// сканирования кэша сообщений.
const batchSystemPrompt = `Ты — ассистент мониторинга объявлений в групповых чатах. ` +
	`Тебе дают подписку пользователя и нумерованный список сообщений. ` +
	`Для каждого сообщения реши, отвечает ли оно подписке по смыслу. ` +
	`Ответь строго JSON-массивом без пояснений, по элементу на каждое сообщение: ` +
	`[{"id": номер сообщения, "match": true|false, "confidence": число от 0 до 1, ` +
	`"comment": "краткое объяснение по-русски", "matched_items": [], "matched_photo_indices": []}]`

// Options — параметры клиента из конфигурации.
type Options struct {
	URL        string
	Token      string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Client — верификатор за троттлером. Потокобезопасен; Start/Stop управляют
// жизненным циклом троттлера и вызываются из жизненного цикла приложения.
type Client struct {
	url        string
	token      string
	model      string
	httpClient *http.Client
	throttler  *throttle.Throttler
}

// New собирает клиент. Пустой URL допустим — клиент отключён, Verify и
// VerifyBatch возвращают ErrDisabled.
func New(opts Options) *Client {
	return &Client{
		url:        strings.TrimSpace(opts.URL),
		token:      opts.Token,
		model:      opts.Model,
		httpClient: &http.Client{Timeout: opts.Timeout},
		throttler: throttle.New(verifierRPS,
			throttle.WithMaxRetries(opts.MaxRetries),
			throttle.WithWaitExtractors(RetryAfterExtractor()),
		),
	}
}

// Enabled сообщает, сконфигурирован ли сервис.
func (c *Client) Enabled() bool { return c.url != "" }

// Start запускает троттлер клиента.
func (c *Client) Start(ctx context.Context) { c.throttler.Start(ctx) }

// Stop останавливает троттлер.
func (c *Client) Stop() { c.throttler.Stop() }

// MediaDescriptor — описание вложения для промпта (байты вложений в LLM не
// уходят, только тип и позиция).
type MediaDescriptor struct {
	Index int
	Kind  string
	Mime  string
}

// Request — данные одной проверки: текст сообщения и дескриптор подписки.
type Request struct {
	Text        string
	Query       string
	Keywords    []string
	Negatives   []string
	Description string
	Media       []MediaDescriptor
}

// BatchItem — одно сообщение пакетной проверки.
type BatchItem struct {
	ID   int
	Text string
}

// Verify выносит вердикт по одной паре. Транспортная ошибка после ретраев
// возвращается вызывающему (конвейер решает, включать ли лексический фолбэк);
// неразбираемый ответ модели трактуется как «не совпало».
func (c *Client) Verify(ctx context.Context, req Request) (Verdict, error) {
	if !c.Enabled() {
		return Verdict{}, ErrDisabled
	}

	messages := []chatMessage{
		{Role: roleSystem, Content: systemPrompt},
		{Role: roleUser, Content: buildUserPrompt(req)},
	}
	content, err := c.complete(ctx, messages)
	if err != nil {
		return Verdict{}, err
	}

	verdict, err := decodeVerdict(content)
	if errors.Is(err, ErrUnparsable) {
		logger.Warnf("Verifier: нечитаемый ответ модели, считаем несовпадением: %.120s", content)
		return Verdict{}, nil
	}
	if err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// VerifyBatch проверяет несколько сообщений против одной подписки за один
// запрос. Возвращает карту id сообщения → вердикт; сообщения, которые модель
// не упомянула, считаются несовпавшими (их просто нет в карте).
func (c *Client) VerifyBatch(ctx context.Context, sub Request, items []BatchItem) (map[int]Verdict, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if len(items) == 0 {
		return map[int]Verdict{}, nil
	}

	messages := []chatMessage{
		{Role: roleSystem, Content: batchSystemPrompt},
		{Role: roleUser, Content: buildBatchPrompt(sub, items)},
	}
	content, err := c.complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	verdicts, err := decodeBatch(content)
	if err != nil {
		return nil, fmt.Errorf("verifier batch reply: %w", err)
	}
	return verdicts, nil
}

// complete выполняет один chat-completions вызов под троттлером и возвращает
// текст ответа модели.
func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	var content string
	err := c.throttler.Do(ctx, func() error {
		var callErr error
		content, callErr = c.completeOnce(ctx, messages)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("verifier request: %w", err)
	}
	return content, nil
}

// chatMessage/chatRequest/chatResponse — провод chat-completions API.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// completeOnce — одиночный HTTP-вызов без ретраев; классификацию ошибок для
// троттлера выполняет здесь же: 429 несёт retry_after, прочие 4xx окончательны,
// 5xx и сеть — транзиентны.
func (c *Client) completeOnce(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Разбор ниже.
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &retryAfterError{
			status: resp.StatusCode,
			after:  parseRetryAfter(resp.Header.Get("Retry-After"), payload),
		}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &permanentError{status: resp.StatusCode, body: trimForLog(payload)}
	default:
		return "", fmt.Errorf("verifier returned %d: %s", resp.StatusCode, trimForLog(payload))
	}

	var decoded chatResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("verifier api error: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("verifier returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// buildUserPrompt собирает пользовательскую часть одиночного запроса.
func buildUserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Сообщение:\n")
	b.WriteString(truncateRunes(req.Text, maxTextRunes))
	b.WriteString("\n\n")
	writeMediaLines(&b, req.Media)
	writeSubscription(&b, req)
	return b.String()
}

// buildBatchPrompt собирает пользовательскую часть пакетного запроса.
func buildBatchPrompt(sub Request, items []BatchItem) string {
	var b strings.Builder
	writeSubscription(&b, sub)
	b.WriteString("\nСообщения:\n")
	for _, item := range items {
		b.WriteString("#")
		b.WriteString(strconv.Itoa(item.ID))
		b.WriteString(": ")
		b.WriteString(truncateRunes(strings.ReplaceAll(item.Text, "\n", " "), maxTextRunes))
		b.WriteString("\n")
	}
	return b.String()
}

// writeSubscription печатает дескриптор подписки в общий для обоих промптов вид.
func writeSubscription(b *strings.Builder, req Request) {
	b.WriteString("Подписка:\n")
	b.WriteString("Запрос: ")
	b.WriteString(req.Query)
	b.WriteString("\n")
	if len(req.Keywords) > 0 {
		b.WriteString("Ключевые слова: ")
		b.WriteString(strings.Join(req.Keywords, ", "))
		b.WriteString("\n")
	}
	if len(req.Negatives) > 0 {
		b.WriteString("Минус-слова: ")
		b.WriteString(strings.Join(req.Negatives, ", "))
		b.WriteString("\n")
	}
	if req.Description != "" {
		b.WriteString("Описание: ")
		b.WriteString(req.Description)
		b.WriteString("\n")
	}
}

// writeMediaLines перечисляет вложения сообщения: модель решает, какие фото
// относятся к совпавшим позициям.
func writeMediaLines(b *strings.Builder, media []MediaDescriptor) {
	if len(media) == 0 {
		return
	}
	b.WriteString("Вложения:\n")
	for _, m := range media {
		fmt.Fprintf(b, "%d: %s %s\n", m.Index, m.Kind, m.Mime)
	}
	b.WriteString("\n")
}

// truncateRunes обрезает строку до limit рун, добавляя многоточие.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// trimForLog укорачивает тело ответа для сообщений об ошибках.
func trimForLog(payload []byte) string {
	const max = 200
	s := strings.TrimSpace(string(payload))
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

// permanentError — окончательный отказ сервиса (4xx кроме 429): повторять
// бессмысленно, троттлер прекращает ретраи немедленно.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("verifier rejected request with %d: %s", e.status, e.body)
}

// StopRetry удовлетворяет throttle.StopRetryer.
func (e *permanentError) StopRetry() bool { return true }

// retryAfterError несёт серверную паузу из 429-ответа.
type retryAfterError struct {
	status int
	after  time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("verifier rate limited (%d), retry after %s", e.status, e.after)
}

// RetryAfter отдаёт серверную паузу для экстрактора.
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// retryAfterProvider — контракт ошибок с серверной паузой.
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// RetryAfterExtractor создаёт throttle.WaitExtractor, извлекающий retry_after
// из ошибок клиента. Серверная пауза соблюдается без джиттера.
func RetryAfterExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		var provider retryAfterProvider
		if !errors.As(err, &provider) {
			return 0, false
		}
		wait := provider.RetryAfter()
		if wait <= 0 {
			// Паузы нет — пусть троттлер применит общий бэкоф, иначе пустой
			// retry_after превращается в плотный цикл повторов.
			return 0, false
		}
		return wait, true
	}
}

// parseRetryAfter достаёт паузу из заголовка Retry-After либо из тела ответа
// (поле parameters.retry_after, как у Bot API-совместимых шлюзов).
func parseRetryAfter(header string, payload []byte) time.Duration {
	header = strings.TrimSpace(header)
	if header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		if ts, err := http.ParseTime(header); err == nil {
			if delta := time.Until(ts); delta > 0 {
				return delta
			}
		}
	}

	var body struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Parameters.RetryAfter > 0 {
		return time.Duration(body.Parameters.RetryAfter) * time.Second
	}
	return 0
}
