// Package botapinotifier доставляет уведомления радара через Telegram Bot API.
//
// Запасной транспорт на случай, когда слать с пользовательского аккаунта
// нежелательно: бот шлёт текст GET-запросом sendMessage, сохранённые вложения
// — multipart-загрузкой sendPhoto/sendDocument. Random_id у Bot API нет,
// идемпотентность держится на точных серверных паузах retry_after и
// аккуратном backoff вместо слепых повторов.
//
// Ограничение Bot API: бот пишет только тем, кто сам открыл с ним диалог.
// Ответ 403 на такую доставку — постоянная ошибка, задание снимается.
package botapinotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"telegram-radar/internal/domain/notify"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/throttle"
)

// httpClientTimeout — таймаут HTTP-клиента, секунды. Покрывает сетевые
// колебания и загрузку вложений, не зависая бесконечно.
const httpClientTimeout = 60

// botSendMaxRetries — попыток на один запрос внутри троттлера; паузы
// retry_after попытку не расходуют.
const botSendMaxRetries = 3

// BotSender реализует notify.Sender поверх Telegram Bot API.
type BotSender struct {
	baseURL   string
	client    *http.Client
	throttler *throttle.Throttler
}

// NewBotSender создаёт транспорт для бота.
//   - при testDC=true к токену добавляется суффикс /test согласно Bot API;
//   - rps задаёт целевую среднюю частоту запросов (SEND_RPS).
func NewBotSender(token string, testDC bool, rps int) *BotSender {
	if testDC {
		token += "/test"
	}
	return &BotSender{
		baseURL: fmt.Sprintf("https://api.telegram.org/bot%s", token),
		client: &http.Client{
			Timeout: httpClientTimeout * time.Second,
		},
		throttler: throttle.New(rps,
			throttle.WithMaxRetries(botSendMaxRetries),
			throttle.WithWaitExtractors(BotAPIRetryAfterExtractor()),
		),
	}
}

// Start поднимает троттлер отправок. Вызывается диспетчером уведомлений.
func (s *BotSender) Start(ctx context.Context) { s.throttler.Start(ctx) }

// Stop гасит троттлер.
func (s *BotSender) Stop() { s.throttler.Stop() }

// Deliver отправляет одно задание: сперва текст уведомления, затем, если
// совпадение сохранило вложения, сами файлы. Получатель в Bot API — личный
// чат пользователя, chat_id совпадает с его user_id.
func (s *BotSender) Deliver(ctx context.Context, job notify.Job) (notify.Outcome, error) {
	var outcome notify.Outcome
	chatID := job.Payload.UserID

	if strings.TrimSpace(job.Payload.Text) != "" {
		err := s.throttler.Do(ctx, func() error {
			return s.performSendText(ctx, chatID, job.Payload.Text)
		})
		if err != nil {
			return classify(err)
		}
	}

	for _, path := range job.Payload.MediaPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			logger.Warnf("BotSender: вложение %s недоступно: %v", path, statErr)
			continue
		}
		err := s.throttler.Do(ctx, func() error {
			return s.performSendFile(ctx, chatID, path)
		})
		if err != nil {
			return classify(err)
		}
	}

	return outcome, nil
}

// classify нормализует ошибку Bot API в исход доставки для диспетчера.
func classify(err error) (notify.Outcome, error) {
	var outcome notify.Outcome

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcome, err
	}

	var be *botError
	if errors.As(err, &be) && be.permanent {
		outcome.Permanent = true
		outcome.PermanentError = err
		return outcome, nil
	}

	// Сетевые сбои и 5xx уходят диспетчеру обычным ретраем.
	return outcome, err
}

// performSendText выполняет GET /sendMessage с минимальным набором полей.
// Превью ссылок глушится: ссылка на сообщение в хвосте текста не должна
// разворачиваться в карточку.
func (s *BotSender) performSendText(ctx context.Context, chatID int64, text string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("text", text)
	params.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/sendMessage?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return s.perform(req)
}

// performSendFile загружает один сохранённый файл multipart-запросом.
// Картинки уходят методом sendPhoto, остальное — sendDocument.
func (s *BotSender) performSendFile(ctx context.Context, chatID int64, path string) error {
	method, field := uploadMethod(path)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return err
	}
	part, err := form.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		file.Close()
		return err
	}
	file.Close()
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+method, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return s.perform(req)
}

// uploadMethod выбирает метод Bot API и имя файлового поля по расширению.
func uploadMethod(path string) (method, field string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return "sendPhoto", "photo"
	default:
		return "sendDocument", "document"
	}
}

// perform выполняет запрос и приводит HTTP/JSON ответы к единой ошибке.
func (s *BotSender) perform(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return handleHTTPError(resp, body)
	}
	return handleJSONResponse(body)
}

// handleHTTPError нормализует не-200 ответы.
// 429 несёт паузу в заголовке Retry-After либо в parameters.retry_after тела;
// прочие 4xx — постоянные ошибки; 5xx — временные.
func handleHTTPError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		wait := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		if wait == 0 {
			wait = parseRetryAfterBody(body)
		}
		return &botError{code: status, desc: msg, retryAfter: wait}
	case status >= 400 && status < 500:
		return &botError{code: status, desc: msg, permanent: true}
	default:
		return &botError{code: status, desc: msg}
	}
}

// handleJSONResponse разбирает JSON Bot API по тем же правилам, учитывая
// parameters.retry_after.
func handleJSONResponse(body []byte) error {
	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return fmt.Errorf("bot api decode response: %w", err)
	}
	if apiResp.OK {
		return nil
	}

	msg := strings.TrimSpace(apiResp.Description)
	if msg == "" {
		msg = "(empty bot api description)"
	}

	return &botError{
		code:       apiResp.ErrorCode,
		desc:       msg,
		retryAfter: time.Duration(apiResp.Parameters.RetryAfter) * time.Second,
		permanent:  isPermanentBotError(apiResp.ErrorCode, apiResp.Description),
	}
}

// parseRetryAfterHeader парсит Retry-After: число секунд либо абсолютную дату.
// Возвращает 0, если значение отсутствует или некорректно.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if ts, err := http.ParseTime(value); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}

	return 0
}

// parseRetryAfterBody извлекает parameters.retry_after из JSON тела.
// Нулевое или отрицательное значение — как отсутствие.
func parseRetryAfterBody(body []byte) time.Duration {
	var payload struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	if payload.Parameters.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(payload.Parameters.RetryAfter) * time.Second
}

// isPermanentBotError: большинство 4xx — постоянные ошибки, но 429 и любые
// упоминания retry_after сигнализируют о временном сбое.
func isPermanentBotError(code int, desc string) bool {
	if code == http.StatusTooManyRequests {
		return false
	}
	desc = strings.ToLower(desc)
	if strings.Contains(desc, "retry_after") || strings.Contains(desc, "retry after") {
		return false
	}
	return code >= 400 && code < 500
}

// botError — нормализованная ошибка Bot API. Несёт серверную паузу для
// экстрактора троттлера и признак постоянности для немедленной остановки
// ретраев.
type botError struct {
	code       int
	desc       string
	retryAfter time.Duration
	permanent  bool
}

func (e *botError) Error() string {
	return fmt.Sprintf("bot api error %d: %s", e.code, e.desc)
}

// RetryAfter реализует контракт retryAfterProvider для экстрактора.
func (e *botError) RetryAfter() time.Duration { return e.retryAfter }

// StopRetry останавливает ретраи троттлера на постоянных ошибках.
func (e *botError) StopRetry() bool { return e.permanent }
