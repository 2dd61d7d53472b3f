// Пакет bge — HTTP-клиент сервера эмбеддингов (BGE). Семантическая стадия
// каскада запрашивает вектор текста сообщения; сервис подписок лениво
// досчитывает векторы ключевых слов.
//
// Сервер — сетевая зависимость с переменной доступностью, поэтому клиент
// держит кэшированную пробу здоровья: её результат (жив/недоступен) действует
// TTL секунд, и хронически лежащий сервер не тормозит каждое сообщение —
// каскад просто пропускает семантическую стадию до следующей пробы.
package bge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrDisabled возвращается, когда адрес сервера не задан (BGE_URL пуст):
// семантическая стадия в такой конфигурации выключена.
var ErrDisabled = errors.New("bge: server url is not configured")

// healthProbeTimeout ограничивает пробу здоровья жёстче основного таймаута:
// проба должна быть дешёвой даже при лежащем сервере.
const healthProbeTimeout = 3 * time.Second

// Client — клиент BGE-сервера с кэшированной пробой здоровья.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	healthTTL time.Duration
	probedAt  time.Time
	alive     bool
}

// New собирает клиент. baseURL пустой — клиент отключён: Alive всегда false,
// Embed возвращает ErrDisabled.
func New(baseURL string, timeout, healthTTL time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
		healthTTL:  healthTTL,
	}
}

// Enabled сообщает, сконфигурирован ли сервер эмбеддингов.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Alive возвращает кэшированный результат пробы здоровья, обновляя его не
// чаще, чем раз в healthTTL. Кэшируются оба исхода: и живой сервер, и
// недоступный.
func (c *Client) Alive(ctx context.Context) bool {
	if !c.Enabled() {
		return false
	}

	c.mu.Lock()
	if time.Since(c.probedAt) < c.healthTTL {
		alive := c.alive
		c.mu.Unlock()
		return alive
	}
	c.mu.Unlock()

	alive := c.probe(ctx)

	c.mu.Lock()
	c.probedAt = time.Now()
	c.alive = alive
	c.mu.Unlock()
	return alive
}

// probe делает одиночный GET /health с коротким таймаутом.
func (c *Client) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// embedRequest/embedResponse — провод формата POST /embed.
type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed возвращает вектор текста. Ошибка сети или не-200 ответ помечают
// сервер недоступным в кэше здоровья, чтобы ближайшие сообщения не ждали
// таймаут повторно.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.markDead()
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.markDead()
		return nil, fmt.Errorf("embed server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, errors.New("embed server returned empty vector")
	}
	return decoded.Embedding, nil
}

// EmbedMany последовательно считает векторы нескольких текстов. Используется
// ленивым пересчётом эмбеддингов подписки; порядок результата совпадает с
// порядком входа.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d of %d: %w", i+1, len(texts), err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// markDead помечает сервер недоступным до истечения TTL пробы.
func (c *Client) markDead() {
	c.mu.Lock()
	c.probedAt = time.Now()
	c.alive = false
	c.mu.Unlock()
}
