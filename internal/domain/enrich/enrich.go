// Пакет enrich обогащает «голые ссылки» содержимым страниц. Сообщение, в
// котором кроме URL почти нет текста, невозможно сопоставить с подпиской —
// вместо текста анализируется заголовок, описание и видимый текст страницы.
// Обычные сообщения с текстом обогащение не трогает.
package enrich

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"telegram-radar/internal/infra/logger"
)

const (
	// maxURLs — сколько ссылок из сообщения загружается. Остальные игнорируются.
	maxURLs = 2
	// minOwnTextRunes — порог «собственного» текста: меньше — сообщение
	// считается голой ссылкой.
	minOwnTextRunes = 10
	// maxExtractRunes — потолок извлечённого текста с одной страницы.
	maxExtractRunes = 3000

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// Enricher загружает страницы по ссылкам и извлекает из них текст.
type Enricher struct {
	httpClient *http.Client
}

// New создаёт обогатитель с таймаутом на загрузку одной страницы.
func New(timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Enricher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LinkOnly определяет, является ли сообщение голой ссылкой: после удаления
// URL остаётся меньше minOwnTextRunes рун собственного текста.
func (e *Enricher) LinkOnly(text string) bool {
	urls := urlPattern.FindAllString(text, -1)
	if len(urls) == 0 {
		return false
	}
	rest := urlPattern.ReplaceAllString(text, " ")
	rest = strings.Join(strings.Fields(rest), " ")
	return utf8.RuneCountInString(rest) < minOwnTextRunes
}

// URLs возвращает первые maxURLs ссылок сообщения.
func (e *Enricher) URLs(text string) []string {
	urls := urlPattern.FindAllString(text, -1)
	for i, u := range urls {
		urls[i] = strings.TrimRight(u, `.,;:!?)»"'`)
	}
	if len(urls) > maxURLs {
		urls = urls[:maxURLs]
	}
	return urls
}

// Enrich загружает страницы по ссылкам сообщения и возвращает исходный текст
// с дописанным содержимым страниц. Ошибка возвращается только когда НИ ОДНУ
// страницу загрузить не удалось — такое сообщение пропускается целиком:
// анализировать в нём нечего.
func (e *Enricher) Enrich(ctx context.Context, text string) (string, error) {
	urls := e.URLs(text)
	if len(urls) == 0 {
		return text, fmt.Errorf("обогащение: в тексте нет ссылок")
	}

	extracted := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			content, err := e.fetch(gctx, u)
			if err != nil {
				logger.Debugf("обогащение: %s: %v", u, err)
				return nil
			}
			extracted[i] = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return text, err
	}

	parts := make([]string, 0, len(extracted))
	for _, c := range extracted {
		if c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return text, fmt.Errorf("обогащение: ни одна из %d ссылок не открылась", len(urls))
	}
	return text + "\n\n" + strings.Join(parts, "\n\n"), nil
}

// fetch загружает одну страницу и извлекает заголовок, описание и видимый текст.
func (e *Enricher) fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("запрос: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("загрузка: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("статус %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("разбор HTML: %w", err)
	}
	return extractText(doc), nil
}

// extractText собирает заголовок, meta description и текст страницы без
// служебной разметки. Результат ограничен maxExtractRunes рунами.
func extractText(doc *goquery.Document) string {
	var parts []string

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		if desc = strings.TrimSpace(desc); desc != "" {
			parts = append(parts, desc)
		}
	}

	doc.Find("script, style, nav, header, footer, noscript").Remove()
	body := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if body != "" {
		parts = append(parts, body)
	}

	text := strings.Join(parts, "\n")
	if utf8.RuneCountInString(text) > maxExtractRunes {
		runes := []rune(text)
		text = string(runes[:maxExtractRunes])
	}
	return text
}
