// Терпимый разбор ответов верификатора. Модель просят отвечать строгим JSON,
// но на практике ответ приходит в Markdown-заборах, с пояснениями до и после,
// с хвостовым мусором. Разбор идёт в три захода: снять заборы, распарсить как
// есть, затем выхватить самое широкое окно {…} или […] из тела.
package verifier

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnparsable означает, что из ответа модели не удалось извлечь JSON даже
// после ремонта. Одиночная проверка трактует это как «не совпало»; пакетная —
// как ошибку всего запроса.
var ErrUnparsable = errors.New("verifier: response is not parsable json")

// Verdict — структурированное решение верификатора по одной паре.
type Verdict struct {
	Match         bool     `json:"match"`
	Confidence    float64  `json:"confidence"`
	Comment       string   `json:"comment"`
	MatchedItems  []string `json:"matched_items"`
	MatchedPhotos []int    `json:"matched_photo_indices"`
}

// batchVerdict — элемент пакетного ответа: вердикт плюс id сообщения.
type batchVerdict struct {
	ID int `json:"id"`
	Verdict
}

// decodeVerdict разбирает одиночный вердикт из сырого текста модели.
func decodeVerdict(raw string) (Verdict, error) {
	var v Verdict
	if err := decodeTolerant(raw, "{", "}", &v); err != nil {
		return Verdict{}, err
	}
	v.Confidence = clampUnit(v.Confidence)
	return v, nil
}

// decodeBatch разбирает пакетный ответ — массив вердиктов с id сообщений.
// Повторы id схлопываются: последний побеждает.
func decodeBatch(raw string) (map[int]Verdict, error) {
	var items []batchVerdict
	if err := decodeTolerant(raw, "[", "]", &items); err != nil {
		return nil, err
	}
	result := make(map[int]Verdict, len(items))
	for _, item := range items {
		item.Confidence = clampUnit(item.Confidence)
		result[item.ID] = item.Verdict
	}
	return result, nil
}

// decodeTolerant — общий трёхступенчатый разбор в dst. open/close задают
// скобки искомого окна ("{"/"}" для объекта, "["/"]" для массива).
func decodeTolerant(raw, open, close string, dst any) error {
	trimmed := stripCodeFences(raw)

	if err := json.Unmarshal([]byte(trimmed), dst); err == nil {
		return nil
	}

	start := strings.Index(trimmed, open)
	end := strings.LastIndex(trimmed, close)
	if start >= 0 && end > start {
		window := trimmed[start : end+1]
		if err := json.Unmarshal([]byte(window), dst); err == nil {
			return nil
		}
	}
	return ErrUnparsable
}

// stripCodeFences снимает Markdown-заборы ```…``` вокруг ответа, включая
// языковую метку после открывающего забора.
func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	// Языковая метка занимает остаток первой строки.
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		firstLine := strings.TrimSpace(trimmed[:idx])
		if firstLine == "" || isFenceLabel(firstLine) {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// isFenceLabel распознаёт типичные метки языка после открывающего забора.
func isFenceLabel(s string) bool {
	switch strings.ToLower(s) {
	case "json", "json5", "javascript", "js":
		return true
	}
	return false
}

// clampUnit приводит уверенность к [0,1]: модели изредка отвечают 1.2 или -0.1.
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
