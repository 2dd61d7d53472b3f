package matching

import (
	"math"
	"sort"
)

// Семантическая стадия каскада: сравнение эмбеддинга сообщения с эмбеддингами
// ключевых слов подписки. Работает поверх векторов, которые BGE-клиент заранее
// посчитал и закэшировал на подписке; сам пакет сетевых вызовов не делает.

// SemanticThresholds — пороги стадии из конфигурации.
type SemanticThresholds struct {
	Positive float64 // минимальная накопленная близость к плюс-ключам
	Negative float64 // близость к минус-ключу, начиная с которой пара отсеивается
}

// SemanticResult — итог семантической стадии.
type SemanticResult struct {
	Score    float64 // накопленная сумма близостей к плюс-ключам на момент остановки
	Pass     bool
	Rejected bool   // сработал минус-ключ
	Negative string // какой именно
}

// Cosine — косинусная близость двух векторов. Накопление в float64, чтобы не
// терять точность на длинных векторах. Разные длины и нулевые нормы дают 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MatchSemantic сопоставляет вектор сообщения с векторами подписки.
//
// Порядок жёсткий: сначала минус-ключи (блок-лист), затем плюс-ключи. Минус
// срабатывает по максимальной близости выше порога Negative. Плюс-ключи
// суммируются в порядке возрастания имён (детерминизм) с насыщением: как
// только сумма пересекла порог Positive, накопление останавливается и пара
// считается прошедшей.
//
// Пустой набор плюс-векторов означает «стадии нечего сказать»: пара проходит
// дальше без оценки (Pass=true, Score=0), отсев возможен только по минусам.
func MatchSemantic(msgVec []float32, positive, negative map[string][]float32, th SemanticThresholds) SemanticResult {
	if len(msgVec) == 0 {
		return SemanticResult{Pass: true}
	}

	for _, kw := range sortedKeys(negative) {
		if sim := Cosine(msgVec, negative[kw]); sim > th.Negative {
			return SemanticResult{Rejected: true, Negative: kw, Score: 0}
		}
	}

	if len(positive) == 0 {
		return SemanticResult{Pass: true}
	}

	var sum float64
	for _, kw := range sortedKeys(positive) {
		sum += Cosine(msgVec, positive[kw])
		if sum >= th.Positive {
			return SemanticResult{Score: sum, Pass: true}
		}
	}
	return SemanticResult{Score: sum, Pass: sum >= th.Positive}
}

// sortedKeys возвращает ключи карты в возрастающем порядке. Нужен стабильный
// порядок обхода: от него зависят и насыщение суммы, и выбор минус-ключа.
func sortedKeys(m map[string][]float32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
