package matching

import "strings"

// Весовая схема лексического каскада. Значения подобраны на живом трафике
// барахолок: бинарное покрытие доминирует (наличие ключа почти дословно),
// мягкое среднее добирает словоформы, а описание подписки сравнивается и по
// символьным триграммам, и по парам слов.
const (
	binaryCoverageMin = 0.7 // покрытие, начиная с которого ключ считается «найденным»
	binaryWeight      = 0.7
	softWeight        = 0.3

	descTrigramWeight = 0.3
	descBigramWeight  = 0.7

	keywordTermWeight     = 0.5
	descriptionTermWeight = 0.5

	negativeCoverageMin = 0.85 // порог покрытия минус-фразы для немедленного отсева
)

// TextIndex — предвычисленные структуры одного текста: нормализованная строка,
// множество символьных триграмм и множество пар слов. Строится один раз на
// сообщение и переиспользуется для всех подписок чата.
type TextIndex struct {
	norm     string
	trigrams map[string]struct{}
	bigrams  map[string]struct{}
}

// NewTextIndex нормализует текст и строит его n-граммные множества.
func NewTextIndex(text string) *TextIndex {
	return &TextIndex{
		norm:     Normalize(text),
		trigrams: CharNgrams(text, ngramSize),
		bigrams:  WordBigrams(text),
	}
}

// Empty сообщает, что после нормализации от текста ничего не осталось.
func (ix *TextIndex) Empty() bool { return ix.norm == "" }

// Coverage — доля триграмм ключа, найденных в тексте. Ключ короче триграммы
// проверяется подстрокой: его «множество n-грамм» вырождено.
func (ix *TextIndex) Coverage(keyword string) float64 {
	kw := CharNgrams(keyword, ngramSize)
	if len(kw) == 0 {
		return 0
	}
	if len(kw) == 1 {
		for gram := range kw {
			if len([]rune(gram)) < ngramSize {
				if strings.Contains(ix.norm, gram) {
					return 1
				}
				return 0
			}
		}
	}
	found := 0
	for gram := range kw {
		if _, ok := ix.trigrams[gram]; ok {
			found++
		}
	}
	return float64(found) / float64(len(kw))
}

// HasAllBridges проверяет, что каждая мостовая триграмма фразы присутствует в
// тексте. Для однословных фраз всегда true.
func (ix *TextIndex) HasAllBridges(phrase string) bool {
	for _, gram := range BridgeNgrams(phrase, ngramSize) {
		if _, ok := ix.trigrams[gram]; !ok {
			return false
		}
	}
	return true
}

// NegativeHit ищет первую минус-фразу, которая встречается в тексте как связное
// словосочетание: покрытие ≥ negativeCoverageMin И все мостовые триграммы на
// месте. Возвращает сработавшую фразу. Мостовое условие отличает «продам на
// запчасти» от сообщений, где слова фразы стоят далеко друг от друга.
func (ix *TextIndex) NegativeHit(negatives []string) (string, bool) {
	for _, phrase := range negatives {
		if strings.TrimSpace(phrase) == "" {
			continue
		}
		if ix.Coverage(phrase) >= negativeCoverageMin && ix.HasAllBridges(phrase) {
			return phrase, true
		}
	}
	return "", false
}

// keywordTerm — ключевая часть лексической оценки: 0.7·binary + 0.3·soft, где
// binary — доля ключей с покрытием выше binaryCoverageMin и целыми мостами,
// soft — среднее покрытие по всем ключам.
func (ix *TextIndex) keywordTerm(keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	var coveredBinary int
	var coverageSum float64
	for _, kw := range keywords {
		cov := ix.Coverage(kw)
		coverageSum += cov
		if cov > binaryCoverageMin && ix.HasAllBridges(kw) {
			coveredBinary++
		}
	}
	binary := float64(coveredBinary) / float64(len(keywords))
	soft := coverageSum / float64(len(keywords))
	return binaryWeight*binary + softWeight*soft
}

// descriptionTerm сравнивает текст с описанием подписки: Жаккар триграмм с
// весом 0.3 и Жаккар пар слов с весом 0.7. Пустое описание даёт 0.
func (ix *TextIndex) descriptionTerm(description string) float64 {
	if strings.TrimSpace(description) == "" {
		return 0
	}
	desc := NewTextIndex(description)
	tri := jaccard(ix.trigrams, desc.trigrams)
	big := jaccard(ix.bigrams, desc.bigrams)
	return descTrigramWeight*tri + descBigramWeight*big
}

// LexicalResult — итог лексической стадии по одной подписке.
type LexicalResult struct {
	Score    float64
	Pass     bool
	Fallback bool // порог взят запасным проходом по токенам запроса
}

// MatchLexical считает лексическую оценку пары (текст, подписка):
// 0.5·keywordTerm + 0.5·descriptionTerm против порога threshold.
//
// Если основная оценка не добирает порог, выполняется запасной проход: ключевая
// часть пересчитывается по токенам поверхностной формы запроса. Это спасает
// подписки, у которых ключи сгенерированы неудачно, а сам запрос буквально
// встречается в тексте.
//
// Пустые ключи вместе с пустым описанием не совпадают никогда.
func MatchLexical(ix *TextIndex, keywords []string, query, description string, threshold float64) LexicalResult {
	hasKeywords := false
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			hasKeywords = true
			break
		}
	}
	if !hasKeywords && strings.TrimSpace(description) == "" {
		return LexicalResult{}
	}

	descTerm := ix.descriptionTerm(description)
	score := keywordTermWeight*ix.keywordTerm(keywords) + descriptionTermWeight*descTerm
	if score >= threshold {
		return LexicalResult{Score: score, Pass: true}
	}

	if queryTokens := Tokens(query); len(queryTokens) > 0 {
		fallback := keywordTermWeight*ix.keywordTerm(queryTokens) + descriptionTermWeight*descTerm
		if fallback >= threshold {
			return LexicalResult{Score: fallback, Pass: true, Fallback: true}
		}
	}

	return LexicalResult{Score: score}
}
