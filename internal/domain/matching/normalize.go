// Package matching — лексический и семантический каскад сопоставления сообщения
// с подпиской. Пакет чистый: никаких внешних вызовов, только текст и векторы,
// поэтому легко покрывается табличными тестами.
//
// Нормализация текста:
//  1. все буквы приводятся к нижнему регистру;
//  2. всё, что не буква и не цифра (эмодзи, пунктуация, символы), заменяется пробелом;
//  3. пробелы схлопываются до одного.
//
// N-граммы строятся по нормализованной строке ЦЕЛИКОМ, включая пробелы между
// словами. Благодаря этому у многословной фразы существуют «мостовые» n-граммы,
// пересекающие границу слов, и их наличие в тексте означает, что слова фразы
// стоят рядом, а не разбросаны по сообщению.
package matching

import (
	"strings"
	"unicode"
)

// ngramSize — размер символьных n-грамм каскада. Триграммы достаточно устойчивы
// к опечаткам и словоформам русского языка и при этом не взрываются по памяти.
const ngramSize = 3

// Normalize приводит текст к канонической форме для построения n-грамм.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens возвращает слова нормализованного текста.
func Tokens(s string) []string {
	norm := Normalize(s)
	if norm == "" {
		return nil
	}
	return strings.Split(norm, " ")
}

// CharNgrams строит множество символьных n-грамм нормализованной строки.
// Строка короче n даёт одноэлементное множество из самой строки: иначе короткие
// ключевые слова («бу», «vr») вовсе не имели бы n-грамм и не могли совпасть.
func CharNgrams(s string, n int) map[string]struct{} {
	norm := Normalize(s)
	if norm == "" {
		return map[string]struct{}{}
	}
	runes := []rune(norm)
	set := make(map[string]struct{}, len(runes))
	if len(runes) < n {
		set[string(runes)] = struct{}{}
		return set
	}
	for i := 0; i+n <= len(runes); i++ {
		set[string(runes[i:i+n])] = struct{}{}
	}
	return set
}

// WordBigrams строит множество пар соседних слов («iphone 15», «15 pro»).
// Текст из одного слова даёт пустое множество.
func WordBigrams(s string) map[string]struct{} {
	tokens := Tokens(s)
	set := make(map[string]struct{}, len(tokens))
	for i := 0; i+1 < len(tokens); i++ {
		set[tokens[i]+" "+tokens[i+1]] = struct{}{}
	}
	return set
}

// BridgeNgrams возвращает n-граммы фразы, пересекающие границу слов (содержащие
// пробел). Для однословной фразы срез пуст. Наличие всех мостовых n-грамм в
// тексте — признак того, что фраза встречается как связное словосочетание.
func BridgeNgrams(phrase string, n int) []string {
	norm := Normalize(phrase)
	if !strings.Contains(norm, " ") {
		return nil
	}
	runes := []rune(norm)
	var out []string
	for i := 0; i+n <= len(runes); i++ {
		gram := runes[i : i+n]
		for _, r := range gram {
			if r == ' ' {
				out = append(out, string(gram))
				break
			}
		}
	}
	return out
}

// jaccard — коэффициент Жаккара двух множеств строк. Пустые множества дают 0.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
