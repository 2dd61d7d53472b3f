package matching

// Verdict — итог каскада по одной паре (подписка, сообщение). Строковые метки
// стабильны: они попадают в базу и читаются внешними потребителями.
type Verdict string

const (
	// VerdictMatched — пара прошла все стадии и подтверждена.
	VerdictMatched Verdict = "matched"
	// VerdictRejectedNgram — отсев лексической стадией (n-граммный фильтр).
	VerdictRejectedNgram Verdict = "rejected-ngram"
	// VerdictRejectedSemantic — отсев семантической стадией (эмбеддинги).
	VerdictRejectedSemantic Verdict = "rejected-semantic"
	// VerdictRejectedNegative — сработала минус-фраза подписки.
	VerdictRejectedNegative Verdict = "rejected-negative"
	// VerdictRejectedVerifier — LLM-верификатор отклонил пару (или недоступен
	// при низкой лексической оценке).
	VerdictRejectedVerifier Verdict = "rejected-verifier"
)

// Rejected сообщает, является ли вердикт отказом.
func (v Verdict) Rejected() bool { return v != VerdictMatched }

// Known проверяет, что строка из базы — один из известных вердиктов.
func (v Verdict) Known() bool {
	switch v {
	case VerdictMatched, VerdictRejectedNgram, VerdictRejectedSemantic,
		VerdictRejectedNegative, VerdictRejectedVerifier:
		return true
	}
	return false
}
