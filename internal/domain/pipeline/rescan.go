package pipeline

import (
	"context"
	"sort"

	"telegram-radar/internal/domain/matching"
	"telegram-radar/internal/domain/messages"
	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
	"telegram-radar/internal/infra/verifier"
)

// ScanStats — сводка одного ретроспективного скана.
type ScanStats struct {
	Chats      int // чатов просмотрено
	Scanned    int // сообщений просмотрено
	Candidates int // пар пережило дешёвые стадии
	Verified   int // отправлено на LLM-проверку
	Matched    int // подтверждено
}

// Rescan прогоняет подписку по кэшу уже виденных сообщений. Запускается при
// появлении новой подписки и операторской командой rescan.
//
// Дешёвая стадия здесь только лексическая: эмбеддинг каждого сообщения кэша
// стоил бы дороже самой LLM-проверки. Кандидаты сортируются по убыванию
// оценки, обрезаются лимитом RescanVerifyLimit и уходят пакетами — пакет в
// рамках одного чата, потому что id сообщений уникальны лишь внутри чата.
func (p *Pipeline) Rescan(ctx context.Context, sub store.Subscription) (ScanStats, error) {
	var st ScanStats

	type scored struct {
		chatID int64
		msg    messages.Cached
		lex    float64
	}
	var cands []scored
	for _, chatID := range p.scanChats(&sub) {
		msgs := p.msgs.Messages(chatID)
		if len(msgs) == 0 {
			continue
		}
		st.Chats++
		st.Scanned += len(msgs)
		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			ix := matching.NewTextIndex(m.Text)
			if ix.Empty() {
				continue
			}
			if _, hit := ix.NegativeHit(sub.Negatives); hit {
				continue
			}
			lex := matching.MatchLexical(ix, sub.Keywords, sub.Query, sub.Description, p.cfg.MatchThreshold)
			if !lex.Pass {
				continue
			}
			cands = append(cands, scored{chatID: chatID, msg: m, lex: lex.Score})
		}
	}
	st.Candidates = len(cands)
	if len(cands) == 0 {
		return st, nil
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].lex > cands[j].lex })
	if limit := p.cfg.RescanVerifyLimit; limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}

	byChat := make(map[int64][]scored)
	var order []int64
	for _, c := range cands {
		if _, ok := byChat[c.chatID]; !ok {
			order = append(order, c.chatID)
		}
		byChat[c.chatID] = append(byChat[c.chatID], c)
	}

	for _, chatID := range order {
		group := byChat[chatID]
		items := make([]verifier.BatchItem, 0, len(group))
		index := make(map[int]scored, len(group))
		for _, c := range group {
			seen, err := p.ledger.HasAnalysis(ctx, sub.ID, c.msg.ID, chatID)
			if err != nil {
				logger.Warnf("ретроскан: журнал анализов: %v", err)
				continue
			}
			if seen {
				continue
			}
			items = append(items, verifier.BatchItem{ID: c.msg.ID, Text: c.msg.Text})
			index[c.msg.ID] = c
		}
		if len(items) == 0 {
			continue
		}
		st.Verified += len(items)

		verdicts, err := p.verifier.VerifyBatch(ctx, subscriptionRequest(&sub, "", nil), items)
		if err != nil {
			// Пакет пропал целиком; анализы не пишутся, пары останутся
			// доступными следующему скану.
			logger.Warnf("ретроскан: пакет чата %d: %v", chatID, err)
			continue
		}
		for _, item := range items {
			c := index[item.ID]
			// Сообщение, не упомянутое в ответе, трактуется как «не совпало».
			p.finishRescanVerdict(ctx, &sub, chatID, c.msg, c.lex, verdicts[item.ID], &st)
		}
	}
	return st, nil
}

// scanChats возвращает чаты для скана: явные привязки подписки либо весь кэш.
func (p *Pipeline) scanChats(sub *store.Subscription) []int64 {
	if len(sub.ChatIDs) > 0 {
		return sub.ChatIDs
	}
	return p.msgs.ChatIDs()
}

// finishRescanVerdict записывает вердикт пакетной проверки. Совпадения идут
// тем же финишем, что и живой поток: анализ, вложения (если сохранялись
// раньше), отметка уведомления, доставка. Ссылка на сообщение строится по
// реестру чатов, потому что кэш её не хранит.
func (p *Pipeline) finishRescanVerdict(ctx context.Context, sub *store.Subscription, chatID int64, m messages.Cached, lex float64, verdict verifier.Verdict, st *ScanStats) {
	key := pairKey{subscriptionID: sub.ID, messageID: m.ID, chatID: chatID}
	if !p.inflight.TryAcquire(key) {
		return
	}
	defer p.inflight.Release(key)

	if !verdict.Match {
		p.recordRejection(ctx, store.Analysis{
			SubscriptionID: sub.ID,
			MessageID:      m.ID,
			ChatID:         chatID,
			Verdict:        matching.VerdictRejectedVerifier,
			LexicalScore:   lex,
			Confidence:     verdict.Confidence,
			Prose:          verdict.Comment,
		})
		return
	}

	msg := &stream.Message{
		ID:      m.ID,
		ChatID:  chatID,
		TopicID: m.TopicID,
		Text:    m.Text,
		Sender:  stream.User{ID: m.SenderID, FirstName: m.Sender},
		Date:    m.Date,
		Link:    p.chats.Link(ctx, chatID, m.ID),
	}
	var media mediaPaths
	p.finishMatched(ctx, msg, candidate{sub: *sub, lexical: lex}, verdict, 0, &media)
	st.Matched++
}
