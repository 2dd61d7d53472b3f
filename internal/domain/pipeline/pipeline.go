// Package pipeline — ядро радара: каскад сопоставления входящих сообщений с
// подписками. Стадии идут от дешёвой к дорогой: минус-фразы, лексический
// n-граммный фильтр, семантическое сравнение эмбеддингов и, только для
// выживших пар, LLM-проверка. Каждая рассмотренная пара (подписка, сообщение)
// оставляет ровно один анализ в журнале; пользователь получает не больше
// одного уведомления на сообщение, через какую бы из его подписок оно ни
// пришло.
//
// Конвейер кормят два источника: живой поток обновлений (Enqueue, ограничен
// семафором) и прогрев истории (Process напрямую). Ретроспективный скан новой
// подписки живёт в rescan.go и переиспользует тот же журнал и тот же набор
// пар в работе.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"telegram-radar/internal/domain/matching"
	"telegram-radar/internal/domain/messages"
	"telegram-radar/internal/domain/notify"
	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
	"telegram-radar/internal/infra/verifier"
)

// verifierFallbackScore — порог лексической оценки, при превышении которого
// транспортный сбой проверяющего трактуется как совпадение.
const verifierFallbackScore = 0.7

// fallbackProse подставляется вместо комментария проверяющего на фолбэке.
const fallbackProse = "высокое лексическое совпадение (проверяющий недоступен)"

// SubscriptionSource отдаёт активные подписки чата. Живой реализацией служит
// кэш подписок; тесты подставляют заглушку.
type SubscriptionSource interface {
	ForChat(ctx context.Context, chatID int64) ([]store.Subscription, error)
}

// AlbumAssembler собирает альбом по первому пришедшему фрагменту.
type AlbumAssembler interface {
	Claim(chatID, albumID int64) bool
	Assemble(ctx context.Context, msg *stream.Message) (*stream.Message, error)
}

// Enricher распознаёт сообщения-ссылки и дотягивает содержимое страниц.
type Enricher interface {
	LinkOnly(text string) bool
	Enrich(ctx context.Context, text string) (string, error)
}

// Embedder — клиент сервиса эмбеддингов для семантической стадии.
type Embedder interface {
	Enabled() bool
	Alive(ctx context.Context) bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Verifier — LLM-проверяющий, финальная стадия каскада.
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (verifier.Verdict, error)
	VerifyBatch(ctx context.Context, sub verifier.Request, items []verifier.BatchItem) (map[int]verifier.Verdict, error)
}

// Ledger — журнальная часть хранилища: анализы, отметки уведомлений,
// развёрнутые совпадения.
type Ledger interface {
	HasAnalysis(ctx context.Context, subscriptionID int64, messageID int, chatID int64) (bool, error)
	InsertAnalysis(ctx context.Context, a store.Analysis) (bool, error)
	MarkNotified(ctx context.Context, userID int64, messageID int, chatID int64) (bool, error)
	InsertMatch(ctx context.Context, m store.Match) error
}

// Dispatcher принимает подтверждённые совпадения на доставку.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) error
}

// MediaDownloader скачивает байты вложения по дескриптору адаптера.
type MediaDownloader interface {
	Download(ctx context.Context, media stream.Media) ([]byte, error)
}

// MediaSaver кладёт вложения совпавших сообщений на диск.
type MediaSaver interface {
	Enabled() bool
	Save(chatID int64, messageID int, index int, mime string, data []byte) (string, error)
	Existing(chatID int64, messageID int) ([]string, error)
}

// ChatDirectory — названия чатов и публичные ссылки для уведомлений.
type ChatDirectory interface {
	Title(ctx context.Context, chatID int64) string
	Link(ctx context.Context, chatID int64, messageID int) string
}

// Config — пороги и лимиты конвейера.
type Config struct {
	// MatchThreshold — порог лексической стадии.
	MatchThreshold float64
	// Semantic — пороги семантической стадии.
	Semantic matching.SemanticThresholds
	// Workers — максимум одновременно обрабатываемых живых сообщений.
	Workers int
	// RescanVerifyLimit — верхняя граница кандидатов ретроспективного
	// скана, уходящих на LLM-проверку.
	RescanVerifyLimit int
}

// Options — зависимости конвейера. Albums, Enricher, Embedder, Downloader и
// Media необязательны: без них соответствующая стадия просто выключена.
type Options struct {
	Config     Config
	Subs       SubscriptionSource
	Messages   *messages.Cache
	Albums     AlbumAssembler
	Enricher   Enricher
	Embedder   Embedder
	Verifier   Verifier
	Ledger     Ledger
	Dispatcher Dispatcher
	Chats      ChatDirectory
	Downloader MediaDownloader
	Media      MediaSaver
}

// Stats — счётчики конвейера для операторской команды status.
type Stats struct {
	Processed int64 // сообщений прошло через каскад
	Skipped   int64 // пропущено: альбомные дубли, несостоявшееся обогащение
	Matched   int64 // подтверждённых совпадений
	Notified  int64 // передано в доставку
	Rejected  int64 // отказов всех стадий
	Fallbacks int64 // совпадений по лексическому фолбэку
	InFlight  int   // пар на проверке прямо сейчас
}

// Pipeline — оркестратор каскада. Потокобезопасен: Process можно звать из
// нескольких горутин, дедупликацию берут на себя журнал и набор пар в работе.
type Pipeline struct {
	cfg        Config
	subs       SubscriptionSource
	msgs       *messages.Cache
	albums     AlbumAssembler
	enricher   Enricher
	embedder   Embedder
	verifier   Verifier
	ledger     Ledger
	dispatcher Dispatcher
	chats      ChatDirectory
	downloader MediaDownloader
	media      MediaSaver

	inflight *inflightSet
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New собирает конвейер, проверяя обязательные зависимости.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Subs == nil:
		return nil, errors.New("pipeline: subscription source is required")
	case opts.Messages == nil:
		return nil, errors.New("pipeline: message cache is required")
	case opts.Verifier == nil:
		return nil, errors.New("pipeline: verifier is required")
	case opts.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	case opts.Chats == nil:
		return nil, errors.New("pipeline: chat directory is required")
	}
	cfg := opts.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pipeline{
		cfg:        cfg,
		subs:       opts.Subs,
		msgs:       opts.Messages,
		albums:     opts.Albums,
		enricher:   opts.Enricher,
		embedder:   opts.Embedder,
		verifier:   opts.Verifier,
		ledger:     opts.Ledger,
		dispatcher: opts.Dispatcher,
		chats:      opts.Chats,
		downloader: opts.Downloader,
		media:      opts.Media,
		inflight:   newInflightSet(),
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
	}, nil
}

// Enqueue ставит живое сообщение в обработку. Блокируется только в ожидании
// рабочего слота, удерживая цикл обновлений от разгона впереди каскада.
func (p *Pipeline) Enqueue(ctx context.Context, msg *stream.Message) {
	if msg == nil {
		return
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		if err := p.Process(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("конвейер: сообщение %d/%d: %v", msg.ChatID, msg.ID, err)
		}
	}()
}

// Close дожидается завершения запущенных через Enqueue обработок.
func (p *Pipeline) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process прогоняет сообщение через каскад целиком. Вызывается и живым
// потоком (через Enqueue), и прогревом истории напрямую.
func (p *Pipeline) Process(ctx context.Context, msg *stream.Message) error {
	if msg == nil || msg.Outgoing {
		return nil
	}

	// Альбом обрабатывается один раз: первый фрагмент захватывает право
	// сборки, остальные молча выходят.
	if msg.AlbumID != 0 && p.albums != nil {
		if !p.albums.Claim(msg.ChatID, msg.AlbumID) {
			p.bump(func(s *Stats) { s.Skipped++ })
			return nil
		}
		merged, err := p.albums.Assemble(ctx, msg)
		if err != nil {
			logger.Warnf("конвейер: альбом %d чата %d: %v", msg.AlbumID, msg.ChatID, err)
		}
		msg = merged
	}

	p.msgs.Add(msg.ChatID, messages.Cached{
		ID:       msg.ID,
		Text:     msg.Text,
		SenderID: msg.Sender.ID,
		Sender:   msg.Sender.DisplayName(),
		TopicID:  msg.TopicID,
		Date:     msg.Date,
	})
	p.bump(func(s *Stats) { s.Processed++ })

	// Голая ссылка сама по себе не сопоставляется: без содержимого страницы
	// сообщение пропускается целиком.
	matchText := msg.Text
	if p.enricher != nil && p.enricher.LinkOnly(msg.Text) {
		enriched, err := p.enricher.Enrich(ctx, msg.Text)
		if err != nil {
			logger.Debugf("конвейер: сообщение %d/%d: %v", msg.ChatID, msg.ID, err)
			p.bump(func(s *Stats) { s.Skipped++ })
			return nil
		}
		matchText = enriched
	}

	subs, err := p.subs.ForChat(ctx, msg.ChatID)
	if err != nil {
		return fmt.Errorf("подписки чата %d: %w", msg.ChatID, err)
	}
	if len(subs) == 0 {
		return nil
	}

	ix := matching.NewTextIndex(matchText)
	if ix.Empty() {
		return nil
	}

	candidates := p.sieve(ctx, msg, ix, matchText, subs)
	if len(candidates) == 0 {
		return nil
	}

	// Сильные совпадения проверяются первыми: если дорогая стадия упрётся в
	// лимиты, пострадают слабейшие.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lexical > candidates[j].lexical
	})
	competitors := competitorBucket(distinctUsers(candidates))

	var media mediaPaths
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.verifyCandidate(ctx, msg, matchText, cand, competitors, &media)
	}
	return nil
}

// HandleEdit обновляет текст сообщения в кэше ретроспективных сканов. Правка
// каскад не перезапускает: записанные анализы остаются в силе.
func (p *Pipeline) HandleEdit(msg *stream.Message) {
	if msg == nil {
		return
	}
	p.msgs.UpdateText(msg.ChatID, msg.ID, msg.Text)
}

// HandleDelete убирает удалённые сообщения из кэша. Удаления вне каналов
// приходят без чата (chatID == 0): тогда зачистка идёт по всем чатам.
func (p *Pipeline) HandleDelete(chatID int64, ids []int) {
	if chatID != 0 {
		p.msgs.Delete(chatID, ids...)
		return
	}
	for _, id := range p.msgs.ChatIDs() {
		p.msgs.Delete(id, ids...)
	}
}

// Stats возвращает снимок счётчиков.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.InFlight = p.inflight.Len()
	return st
}

func (p *Pipeline) bump(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

// candidate — подписка, пережившая дешёвые стадии, с оценками для сортировки
// и журнала.
type candidate struct {
	sub      store.Subscription
	lexical  float64
	semantic float64
}

// sieve прогоняет подписки через минус-фразы, лексическую и семантическую
// стадии, записывая отказы в журнал. Возвращает кандидатов на LLM-проверку.
// Вектор сообщения считается лениво и не более одного раза на прогон.
func (p *Pipeline) sieve(ctx context.Context, msg *stream.Message, ix *matching.TextIndex, matchText string, subs []store.Subscription) []candidate {
	var (
		cands   []candidate
		msgVec  []float32
		vecFail bool
	)
	for i := range subs {
		sub := &subs[i]
		base := store.Analysis{SubscriptionID: sub.ID, MessageID: msg.ID, ChatID: msg.ChatID}

		if phrase, hit := ix.NegativeHit(sub.Negatives); hit {
			base.Verdict = matching.VerdictRejectedNegative
			base.RejectionKeyword = phrase
			p.recordRejection(ctx, base)
			continue
		}

		lex := matching.MatchLexical(ix, sub.Keywords, sub.Query, sub.Description, p.cfg.MatchThreshold)
		base.LexicalScore = lex.Score
		if lex.Pass {
			cands = append(cands, candidate{sub: *sub, lexical: lex.Score})
			continue
		}

		// Семантика подключается, только когда лексика отказала и у подписки
		// есть векторы. Без живого BGE лексического отказа достаточно.
		if len(sub.Embeddings) == 0 || p.embedder == nil || !p.embedder.Enabled() {
			base.Verdict = matching.VerdictRejectedNgram
			p.recordRejection(ctx, base)
			continue
		}
		if msgVec == nil && !vecFail {
			msgVec, vecFail = p.embedMessage(ctx, matchText)
		}
		if vecFail {
			base.Verdict = matching.VerdictRejectedNgram
			p.recordRejection(ctx, base)
			continue
		}

		sem := matching.MatchSemantic(msgVec, sub.Embeddings, sub.NegEmbeddings, p.cfg.Semantic)
		base.SemanticScore = sem.Score
		switch {
		case sem.Rejected:
			base.Verdict = matching.VerdictRejectedSemantic
			base.RejectionKeyword = sem.Negative
			p.recordRejection(ctx, base)
		case !sem.Pass:
			base.Verdict = matching.VerdictRejectedSemantic
			p.recordRejection(ctx, base)
		default:
			cands = append(cands, candidate{sub: *sub, lexical: lex.Score, semantic: sem.Score})
		}
	}
	return cands
}

// embedMessage единожды считает вектор сообщения. Второе значение true —
// сервис мёртв или вернул ошибку; семантики в этом прогоне не будет, пары
// решаются по лексике.
func (p *Pipeline) embedMessage(ctx context.Context, text string) ([]float32, bool) {
	if !p.embedder.Alive(ctx) {
		logger.Debugf("конвейер: bge недоступен, семантика пропущена")
		return nil, true
	}
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		logger.Debugf("конвейер: эмбеддинг сообщения: %v", err)
		return nil, true
	}
	return vec, false
}

// verifyCandidate доводит пару до окончательного вердикта. Пара на время
// проверки захватывается в наборе работ; уже проанализированные пропускаются.
func (p *Pipeline) verifyCandidate(ctx context.Context, msg *stream.Message, matchText string, cand candidate, competitors int, media *mediaPaths) {
	key := pairKey{subscriptionID: cand.sub.ID, messageID: msg.ID, chatID: msg.ChatID}
	if !p.inflight.TryAcquire(key) {
		return
	}
	defer p.inflight.Release(key)

	seen, err := p.ledger.HasAnalysis(ctx, cand.sub.ID, msg.ID, msg.ChatID)
	if err != nil {
		logger.Warnf("конвейер: журнал анализов: %v", err)
		return
	}
	if seen {
		return
	}

	verdict, err := p.verifier.Verify(ctx, subscriptionRequest(&cand.sub, matchText, msg.Media))
	switch {
	case err == nil && verdict.Match:
		p.finishMatched(ctx, msg, cand, verdict, competitors, media)
	case err == nil:
		p.recordRejection(ctx, store.Analysis{
			SubscriptionID: cand.sub.ID,
			MessageID:      msg.ID,
			ChatID:         msg.ChatID,
			Verdict:        matching.VerdictRejectedVerifier,
			LexicalScore:   cand.lexical,
			SemanticScore:  cand.semantic,
			Confidence:     verdict.Confidence,
			Prose:          verdict.Comment,
		})
	case cand.lexical > verifierFallbackScore:
		// Проверяющий недоступен, но лексическое совпадение достаточно
		// сильное, чтобы не терять уведомление.
		logger.Warnf("конвейер: проверяющий недоступен (%v), фолбэк по лексике %.2f", err, cand.lexical)
		p.bump(func(s *Stats) { s.Fallbacks++ })
		p.finishMatched(ctx, msg, cand, verifier.Verdict{
			Match:      true,
			Confidence: cand.lexical,
			Comment:    fallbackProse,
		}, competitors, media)
	default:
		logger.Warnf("конвейер: проверяющий недоступен: %v", err)
		p.recordRejection(ctx, store.Analysis{
			SubscriptionID: cand.sub.ID,
			MessageID:      msg.ID,
			ChatID:         msg.ChatID,
			Verdict:        matching.VerdictRejectedVerifier,
			LexicalScore:   cand.lexical,
			SemanticScore:  cand.semantic,
		})
	}
}

// finishMatched фиксирует подтверждённое совпадение: анализ, развёрнутая
// запись, вложения, отметка уведомления и передача в доставку. Повторное
// уведомление того же пользователя о том же сообщении подавляется, но анализ
// и запись совпадения при этом остаются.
func (p *Pipeline) finishMatched(ctx context.Context, msg *stream.Message, cand candidate, verdict verifier.Verdict, competitors int, media *mediaPaths) {
	inserted, err := p.ledger.InsertAnalysis(ctx, store.Analysis{
		SubscriptionID: cand.sub.ID,
		MessageID:      msg.ID,
		ChatID:         msg.ChatID,
		Verdict:        matching.VerdictMatched,
		LexicalScore:   cand.lexical,
		SemanticScore:  cand.semantic,
		Confidence:     verdict.Confidence,
		Prose:          verdict.Comment,
	})
	if err != nil {
		logger.Errorf("конвейер: запись анализа: %v", err)
		return
	}
	if !inserted {
		// Конкурирующий прогон успел первым; уведомление за ним.
		return
	}
	p.bump(func(s *Stats) { s.Matched++ })

	paths := media.ensure(ctx, p, msg)
	if err := p.ledger.InsertMatch(ctx, store.Match{
		SubscriptionID: cand.sub.ID,
		MessageID:      msg.ID,
		ChatID:         msg.ChatID,
		Text:           msg.Text,
		Prose:          verdict.Comment,
		MediaPaths:     paths,
	}); err != nil {
		logger.Warnf("конвейер: запись совпадения: %v", err)
	}

	first, err := p.ledger.MarkNotified(ctx, cand.sub.UserID, msg.ID, msg.ChatID)
	if err != nil {
		logger.Errorf("конвейер: отметка уведомления: %v", err)
		return
	}
	if !first {
		logger.Debugf("конвейер: пользователь %d уже уведомлён о %d/%d", cand.sub.UserID, msg.ChatID, msg.ID)
		return
	}

	ev := notify.Event{
		UserID:         cand.sub.UserID,
		SubscriptionID: cand.sub.ID,
		Query:          cand.sub.Query,
		Message:        msg,
		ChatTitle:      p.chats.Title(ctx, msg.ChatID),
		Prose:          verdict.Comment,
		MatchedItems:   verdict.MatchedItems,
		MatchedPhotos:  verdict.MatchedPhotos,
		Competitors:    competitors,
		MediaPaths:     paths,
	}
	if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
		logger.Errorf("конвейер: доставка: %v", err)
		return
	}
	p.bump(func(s *Stats) { s.Notified++ })
}

// recordRejection пишет отказной анализ; ошибка журнала не прерывает прогон.
func (p *Pipeline) recordRejection(ctx context.Context, a store.Analysis) {
	if _, err := p.ledger.InsertAnalysis(ctx, a); err != nil {
		logger.Warnf("конвейер: запись отказа (%d,%d,%d): %v", a.SubscriptionID, a.MessageID, a.ChatID, err)
		return
	}
	p.bump(func(s *Stats) { s.Rejected++ })
}

// mediaPaths лениво сохраняет вложения один раз на сообщение: первый
// подтверждённый кандидат оплачивает скачивание, остальные переиспользуют
// готовые пути.
type mediaPaths struct {
	done  bool
	paths []string
}

func (m *mediaPaths) ensure(ctx context.Context, p *Pipeline, msg *stream.Message) []string {
	if m.done {
		return m.paths
	}
	m.done = true
	m.paths = p.persistMedia(ctx, msg)
	return m.paths
}

// persistMedia скачивает вложения и кладёт их в файловое хранилище. Ошибка
// отдельного вложения совпадение не валит: путь просто выпадает из списка.
func (p *Pipeline) persistMedia(ctx context.Context, msg *stream.Message) []string {
	if p.media == nil || !p.media.Enabled() {
		return nil
	}
	if existing, err := p.media.Existing(msg.ChatID, msg.ID); err == nil && len(existing) > 0 {
		return existing
	}
	if p.downloader == nil || len(msg.Media) == 0 {
		return nil
	}
	var paths []string
	for _, m := range msg.Media {
		data, err := p.downloader.Download(ctx, m)
		if err != nil {
			logger.Warnf("конвейер: скачивание вложения %d сообщения %d/%d: %v", m.Index, msg.ChatID, msg.ID, err)
			continue
		}
		path, err := p.media.Save(msg.ChatID, msg.ID, m.Index, m.Mime, data)
		if err != nil {
			logger.Warnf("конвейер: сохранение вложения %d сообщения %d/%d: %v", m.Index, msg.ChatID, msg.ID, err)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// subscriptionRequest собирает запрос к проверяющему из подписки, текста
// (обогащённого, если было обогащение) и дескрипторов вложений.
func subscriptionRequest(sub *store.Subscription, text string, media []stream.Media) verifier.Request {
	req := verifier.Request{
		Text:        text,
		Query:       sub.Query,
		Keywords:    sub.Keywords,
		Negatives:   sub.Negatives,
		Description: sub.Description,
	}
	for _, m := range media {
		req.Media = append(req.Media, verifier.MediaDescriptor{Index: m.Index, Kind: string(m.Kind), Mime: m.Mime})
	}
	return req
}

// distinctUsers считает различных пользователей среди кандидатов.
func distinctUsers(cands []candidate) int {
	users := make(map[int64]struct{}, len(cands))
	for _, c := range cands {
		users[c.sub.UserID] = struct{}{}
	}
	return len(users)
}

// competitorBucket огрубляет число конкурентов вниз до кратного пяти: точное
// значение в уведомлении не светится. Один кандидат конкуренции не создаёт.
func competitorBucket(users int) int {
	if users <= 1 {
		return 0
	}
	return users / 5 * 5
}
