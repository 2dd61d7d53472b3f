// Package throttle — токен-бакет с ретраями для исходящих вызовов радара.
// Все внешние интеграции ходят через него: доставка уведомлений в Telegram и
// Bot API, выгрузка истории при бэкфилле, запросы к LLM-верификатору. Каждая
// из них живёт под серверными лимитами, поэтому поверх бакета (RPS + burst)
// работает экспоненциальный backoff с джиттером, а серверные «подожди N
// секунд» (FLOOD_WAIT, retry_after) извлекаются из ошибок цепочкой
// WaitExtractor и соблюдаются буквально. Ошибка, реализующая StopRetryer,
// прекращает ретраи немедленно.
//
// Троттлер потокобезопасен: Do зовётся из многих горутин, Start и Stop
// идемпотентны.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Burst по умолчанию — кратный rate: короткий всплеск в два RPS допустим.
const defaultBurstFactor = 2

// WaitExtractor достаёт из ошибки серверную паузу. Флаг сообщает, что формат
// ошибки распознан; экстракторы опрашиваются в порядке регистрации, первый
// распознавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer помечает ошибку как бесповоротную: повторять вызов бессмысленно,
// ошибка сразу отдаётся вызывающему.
type StopRetryer interface {
	StopRetry() bool
}

// Option настраивает троттлер при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает число повторов. Значение <=0 снимает лимит.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst задаёт ёмкость бакета. При burst <= 0 остаётся дефолт 2*rate.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors добавляет экстракторы серверных пауз.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		t.waitExtractors = append(t.waitExtractors, cloned...)
	}
}

// WithBackoff переопределяет базу и потолок бэкофа. По умолчанию 1с и 60с;
// бэкфилл истории ставит 2с/2мин, чтобы не дёргать MTProto под FLOOD_WAIT.
// Неположительные значения игнорируются.
func WithBackoff(base, ceil time.Duration) Option {
	return func(t *Throttler) {
		if base > 0 {
			t.backoffBase = base
		}
		if ceil > 0 {
			t.backoffCeil = ceil
		}
	}
}

// WithRandom подменяет источник случайности джиттера. Нужен детерминированным
// тестам.
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// ErrNotStarted возвращается из Do, если Start ещё не вызывался.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler совмещает токен-бакет и стратегию повторов. Поля rate, burst,
// maxRetries и цепочка экстракторов фиксируются в New; rootCtx и tokens
// появляются в Start и потому читаются через снимки под мьютексом.
type Throttler struct {
	rate  int // пополнение, токенов в секунду
	burst int // ёмкость бакета

	tokens chan struct{} // буфер-«бакет»: токен = разрешение на один вызов

	waitExtractors []WaitExtractor
	maxRetries     int // -1 — без лимита

	backoffBase time.Duration
	backoffCeil time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	randomFn func() float64
}

// New создаёт троттлер с частотой rate операций в секунду. Burst по
// умолчанию — 2*rate, не меньше 1. Пополнение бакета начинается только после
// Start.
func New(rate int, opts ...Option) *Throttler {
	if rate <= 0 {
		rate = 1
	}

	t := &Throttler{
		rate:        rate,
		burst:       rate * defaultBurstFactor,
		maxRetries:  -1,
		backoffBase: time.Second,
		backoffCeil: 60 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.burst <= 0 {
		t.burst = rate * defaultBurstFactor
	}
	if t.burst < 1 {
		t.burst = 1
	}

	if t.randomFn == nil {
		t.randomFn = rand.Float64
	}

	return t
}

// Start создаёт бакет, заполняет его до burst и запускает пополнение.
// Идемпотентен; nil-контекст заменяется на Background.
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.startOnce.Do(func() {
		t.mu.Lock()
		t.rootCtx, t.cancel = context.WithCancel(ctx)
		t.tokens = make(chan struct{}, t.burst)
		t.mu.Unlock()

		// Полный бакет на старте: первым вызовам не нужна раскрутка.
		for range t.burst {
			t.tokens <- struct{}{}
		}
		t.wg.Go(func() {
			t.refillLoop()
		})
	})
}

// Stop гасит пополнение и дожидается фоновой горутины. Идемпотентен.
func (t *Throttler) Stop() {
	if !t.isStarted() {
		return
	}
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

// Do выполняет fn под лимитами бакета и стратегией повторов:
//
//  1. дождаться токена (уважая ctx и Stop);
//  2. вызвать fn;
//  3. по ошибке: StopRetryer — вернуть сразу; сорванный контекст — вернуть;
//     экстрактор дал паузу — выждать и повторить, не тратя попытку;
//     иначе бэкоф с джиттером, пока не исчерпан лимит попыток.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.rootContext()
	if root == nil {
		return ErrNotStarted
	}

	attempt := 0
	for {
		if err := t.takeToken(ctx, root); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			// Серверная пауза не считается попыткой: сервер не отказал,
			// а попросил зайти позже.
			if wErr := t.wait(ctx, root, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", t.maxRetries, callErr)
		}

		sleep := t.expBackoff(attempt)
		attempt++
		if wErr := t.wait(ctx, root, sleep); wErr != nil {
			return wErr
		}
	}
}

func (t *Throttler) rootContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx
}

func (t *Throttler) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx != nil
}

// takeToken блокирует до свободного токена. Остановка троттлера отдаётся как
// context.Canceled, чтобы вызывающие не различали два вида отмены.
func (t *Throttler) takeToken(ctx, rootCtx context.Context) error {
	tokenCh := t.tokenChannel()
	if tokenCh == nil {
		return ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rootCtx.Done():
		return context.Canceled
	case <-tokenCh:
		return nil
	}
}

func (t *Throttler) tokenChannel() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens
}

// refillLoop кладёт токен каждые 1/rate секунды; полный бакет не переполняется.
func (t *Throttler) refillLoop() {
	rootCtx := t.rootContext()
	if rootCtx == nil {
		return
	}

	interval := time.Second / time.Duration(t.rate)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			return
		case <-ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// extractWait опрашивает экстракторы и возвращает первую распознанную паузу.
func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// wait спит duration либо до отмены любого из контекстов.
func (t *Throttler) wait(ctx, rootCtx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rootCtx.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// expBackoff считает base·2^attempt с потолком и джиттером из [0.85..1.15].
func (t *Throttler) expBackoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		basePower   = 2.0
	)

	delay := t.backoffBase.Seconds() * math.Pow(basePower, float64(attempt))
	if ceil := t.backoffCeil.Seconds(); delay > ceil {
		delay = ceil
	}

	jitter := t.random()*jitterRange + jitterMin
	seconds := delay * jitter
	return time.Duration(seconds * float64(time.Second))
}

func (t *Throttler) random() float64 {
	// randomFn фиксируется в New, дальше только читается.
	if t.randomFn == nil {
		return rand.Float64() // #nosec G404
	}
	return t.randomFn()
}

// stopTimer останавливает таймер и осушает канал, если тик уже случился.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
