package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/store"
)

const (
	// warnBacklogSize — порог, после которого рост бэклога попадает в предупреждения.
	warnBacklogSize = 1000
	// maxAttempts ограничивает возвраты задания в очередь по transient-ошибкам.
	maxAttempts = 5
	// releasePollInterval — период опроса отложенной очереди в базе.
	releasePollInterval = 15 * time.Second
	// releaseBatch — сколько созревших уведомлений забирается за один опрос.
	releaseBatch = 100
)

// DeferredQueue — персистентная очередь отложенных уведомлений.
type DeferredQueue interface {
	EnqueueDeferred(ctx context.Context, d store.DeferredNotification) (int64, error)
	DueDeferred(ctx context.Context, now time.Time, limit int) ([]store.DeferredNotification, error)
	DeleteDeferred(ctx context.Context, id int64) error
}

// DispatcherOptions — зависимости и параметры диспетчера. Clock допускает
// подмену времени в тестах; по умолчанию time.Now.
type DispatcherOptions struct {
	Sender   Sender
	Policy   Policy
	Deferred DeferredQueue
	// Delay — на сколько придерживаются уведомления по решению политики.
	// Ноль выключает задержку целиком.
	Delay time.Duration
	Clock func() time.Time
}

// DispatcherStats — снимок состояния для операторской команды status.
type DispatcherStats struct {
	Backlog  int
	Sent     int64
	Deferred int64
	Dropped  int64
}

// Dispatcher — очередь доставки уведомлений. Немедленный бэклог хранится в
// памяти и обрабатывается воркером по сигналу; отложенные уведомления лежат
// в базе и забираются циклом освобождения по мере созревания.
type Dispatcher struct {
	sender   Sender
	policy   Policy
	deferred DeferredQueue
	delay    time.Duration
	now      func() time.Time

	mu      sync.Mutex
	backlog []Job
	nextID  int64
	sent    int64
	held    int64
	dropped int64

	signal chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// NewDispatcher валидирует зависимости и подготавливает диспетчер.
// Воркеры не запускаются: для старта используйте Start().
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Sender == nil {
		return nil, errors.New("диспетчер уведомлений: транспорт не задан")
	}
	if opts.Policy == nil {
		return nil, errors.New("диспетчер уведомлений: политика не задана")
	}
	if opts.Deferred == nil {
		return nil, errors.New("диспетчер уведомлений: отложенная очередь не задана")
	}
	nowFn := opts.Clock
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Dispatcher{
		sender:   opts.Sender,
		policy:   opts.Policy,
		deferred: opts.Deferred,
		delay:    opts.Delay,
		now:      nowFn,
		nextID:   1,
		signal:   make(chan struct{}, 1),
	}, nil
}

// Start запускает воркера и цикл освобождения; повторный вызов игнорируется.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(ctx)
		if lifecycle, ok := d.sender.(interface{ Start(context.Context) }); ok {
			lifecycle.Start(d.ctx)
		}
		d.wg.Go(d.workerLoop)
		d.wg.Go(d.releaseLoop)
	})
}

// Close останавливает воркеры и транспорт. Блокируется до завершения горутин
// или истечения ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if lifecycle, ok := d.sender.(interface{ Stop() }); ok {
		lifecycle.Stop()
	}
	return nil
}

// Dispatch принимает совпадение от конвейера: спрашивает политику, собирает
// полезную нагрузку и кладёт её в немедленную либо отложенную очередь.
// Сбой политики не теряет уведомление — оно уходит немедленно без пометок.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	delay, competition, err := d.policy.Decide(ctx, ev.UserID, ev.Message.ID, ev.Message.ChatID)
	if err != nil {
		logger.Warnf("политика доставки: %v", err)
		delay, competition = false, false
	}

	payload := BuildPayload(ev, competition)

	if delay && d.delay > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("кодирование отложенного уведомления: %w", err)
		}
		releaseAt := d.now().Add(d.delay)
		if _, err := d.deferred.EnqueueDeferred(ctx, store.DeferredNotification{
			UserID:    ev.UserID,
			MessageID: ev.Message.ID,
			ChatID:    ev.Message.ChatID,
			Payload:   raw,
			ReleaseAt: releaseAt,
		}); err != nil {
			return fmt.Errorf("отложенная очередь: %w", err)
		}
		d.mu.Lock()
		d.held++
		d.mu.Unlock()
		logger.Infof("уведомление пользователю %d отложено до %s", ev.UserID, releaseAt.Format(time.TimeOnly))
		return nil
	}

	d.enqueue(payload)
	return nil
}

// enqueue присваивает заданию id, кладёт его в бэклог и сигналит воркеру.
func (d *Dispatcher) enqueue(p Payload) {
	d.mu.Lock()
	job := Job{ID: d.nextID, Payload: p, CreatedAt: d.now().UTC()}
	d.nextID++
	d.backlog = append(d.backlog, job)
	size := len(d.backlog)
	d.mu.Unlock()

	if size >= warnBacklogSize {
		logger.Warnf("диспетчер: бэклог вырос до %d заданий", size)
	}
	d.signalWorker()
}

// signalWorker неблокирующе будит воркера.
func (d *Dispatcher) signalWorker() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// workerLoop обрабатывает сигналы и дренирует бэклог.
func (d *Dispatcher) workerLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.signal:
			d.drain()
		}
	}
}

// drain доставляет задания до опустошения бэклога либо прерывания.
// BeforeDrain транспорта вызывается один раз за серию.
func (d *Dispatcher) drain() {
	hookCalled := false
	for {
		job, ok := d.pop()
		if !ok {
			return
		}
		if !hookCalled {
			if h, ok := d.sender.(beforeDrainer); ok {
				h.BeforeDrain(d.ctx)
			}
			hookCalled = true
		}
		if d.handleJob(job) {
			return
		}
	}
}

// handleJob доставляет одно задание. Возвращает true, когда дренирование
// нужно прервать: задание вернулось в очередь либо очередь ждёт сеть.
func (d *Dispatcher) handleJob(job Job) bool {
	outcome, err := d.sender.Deliver(d.ctx, job)

	if outcome.NetworkDown {
		logger.Warnf("диспетчер: сеть недоступна, задание %d возвращено", job.ID)
		d.requeue(job, true)
		if w, ok := d.sender.(waitOnliner); ok {
			_ = w.WaitOnline(d.ctx)
		}
		return true
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			d.requeue(job, true)
			return true
		}
		logger.Errorf("диспетчер: доставка задания %d: %v", job.ID, err)
		d.retry(job)
		return true
	}

	if outcome.Retry {
		logger.Warnf("диспетчер: транспорт просит повторить задание %d", job.ID)
		d.retry(job)
		return true
	}

	if outcome.Permanent {
		reason := "permanent failure"
		if outcome.PermanentError != nil {
			reason = outcome.PermanentError.Error()
		}
		logger.Errorf("диспетчер: задание %d пользователю %d снято: %s", job.ID, job.Payload.UserID, reason)
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return false
	}

	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	logger.Debugf("диспетчер: задание %d доставлено пользователю %d", job.ID, job.Payload.UserID)
	return false
}

// retry возвращает задание в хвост очереди, пока не исчерпаны попытки.
func (d *Dispatcher) retry(job Job) {
	job.Attempts++
	if job.Attempts >= maxAttempts {
		logger.Errorf("диспетчер: задание %d снято после %d попыток", job.ID, job.Attempts)
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return
	}
	d.requeue(job, false)
}

// requeue возвращает задание в бэклог. front=true — в начало очереди.
func (d *Dispatcher) requeue(job Job, front bool) {
	d.mu.Lock()
	if front {
		d.backlog = append([]Job{job}, d.backlog...)
	} else {
		d.backlog = append(d.backlog, job)
	}
	d.mu.Unlock()
	d.signalWorker()
}

// pop снимает первое задание бэклога.
func (d *Dispatcher) pop() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.backlog) == 0 {
		return Job{}, false
	}
	job := d.backlog[0]
	d.backlog = d.backlog[1:]
	return job, true
}

// releaseLoop периодически забирает созревшие отложенные уведомления из базы
// и перекладывает их в немедленную очередь.
func (d *Dispatcher) releaseLoop() {
	ticker := time.NewTicker(releasePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.releaseDue()
		}
	}
}

// releaseDue перекладывает одну пачку созревших уведомлений. Строка удаляется
// из базы до доставки: при сбое процесса уведомление может потеряться, но
// никогда не продублируется.
func (d *Dispatcher) releaseDue() {
	rows, err := d.deferred.DueDeferred(d.ctx, d.now(), releaseBatch)
	if err != nil {
		logger.Warnf("диспетчер: выборка отложенных: %v", err)
		return
	}
	for _, row := range rows {
		if err := d.deferred.DeleteDeferred(d.ctx, row.ID); err != nil {
			logger.Warnf("диспетчер: удаление отложенного %d: %v", row.ID, err)
			continue
		}
		var payload Payload
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			logger.Errorf("диспетчер: битое отложенное уведомление %d: %v", row.ID, err)
			continue
		}
		logger.Infof("диспетчер: отложенное уведомление пользователю %d освобождено", payload.UserID)
		d.enqueue(payload)
	}
}

// Stats возвращает снимок счётчиков диспетчера.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStats{
		Backlog:  len(d.backlog),
		Sent:     d.sent,
		Deferred: d.held,
		Dropped:  d.dropped,
	}
}
