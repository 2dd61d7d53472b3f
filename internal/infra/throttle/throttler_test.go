package throttle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"telegram-radar/internal/infra/throttle"
)

// fastOpts сводит бэкоф и джиттер к минимуму, чтобы ретраи в тестах
// занимали миллисекунды.
func fastOpts(extra ...throttle.Option) []throttle.Option {
	opts := []throttle.Option{
		throttle.WithBackoff(time.Millisecond, 5*time.Millisecond),
		throttle.WithRandom(func() float64 { return 0 }),
	}
	return append(opts, extra...)
}

func newThrottler(t *testing.T, rate int, opts ...throttle.Option) *throttle.Throttler {
	t.Helper()
	tr := throttle.New(rate, opts...)
	tr.Start(context.Background())
	t.Cleanup(tr.Stop)
	return tr
}

func TestDoBeforeStart(t *testing.T) {
	t.Parallel()

	tr := throttle.New(10)
	err := tr.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, throttle.ErrNotStarted) {
		t.Fatalf("Do() before Start error = %v, want ErrNotStarted", err)
	}
}

func TestDoAfterStop(t *testing.T) {
	t.Parallel()

	tr := throttle.New(1, throttle.WithBurst(1))
	tr.Start(context.Background())

	// Съедаем единственный токен: после Stop внутри select не должно
	// остаться готовых веток кроме отменённого корневого контекста.
	if err := tr.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	tr.Stop()

	err := tr.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() after Stop error = %v, want context.Canceled", err)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	tr := newThrottler(t, 100, fastOpts()...)

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoMaxRetriesExhausted(t *testing.T) {
	t.Parallel()

	tr := newThrottler(t, 100, fastOpts(throttle.WithMaxRetries(2))...)

	base := errors.New("still failing")
	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return base
	})
	if !errors.Is(err, base) {
		t.Fatalf("Do() error = %v, want wrapped %v", err, base)
	}
	if !strings.Contains(err.Error(), "max retries reached") {
		t.Fatalf("Do() error = %q, want max retries message", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (первый вызов и два повтора)", calls)
	}
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "permanent failure" }
func (permanentErr) StopRetry() bool { return true }

func TestDoStopRetryerReturnsImmediately(t *testing.T) {
	t.Parallel()

	tr := newThrottler(t, 100, fastOpts(throttle.WithMaxRetries(5))...)

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return permanentErr{}
	})
	var perm permanentErr
	if !errors.As(err, &perm) {
		t.Fatalf("Do() error = %v, want permanentErr", err)
	}
	if calls != 1 {
		t.Fatalf("calls on StopRetryer = %d, want 1", calls)
	}
}

func TestDoContextErrorNotRetried(t *testing.T) {
	t.Parallel()

	tr := newThrottler(t, 100, fastOpts(throttle.WithMaxRetries(5))...)

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls on canceled fn = %d, want 1", calls)
	}
}

func TestDoServerWaitDoesNotBurnAttempt(t *testing.T) {
	t.Parallel()

	waitErr := errors.New("flood wait")
	extractor := func(err error) (time.Duration, bool) {
		if errors.Is(err, waitErr) {
			return time.Millisecond, true
		}
		return 0, false
	}

	// Лимит в один повтор: две серверные паузы подряд проходят только если
	// пауза не тратит попытку.
	tr := newThrottler(t, 100, fastOpts(
		throttle.WithMaxRetries(1),
		throttle.WithWaitExtractors(extractor),
	)...)

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		if calls <= 2 {
			return waitErr
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestBurstAllowsImmediateCalls(t *testing.T) {
	t.Parallel()

	// rate=1 пополняет бакет раз в секунду, поэтому три мгновенных вызова
	// возможны только за счёт предзаполненного burst.
	tr := newThrottler(t, 1, throttle.WithBurst(3))

	start := time.Now()
	for range 3 {
		if err := tr.Do(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Do() error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("три вызова в пределах burst заняли %v", elapsed)
	}
}

func TestDoRespectsCallerContext(t *testing.T) {
	t.Parallel()

	tr := newThrottler(t, 1, throttle.WithBurst(1))

	// Забираем единственный токен, следующий вызов повиснет на бакете.
	if err := tr.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Do() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Do(ctx, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do() with expired ctx error = %v, want DeadlineExceeded", err)
	}
}
