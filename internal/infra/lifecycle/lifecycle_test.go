package lifecycle_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"telegram-radar/internal/infra/lifecycle"
)

// orderRecorder собирает фактическую последовательность start/stop узлов.
type orderRecorder struct {
	events []string
}

func (r *orderRecorder) node(name string) (lifecycle.StartFunc, lifecycle.StopFunc) {
	start := func(ctx context.Context) (context.Context, error) {
		r.events = append(r.events, "start:"+name)
		return nil, nil
	}
	stop := func(ctx context.Context) error {
		r.events = append(r.events, "stop:"+name)
		return nil
	}
	return start, stop
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())

	if err := m.Register("", "", nil, nil, nil); err == nil {
		t.Fatal("Register with empty name returned nil error")
	}
	if err := m.Register("root", "", nil, nil, nil); err == nil {
		t.Fatal("Register with reserved name returned nil error")
	}
	if err := m.Register("a", "missing", nil, nil, nil); err == nil {
		t.Fatal("Register with unknown parent returned nil error")
	}
	if err := m.Register("a", "", []string{"a"}, nil, nil); err == nil {
		t.Fatal("Register with self-dependency returned nil error")
	}
	if err := m.Register("a", "", nil, nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("a", "", nil, nil, nil); err == nil {
		t.Fatal("duplicate Register returned nil error")
	}
}

func TestStartOrderFollowsDeps(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	rec := &orderRecorder{}

	// Регистрируем в порядке, обратном зависимостям: алфавитный проход
	// StartAll сам должен поднять зависимости первыми.
	for _, n := range []struct {
		name string
		deps []string
	}{
		{name: "cli", deps: []string{"updates"}},
		{name: "updates", deps: []string{"handlers"}},
		{name: "handlers", deps: []string{"dispatcher"}},
		{name: "dispatcher", deps: nil},
	} {
		start, stop := rec.node(n.name)
		if err := m.Register(n.name, "", n.deps, start, stop); err != nil {
			t.Fatalf("Register(%s): %v", n.name, err)
		}
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	wantStarts := []string{"start:dispatcher", "start:handlers", "start:updates", "start:cli"}
	if got := rec.events[:4]; !slices.Equal(got, wantStarts) {
		t.Fatalf("start order = %v, want %v", got, wantStarts)
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wantStops := []string{"stop:cli", "stop:updates", "stop:handlers", "stop:dispatcher"}
	if got := rec.events[4:]; !slices.Equal(got, wantStops) {
		t.Fatalf("stop order = %v, want %v", got, wantStops)
	}
}

func TestStartAllDetectsCycle(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	noop := func(ctx context.Context) (context.Context, error) { return nil, nil }

	if err := m.Register("a", "", []string{"b"}, noop, nil); err != nil {
		t.Fatalf("Register(a): %v", err)
	}
	if err := m.Register("b", "", []string{"a"}, noop, nil); err != nil {
		t.Fatalf("Register(b): %v", err)
	}

	if err := m.StartAll(); err == nil {
		t.Fatal("StartAll with a<->b cycle returned nil error")
	}
}

func TestFailedStartMarksDependents(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	boom := errors.New("boom")

	if err := m.Register("base", "", nil, func(ctx context.Context) (context.Context, error) {
		return nil, boom
	}, nil); err != nil {
		t.Fatalf("Register(base): %v", err)
	}
	started := false
	if err := m.Register("dependent", "", []string{"base"}, func(ctx context.Context) (context.Context, error) {
		started = true
		return nil, nil
	}, nil); err != nil {
		t.Fatalf("Register(dependent): %v", err)
	}

	err := m.StartAll()
	if !errors.Is(err, boom) {
		t.Fatalf("StartAll error = %v, want wrapped boom", err)
	}
	if started {
		t.Fatal("dependent started despite failed dependency")
	}

	snap := m.Snapshot()
	if snap["base"] != "failed" || snap["dependent"] != "failed" {
		t.Fatalf("Snapshot = %v, want base and dependent failed", snap)
	}
}

func TestNodeContextCanceledOnShutdown(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())

	var nodeCtx context.Context
	if err := m.Register("svc", "", nil, func(ctx context.Context) (context.Context, error) {
		nodeCtx = ctx
		return nil, nil
	}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if nodeCtx == nil || nodeCtx.Err() != nil {
		t.Fatalf("node context after start: %v", nodeCtx)
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !errors.Is(nodeCtx.Err(), context.Canceled) {
		t.Fatalf("node context after shutdown err = %v, want Canceled", nodeCtx.Err())
	}

	snap := m.Snapshot()
	if snap["svc"] != "stopped" {
		t.Fatalf("Snapshot after shutdown = %v, want svc stopped", snap)
	}
}

func TestStopFuncErrorReported(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	stopErr := errors.New("drain timeout")

	if err := m.Register("svc", "", nil,
		func(ctx context.Context) (context.Context, error) { return nil, nil },
		func(ctx context.Context) error { return stopErr },
	); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); !errors.Is(err, stopErr) {
		t.Fatalf("Shutdown error = %v, want stopErr", err)
	}
	if snap := m.Snapshot(); snap["svc"] != "failed" {
		t.Fatalf("Snapshot = %v, want svc failed", snap)
	}
}
