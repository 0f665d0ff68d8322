package reporter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSender struct {
	calls     int32
	failEvery int32 // 0 = never fail
}

func (f *fakeSender) Send(ctx context.Context, uri string, payload interface{}) error {
	n := atomic.AddInt32(&f.calls, 1)
	if f.failEvery > 0 && n%f.failEvery == 0 {
		return errors.New("simulated send failure")
	}
	return nil
}

func newTestReporter(name string, sender Sender, hold int, period time.Duration, onError func()) *Reporter {
	return &Reporter{
		Name:       name,
		ResolveURI: func(ctx context.Context) (string, error) { return "http://head.cluster.local/report", nil },
		Fetch:      func() (interface{}, error) { return map[string]int{"ok": 1}, nil },
		Sender:     sender,
		Hold:       hold,
		Period:     period,
		OnError:    onError,
	}
}

func TestReporter_SendsOnEachTick(t *testing.T) {
	sender := &fakeSender{}
	r := newTestReporter("test", sender, 0, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	time.Sleep(40 * time.Millisecond)

	if atomic.LoadInt32(&sender.calls) < 3 {
		t.Errorf("sender.calls = %d, want at least 3 within 40ms at 5ms period", sender.calls)
	}
}

func TestReporter_HoldSkipsInitialTicks(t *testing.T) {
	sender := &fakeSender{}
	r := newTestReporter("test", sender, 3, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	time.Sleep(17 * time.Millisecond)

	if atomic.LoadInt32(&sender.calls) != 0 {
		t.Errorf("sender.calls = %d within hold window, want 0", sender.calls)
	}
}

func TestReporter_CallsOnErrorOnSendFailure(t *testing.T) {
	sender := &fakeSender{failEvery: 1} // every send fails
	var onErrorCalls int32

	r := newTestReporter("test", sender, 0, 5*time.Millisecond, func() {
		atomic.AddInt32(&onErrorCalls, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&onErrorCalls) == 0 {
		t.Error("OnError was never called after send failures")
	}
}

func TestReporter_StopStopsLoop(t *testing.T) {
	sender := &fakeSender{}
	r := newTestReporter("test", sender, 0, 5*time.Millisecond, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	r.Stop()

	callsAtStop := atomic.LoadInt32(&sender.calls)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&sender.calls) != callsAtStop {
		t.Error("sender was called again after Stop()")
	}
}

func TestReporter_ZeroPeriodDisablesWithoutPanic(t *testing.T) {
	sender := &fakeSender{}
	r := newTestReporter("test", sender, 0, 0, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if atomic.LoadInt32(&sender.calls) != 0 {
		t.Errorf("sender.calls = %d, want 0 for a disabled reporter", sender.calls)
	}
	if r.state != StateStopped {
		t.Errorf("state = %v, want StateStopped", r.state)
	}
}

func TestReporter_CallsOnSuccessOnSendSuccess(t *testing.T) {
	sender := &fakeSender{}
	var onSuccessCalls int32

	r := newTestReporter("test", sender, 0, 5*time.Millisecond, nil)
	r.OnSuccess = func() {
		atomic.AddInt32(&onSuccessCalls, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&onSuccessCalls) == 0 {
		t.Error("OnSuccess was never called after successful sends")
	}
}

func TestReporter_StartTwiceErrors(t *testing.T) {
	sender := &fakeSender{}
	r := newTestReporter("test", sender, 0, time.Hour, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer r.Stop()

	if err := r.Start(ctx); err == nil {
		t.Error("second Start() error = nil, want errAlreadyStarted")
	}
}
