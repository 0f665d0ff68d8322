package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/metrics"
)

// State is the lifecycle state of a Reporter.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

// sendTimeout bounds a single report's resolve+fetch+send round trip,
// independent of Period.
const sendTimeout = 15 * time.Second

// Sender puts a single report on the wire.
type Sender interface {
	Send(ctx context.Context, uri string, payload interface{}) error
}

// Reporter runs Fetch/Sender.Send on a fixed period against a URI that is
// re-resolved on every tick (so a naming-service update takes effect
// without restarting the reporter). The first Hold ticks are skipped,
// matching the original system's grace period before a freshly started
// task or node starts reporting.
type Reporter struct {
	Name       string
	ResolveURI func(context.Context) (string, error)
	Fetch      func() (interface{}, error)
	Sender     Sender
	Hold       int
	Period     time.Duration
	OnError    func()
	OnSuccess  func()

	mu    sync.Mutex
	state State
	done  chan struct{}
	wg    sync.WaitGroup
}

// Start begins the reporter's ticker loop. Start is not idempotent: calling
// it twice on the same Reporter returns an error.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCreated {
		return errAlreadyStarted
	}

	if r.Period <= 0 {
		r.state = StateStopped
		reporterLogger := log.WithComponent(r.Name)
		reporterLogger.Info().Msg("reporter disabled: period <= 0")
		return nil
	}

	r.state = StateRunning
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.run(ctx)

	return nil
}

// Stop signals the ticker loop to exit and waits for it to do so.
// Stop on a Reporter that was never started or already stopped is a no-op.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StateStopped
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.Period)
	defer ticker.Stop()

	held := 0

	for {
		select {
		case <-ticker.C:
			if held < r.Hold {
				held++
				continue
			}
			r.send(ctx)
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reporter) send(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	logger := log.WithComponent(r.Name)
	timer := metrics.NewTimer()

	uri, err := r.ResolveURI(sendCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to resolve report destination")
		r.fail()
		return
	}

	payload, err := r.Fetch()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build report payload")
		r.fail()
		return
	}

	if err := r.Sender.Send(sendCtx, uri, payload); err != nil {
		logger.Warn().Err(err).Str("uri", uri).Msg("failed to send report")
		r.fail()
		return
	}

	timer.ObserveDurationVec(metrics.ReporterSendDuration, r.Name)
	metrics.ReporterSendsTotal.WithLabelValues(r.Name, "success").Inc()
	if r.OnSuccess != nil {
		r.OnSuccess()
	}
}

func (r *Reporter) fail() {
	metrics.ReporterSendsTotal.WithLabelValues(r.Name, "failure").Inc()
	if r.OnError != nil {
		r.OnError()
	}
}
