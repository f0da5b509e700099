package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webproxy/internal/rendezvous"
)

// Page wait outcomes.
const (
	WaitDone      = "done"
	WaitTimeout   = "timeout"
	WaitCapped    = "capped"
	WaitCancelled = "cancelled"
)

// PageTable tracks injected documents waiting for their helper to
// finish initializing. Each entry is resolved exactly once: by init
// end, by the wait timer, by the init cap, or by the reader going away.
type PageTable struct {
	wait    time.Duration
	initCap time.Duration
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	seq   int
	pages map[int]*pendingPage
}

type pendingPage struct {
	sig     *rendezvous.Signal[bool]
	timer   *time.Timer
	gen     int
	url     string
	started time.Time
}

// NewPageTable creates a table. wait bounds the time to init begin or
// init end; initCap bounds the time from init begin to init end.
func NewPageTable(wait, initCap time.Duration, logger *zap.Logger, metrics *monitoring.Metrics) *PageTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageTable{
		wait:    wait,
		initCap: initCap,
		log:     logger,
		metrics: metrics,
		pages:   make(map[int]*pendingPage),
	}
}

// Add registers a page for target and arms its wait timer.
func (t *PageTable) Add(target string) (int, *rendezvous.Signal[bool]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	id := t.seq
	p := &pendingPage{
		sig:     rendezvous.New[bool](),
		url:     target,
		started: time.Now(),
	}
	p.timer = t.arm(id, p, t.wait, WaitTimeout)
	t.pages[id] = p
	return id, p.sig
}

// arm must be called with t.mu held.
func (t *PageTable) arm(id int, p *pendingPage, d time.Duration, outcome string) *time.Timer {
	p.gen++
	gen := p.gen
	return time.AfterFunc(d, func() {
		t.mu.Lock()
		cur, ok := t.pages[id]
		if !ok || cur.gen != gen {
			t.mu.Unlock()
			return
		}
		delete(t.pages, id)
		t.mu.Unlock()

		t.finish(id, cur, outcome, false)
	})
}

// Notify applies a page's init signal. done=false is init begin: the
// wait timer is replaced by the init cap. done=true is init end.
func (t *PageTable) Notify(id int, done bool) {
	t.mu.Lock()
	p, ok := t.pages[id]
	if !ok {
		t.mu.Unlock()
		t.log.Warn("Unknown page id", zap.Int("page", id), zap.Bool("done", done))
		return
	}

	p.timer.Stop()
	if !done {
		p.timer = t.arm(id, p, t.initCap, WaitCapped)
		t.mu.Unlock()
		return
	}
	delete(t.pages, id)
	t.mu.Unlock()

	t.finish(id, p, WaitDone, true)
}

// Wait blocks until the page resolves or ctx ends, and reports whether
// the page finished initializing.
func (t *PageTable) Wait(ctx context.Context, id int, sig *rendezvous.Signal[bool]) bool {
	done, err := sig.Wait(ctx)
	if err == nil {
		return done
	}
	t.Cancel(id)
	return false
}

// Cancel drops a pending page, resolving it negatively.
func (t *PageTable) Cancel(id int) {
	t.mu.Lock()
	p, ok := t.pages[id]
	if ok {
		p.timer.Stop()
		delete(t.pages, id)
	}
	t.mu.Unlock()

	if ok {
		t.finish(id, p, WaitCancelled, false)
	}
}

// Len returns the number of pending pages.
func (t *PageTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages)
}

func (t *PageTable) finish(id int, p *pendingPage, outcome string, done bool) {
	waited := time.Since(p.started)
	if t.metrics != nil {
		t.metrics.RecordPageWait(outcome, waited)
	}

	switch outcome {
	case WaitTimeout:
		t.log.Warn("Page wait timeout",
			zap.Int("page", id),
			zap.String("url", p.url),
			zap.Duration("waited", waited))
	default:
		t.log.Debug("Page wait finished",
			zap.Int("page", id),
			zap.String("outcome", outcome),
			zap.Duration("waited", waited))
	}

	p.sig.Notify(done)
}
