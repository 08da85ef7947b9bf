package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
)

// SyncState represents the current state of a connection's sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single connection.
type SyncStatus struct {
	ConnectionID string
	Provider     model.ProviderKind
	State        SyncState
	LastSync     time.Time
	LastReport   *PassReport
	Error        error
}

// Poller runs SyncAll in the background on a fixed interval and on demand.
type Poller struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *slog.Logger

	statuses  map[string]*SyncStatus
	triggerCh chan string
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        gosync.Mutex
	running   bool
}

// NewPoller creates a poller. A non-positive interval defaults to five
// minutes.
func NewPoller(o *Orchestrator, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		orch:      o,
		interval:  interval,
		logger:    logger,
		statuses:  make(map[string]*SyncStatus),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the polling loop. The first round runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts the loop and waits for the current round to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh
}

// RefreshConnection triggers an immediate pass for one connection.
func (p *Poller) RefreshConnection(connectionID string) {
	select {
	case p.triggerCh <- connectionID:
	default:
		// Channel full; the next round picks the connection up.
	}
}

// Statuses returns a snapshot of every known connection's status, ordered
// by connection id.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runAll(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runAll(ctx)
		case id := <-p.triggerCh:
			p.runOne(ctx, id)
		}
	}
}

func (p *Poller) runAll(ctx context.Context) {
	reports, err := p.orch.SyncAll(ctx)
	for _, r := range reports {
		if r != nil {
			p.record(r.ConnectionID, r, nil)
		}
	}
	if err != nil {
		p.logger.Error("sync round failed", "error", err)
	}
}

func (p *Poller) runOne(ctx context.Context, id string) {
	p.setRunning(id)
	report, err := p.orch.SyncConnection(ctx, id, SyncOptions{})
	p.record(id, report, err)
	if err != nil {
		p.logger.Error("sync pass failed", "connection", id, "error", err)
	}
}

func (p *Poller) status(id string) *SyncStatus {
	s, ok := p.statuses[id]
	if !ok {
		s = &SyncStatus{ConnectionID: id}
		p.statuses[id] = s
	}
	return s
}

func (p *Poller) setRunning(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status(id).State = SyncRunning
}

func (p *Poller) record(id string, report *PassReport, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.status(id)
	if report != nil {
		s.Provider = report.Provider
		s.LastReport = report
		if err == nil {
			err = report.Err
		}
	}
	s.Error = err
	if err != nil {
		s.State = SyncError
		return
	}
	s.State = SyncIdle
	if report != nil && !report.Skipped {
		s.LastSync = report.FinishedAt
	}
}
