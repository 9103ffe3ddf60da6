package daemon

import (
	"context"
	"time"

	"github.com/harun/switchboard/pkg/dispatcher"
	"github.com/rs/zerolog"
)

const maintenanceInterval = 30 * time.Second

type ledgerPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type runPruner interface {
	Cleanup(retention time.Duration) int
}

// Maintenance runs periodic housekeeping: delivery ledger pruning, finished
// background task cleanup and queue stats.
type Maintenance struct {
	ledger    ledgerPruner
	runs      runPruner
	stats     func() dispatcher.Stats
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewMaintenance creates the maintenance loop for d.
func NewMaintenance(d *Daemon) *Maintenance {
	m := &Maintenance{
		retention: time.Duration(d.config.Dispatcher.LedgerRetentionHours) * time.Hour,
		interval:  maintenanceInterval,
		now:       d.now,
		logger:    d.logger,
		stats:     d.dispatcher.Stats,
	}
	if d.ledger != nil {
		m.ledger = d.ledger
	}
	if d.subagents != nil {
		m.runs = d.subagents
	}
	return m
}

// Run ticks until ctx ends.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass.
func (m *Maintenance) Tick(ctx context.Context) {
	if m.ledger != nil && m.retention > 0 {
		removed, err := m.ledger.Prune(ctx, m.now().Add(-m.retention))
		if err != nil {
			m.logger.Warn().Err(err).Msg("Ledger prune failed")
		} else if removed > 0 {
			m.logger.Debug().Int64("removed", removed).Msg("Delivery ledger pruned")
		}
	}
	if m.runs != nil && m.retention > 0 {
		m.runs.Cleanup(m.retention)
	}

	if m.stats == nil {
		return
	}
	stats := m.stats()
	if stats.Queue.Queued > 0 || stats.Queue.Active > 0 || stats.InboundLen > 0 || stats.OutboundLen > 0 {
		m.logger.Debug().
			Int("queued", stats.Queue.Queued).
			Int("active", stats.Queue.Active).
			Int("inbound", stats.InboundLen).
			Int("outbound", stats.OutboundLen).
			Msg("Dispatcher stats")
	}
}
