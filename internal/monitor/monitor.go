// Package monitor runs the periodic confirmation-tracking loop: it
// consumes the gateway's live deposit stream, polls broadcast
// withdrawals for confirmations, and raises alerts for transfers stuck
// too long, large pending withdrawals, and an elevated gateway error
// rate.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/duskline/updown-core/internal/alerts"
	"github.com/duskline/updown-core/internal/deposit"
	"github.com/duskline/updown-core/internal/gateway"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/internal/withdrawal"
	"github.com/duskline/updown-core/pkg/helpers"
	"github.com/duskline/updown-core/pkg/logging"
)

// Config configures a Monitor.
type Config struct {
	Chain                     string
	PollInterval              time.Duration
	MaxPendingHours           int
	LargeWithdrawalThresholdU int64
	ErrorRateWindow           time.Duration
	ErrorRateThreshold        int
}

// Monitor drives the confirmation tracking loop described above.
type Monitor struct {
	store       *storage.Storage
	gw          gateway.Gateway
	depositEng  *deposit.Engine
	withdrawEng *withdrawal.Engine
	alerts      *alerts.Sink
	cfg         Config
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	gatewayErrors []time.Time
}

// New creates a Monitor.
func New(store *storage.Storage, gw gateway.Gateway, depositEng *deposit.Engine, withdrawEng *withdrawal.Engine, sink *alerts.Sink, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.ErrorRateWindow <= 0 {
		cfg.ErrorRateWindow = 5 * time.Minute
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		store:       store,
		gw:          gw,
		depositEng:  depositEng,
		withdrawEng: withdrawEng,
		alerts:      sink,
		cfg:         cfg,
		log:         logging.Default().Component("monitor"),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start launches the deposit watch loop and the poll loop as background
// goroutines.
func (m *Monitor) Start() {
	go m.watchDeposits()
	go m.pollLoop()
	m.log.Info("monitor started", "chain", m.cfg.Chain, "poll_interval", m.cfg.PollInterval)
}

// Stop cancels both loops and waits for the poll loop to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
	m.log.Info("monitor stopped")
}

// watchDeposits consumes the gateway's live observation stream for the
// lifetime of the monitor, restarting the subscription with backoff if
// the channel closes before ctx is done (a transient gateway error).
func (m *Monitor) watchDeposits() {
	var cursor gateway.Cursor

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		ch, err := m.gw.WatchDeposits(m.ctx, cursor)
		if err != nil {
			m.recordGatewayError()
			m.log.Warn("failed to open deposit watch stream", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for obs := range ch {
			if err := m.depositEng.Observe(m.ctx, m.cfg.Chain, obs); err != nil {
				m.recordGatewayError()
				m.log.Warn("failed to observe deposit", "address", obs.Address, "tx_sig", obs.TxSig, "error", err)
			}
		}

		if m.ctx.Err() != nil {
			return
		}
		// Channel closed without ctx cancellation: the stream ended in
		// error upstream. Resubscribe from the same cursor after a beat.
		time.Sleep(5 * time.Second)
	}
}

// pollLoop periodically polls broadcast withdrawals for confirmations
// and scans non-terminal transfers for staleness/large-withdrawal
// alerts.
func (m *Monitor) pollLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.pollWithdrawals()
			m.scanStale()
		}
	}
}

func (m *Monitor) pollWithdrawals() {
	pending, err := m.store.ListWithdrawalsByStatus(storage.WithdrawalStatusBroadcast)
	if err != nil {
		m.log.Warn("failed to list broadcast withdrawals", "error", err)
		return
	}

	for _, w := range pending {
		if err := m.withdrawEng.PollConfirmations(m.ctx, w.ID); err != nil {
			m.recordGatewayError()
			m.log.Warn("failed to poll withdrawal confirmations", "withdrawal_id", w.ID, "error", err)
		}
	}
}

// scanStale walks ISSUED and SEEN deposit intents and PENDING and
// BROADCAST withdrawals, flagging ones pending longer than
// max_pending_hours, plus any withdrawal at or above the
// large-withdrawal threshold that is still unconfirmed.
func (m *Monitor) scanStale() {
	now := time.Now()
	maxPending := time.Duration(m.cfg.MaxPendingHours) * time.Hour

	pending, err := m.store.ListDepositIntentsByStatus(storage.DepositIntentStatusIssued)
	if err != nil {
		m.log.Warn("failed to list issued deposit intents", "error", err)
	} else {
		m.flagStaleIntents(pending, now, maxPending)
	}

	seen, err := m.store.ListDepositIntentsByStatus(storage.DepositIntentStatusSeen)
	if err != nil {
		m.log.Warn("failed to list seen deposit intents", "error", err)
	} else {
		m.flagStaleIntents(seen, now, maxPending)
	}

	withdrawals, err := m.store.ListWithdrawalsByStatus(storage.WithdrawalStatusPending)
	if err != nil {
		m.log.Warn("failed to list pending withdrawals", "error", err)
		return
	}
	broadcast, err := m.store.ListWithdrawalsByStatus(storage.WithdrawalStatusBroadcast)
	if err != nil {
		m.log.Warn("failed to list broadcast withdrawals", "error", err)
		return
	}
	withdrawals = append(withdrawals, broadcast...)
	for _, w := range withdrawals {
		age := now.Sub(w.CreatedAt)
		if age > maxPending {
			m.publishStuck("withdrawal_id", w.ID, age)
		}
		if w.RequestedU >= m.cfg.LargeWithdrawalThresholdU {
			m.alerts.Publish(alerts.Alert{
				Kind:     alerts.KindLargeWithdrawal,
				Severity: alerts.SeverityMedium,
				Message:  "large withdrawal still pending",
				Fields: map[string]string{
					"withdrawal_id": w.ID,
					"amount_u":      fmt.Sprintf("%d", w.RequestedU),
					"amount":        helpers.FormatMicroUnits(w.RequestedU),
				},
			})
		}
	}
}

func (m *Monitor) flagStaleIntents(intents []*storage.DepositIntent, now time.Time, maxPending time.Duration) {
	for _, d := range intents {
		age := now.Sub(d.CreatedAt)
		if age > maxPending {
			m.publishStuck("intent_id", d.ID, age)
		}
	}
}

func (m *Monitor) publishStuck(idField, id string, age time.Duration) {
	m.alerts.Publish(alerts.Alert{
		Kind:     alerts.KindStuckPending,
		Severity: alerts.SeverityHigh,
		Message:  "pending longer than the configured threshold",
		Fields: map[string]string{
			idField:         id,
			"pending_hours": fmt.Sprintf("%.1f", age.Hours()),
		},
	})
}

// recordGatewayError tracks a rolling window of gateway failures and
// alerts once the count within the window reaches the configured
// threshold.
func (m *Monitor) recordGatewayError() {
	now := time.Now()
	m.gatewayErrors = append(m.gatewayErrors, now)

	cutoff := now.Add(-m.cfg.ErrorRateWindow)
	kept := m.gatewayErrors[:0]
	for _, t := range m.gatewayErrors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.gatewayErrors = kept

	if len(m.gatewayErrors) >= m.cfg.ErrorRateThreshold {
		m.alerts.Publish(alerts.Alert{
			Kind:     alerts.KindGatewayErrorRate,
			Severity: alerts.SeverityCritical,
			Message:  "gateway error rate exceeds threshold",
			Fields: map[string]string{
				"chain": m.cfg.Chain,
				"count": fmt.Sprintf("%d", len(m.gatewayErrors)),
			},
		})
	}
}
