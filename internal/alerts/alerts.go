// Package alerts carries operational incidents out of the core through
// a typed channel, so the core never imports a notification transport.
// Consumers (the CLI demo, a future HTTP surface) drain the channel and
// decide how to page a human.
package alerts

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind identifies the alert condition.
type Kind string

const (
	KindStuckPending      Kind = "stuck_pending"
	KindReorgDrop         Kind = "reorg_drop"
	KindLargeWithdrawal   Kind = "large_withdrawal"
	KindGatewayErrorRate  Kind = "gateway_error_rate"
	KindUnderPayment      Kind = "under_payment"
	KindDataIntegrity     Kind = "data_integrity"
	KindHouseReconcileGap Kind = "house_reconcile_gap"
)

// Severity mirrors the core error taxonomy's severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one operational incident.
type Alert struct {
	Kind     Kind
	Severity Severity
	Message  string
	Fields   map[string]string
	At       time.Time
}

func dedupKey(kind Kind, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(kind))
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, fields[k])
	}
	return b.String()
}

// Sink publishes alerts to a buffered channel, deduplicating identical
// (kind, fields) alerts within a fixed window so a flapping condition
// does not page repeatedly.
type Sink struct {
	ch     chan Alert
	window time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewSink creates a Sink with the given dedup window and channel buffer
// size.
func NewSink(window time.Duration, bufferSize int) *Sink {
	return &Sink{
		ch:       make(chan Alert, bufferSize),
		window:   window,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Publish emits an alert unless an identical (kind, fields) alert was
// published within the dedup window. Never blocks: if the channel is
// full the alert is dropped, though it still counts toward the dedup
// window.
func (s *Sink) Publish(a Alert) {
	key := dedupKey(a.Kind, a.Fields)
	now := s.now()

	s.mu.Lock()
	if last, ok := s.lastSeen[key]; ok && now.Sub(last) < s.window {
		s.mu.Unlock()
		return
	}
	s.lastSeen[key] = now
	s.mu.Unlock()

	if a.At.IsZero() {
		a.At = now
	}

	select {
	case s.ch <- a:
	default:
	}
}

// C returns the channel consumers read alerts from.
func (s *Sink) C() <-chan Alert {
	return s.ch
}
