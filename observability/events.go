package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkhmik004/trustwork/core/events"
	"github.com/mkhmik004/trustwork/native/escrow"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "trustwork",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of ledger events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// MetricsEmitter returns an emitter that feeds the event and escrow registries.
func MetricsEmitter() events.Emitter {
	eventsReg := Events()
	escrowReg := Escrow()
	return events.EmitterFunc(func(evt events.Event) {
		if evt == nil {
			return
		}
		eventsReg.RecordEvent(evt.EventType())
		wire, ok := events.Wire(evt)
		if !ok {
			return
		}
		switch wire.Type {
		case escrow.EventTypeContractCreated:
			escrowReg.AgreementOpened()
			escrowReg.RecordValue("funded", parseAmount(wire.Attributes["totalAmount"]))
		case escrow.EventTypeMilestoneReleased:
			escrowReg.RecordValue("released", parseAmount(wire.Attributes["amount"]))
		case escrow.EventTypeContractCompleted:
			escrowReg.AgreementClosed()
		case escrow.EventTypeContractRefunded:
			escrowReg.AgreementClosed()
			escrowReg.RecordValue("refunded", parseAmount(wire.Attributes["amount"]))
		}
	})
}

func parseAmount(raw string) *big.Int {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil
	}
	return value
}
