package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowd/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit lifecycle events for escrow and
// directory subsystems. All methods are fire-and-forget: errors are logged
// but never returned, so a slow or dead endpoint cannot stall a settlement.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(agentAddr string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if agentAddr == "" {
		err = e.d.Dispatch(ctx, event)
	} else {
		err = e.d.DispatchToAgent(ctx, agentAddr, event)
	}
	if err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "agent", agentAddr, "error", err)
	}
}

// --- Escrow events ---

// EscrowCreated emits an escrow.created event to both parties.
func (e *Emitter) EscrowCreated(id uint64, payer, payee, amount, serviceID string) {
	data := map[string]interface{}{
		"escrowId":  id,
		"payer":     payer,
		"payee":     payee,
		"amount":    amount,
		"serviceId": serviceID,
	}
	e.emit(payer, EventEscrowCreated, data)
	if payee != payer {
		e.emit(payee, EventEscrowCreated, data)
	}
}

// PaymentLinked emits an escrow.payment_linked event to all subscribers of
// the event type. The linkage carries no party address of its own.
func (e *Emitter) PaymentLinked(id uint64, hash string) {
	e.emit("", EventPaymentLinked, map[string]interface{}{
		"escrowId":    id,
		"paymentHash": hash,
	})
}

// PaymentVerified emits an escrow.payment_verified event.
func (e *Emitter) PaymentVerified(id uint64, payee string) {
	e.emit(payee, EventPaymentVerified, map[string]interface{}{
		"escrowId": id,
		"payee":    payee,
	})
}

// EscrowCompleted emits an escrow.completed event.
func (e *Emitter) EscrowCompleted(id uint64, payee, amount string) {
	e.emit(payee, EventEscrowCompleted, map[string]interface{}{
		"escrowId": id,
		"payee":    payee,
		"amount":   amount,
	})
}

// EscrowRefunded emits an escrow.refunded event.
func (e *Emitter) EscrowRefunded(id uint64, payer, amount string) {
	e.emit(payer, EventEscrowRefunded, map[string]interface{}{
		"escrowId": id,
		"payer":    payer,
		"amount":   amount,
	})
}

// EscrowDisputed emits an escrow.disputed event.
func (e *Emitter) EscrowDisputed(id uint64, disputer string) {
	e.emit(disputer, EventEscrowDisputed, map[string]interface{}{
		"escrowId": id,
		"disputer": disputer,
	})
}

// --- Directory events ---

// ServiceRegistered emits a service.registered event to the provider.
func (e *Emitter) ServiceRegistered(serviceID uint64, provider, name, price string) {
	e.emit(provider, EventServiceRegistered, map[string]interface{}{
		"serviceId": serviceID,
		"provider":  provider,
		"name":      name,
		"price":     price,
	})
}

// ServiceUpdated emits a service.updated event.
func (e *Emitter) ServiceUpdated(serviceID uint64, provider string, active bool) {
	e.emit(provider, EventServiceUpdated, map[string]interface{}{
		"serviceId": serviceID,
		"provider":  provider,
		"active":    active,
	})
}

// X402PaymentRecorded emits a service.x402_payment event.
func (e *Emitter) X402PaymentRecorded(serviceID uint64, provider, paymentHash string, success bool) {
	e.emit(provider, EventX402PaymentRecorded, map[string]interface{}{
		"serviceId":   serviceID,
		"provider":    provider,
		"paymentHash": paymentHash,
		"success":     success,
	})
}

// ReputationUpdated emits a service.reputation_updated event.
func (e *Emitter) ReputationUpdated(provider string, score uint32) {
	e.emit(provider, EventReputationUpdated, map[string]interface{}{
		"provider": provider,
		"score":    score,
	})
}
