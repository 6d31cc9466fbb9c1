package realtime

import "time"

// Notifier adapts the hub to the escrow service's notification interface.
// Events are broadcast to all connected clients whose subscription matches.
type Notifier struct {
	hub *Hub
}

// NewNotifier creates a notifier backed by the given hub.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) broadcast(t EventType, data map[string]interface{}) {
	if n == nil || n.hub == nil {
		return
	}
	n.hub.Broadcast(&Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (n *Notifier) EscrowCreated(id uint64, payer, payee, amount, serviceID string) {
	n.broadcast(EventEscrowCreated, map[string]interface{}{
		"escrowId":  id,
		"payer":     payer,
		"payee":     payee,
		"amount":    amount,
		"serviceId": serviceID,
	})
}

func (n *Notifier) PaymentLinked(id uint64, hash string) {
	n.broadcast(EventPaymentLinked, map[string]interface{}{
		"escrowId":    id,
		"paymentHash": hash,
	})
}

func (n *Notifier) PaymentVerified(id uint64, payee string) {
	n.broadcast(EventPaymentVerified, map[string]interface{}{
		"escrowId": id,
		"payee":    payee,
	})
}

func (n *Notifier) EscrowCompleted(id uint64, payee, amount string) {
	n.broadcast(EventEscrowCompleted, map[string]interface{}{
		"escrowId": id,
		"payee":    payee,
		"amount":   amount,
	})
}

func (n *Notifier) EscrowRefunded(id uint64, payer, amount string) {
	n.broadcast(EventEscrowRefunded, map[string]interface{}{
		"escrowId": id,
		"payer":    payer,
		"amount":   amount,
	})
}

func (n *Notifier) EscrowDisputed(id uint64, disputer string) {
	n.broadcast(EventEscrowDisputed, map[string]interface{}{
		"escrowId": id,
		"disputer": disputer,
	})
}

func (n *Notifier) ServiceRegistered(serviceID uint64, provider, name, price string) {
	n.broadcast(EventServiceRegistered, map[string]interface{}{
		"serviceId": serviceID,
		"provider":  provider,
		"name":      name,
		"price":     price,
	})
}

func (n *Notifier) ServiceUpdated(serviceID uint64, provider string, active bool) {
	n.broadcast(EventServiceUpdated, map[string]interface{}{
		"serviceId": serviceID,
		"provider":  provider,
		"active":    active,
	})
}

func (n *Notifier) X402PaymentRecorded(serviceID uint64, provider, paymentHash string, success bool) {
	n.broadcast(EventX402Payment, map[string]interface{}{
		"serviceId":   serviceID,
		"provider":    provider,
		"paymentHash": paymentHash,
		"success":     success,
	})
}

func (n *Notifier) ReputationUpdated(provider string, score uint32) {
	n.broadcast(EventReputation, map[string]interface{}{
		"provider": provider,
		"score":    score,
	})
}
