// Package escrow implements the escrow settlement state machine.
//
// Flow:
//  1. Payer creates an escrow → value locked in custody
//  2. Payer releases before the timeout → value moves to payee
//  3. After the timeout the payee may auto-release (or refund-claim)
//  4. Payer may refund at any time while pending
//  5. Either party may dispute → escrow frozen, no exit
//
// External-channel (x402) escrows settle out of band: the payment hash is
// linked, the payee verifies it, then the payee releases without any
// gateway transfer.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/validation"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrUnauthorized   = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount  = errors.New("invalid escrow amount")
	ErrInvalidStatus  = errors.New("invalid escrow status for this operation")
	ErrEscrowExpired  = errors.New("escrow expired")
	ErrTransferFailed = errors.New("transfer failed")
)

// Status represents the state of an escrow. Pending is the only non-terminal
// state: completed, refunded, and disputed are all final.
type Status string

const (
	StatusPending   Status = "pending"   // Created, funds locked
	StatusCompleted Status = "completed" // Funds released to payee
	StatusRefunded  Status = "refunded"  // Funds returned to payer
	StatusDisputed  Status = "disputed"  // Frozen; no exit transition exists
)

// DefaultTimeout is the default escrow expiry period.
const DefaultTimeout = time.Hour

// Escrow represents a custody record binding locked value to a payer/payee
// pair pending a settlement decision.
type Escrow struct {
	ID          uint64     `json:"id"`
	Payer       string     `json:"payer"`
	Payee       string     `json:"payee"`
	Amount      string     `json:"amount"`
	ServiceID   string     `json:"serviceId,omitempty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	PaymentCode string     `json:"paymentCode,omitempty"`

	// External payment channel (x402)
	UsesX402         bool   `json:"usesX402"`
	X402PaymentHash  string `json:"x402PaymentHash,omitempty"`
	X402Verified     bool   `json:"x402Verified"`
	X402TokenAddress string `json:"x402TokenAddress,omitempty"`
}

// Terminal returns true if the escrow has left the pending state.
func (e *Escrow) Terminal() bool {
	return e.Status != StatusPending
}

// Store persists escrow records and the party index. Put is an idempotent
// overwrite; NextID is strictly increasing starting at 1 and never reissues
// an identifier.
type Store interface {
	Get(ctx context.Context, id uint64) (*Escrow, error)
	Put(ctx context.Context, e *Escrow) error
	NextID(ctx context.Context) (uint64, error)
	AppendPartyIndex(ctx context.Context, party string, id uint64) error
	PartyEscrows(ctx context.Context, party string) ([]uint64, error)
	Count(ctx context.Context) (uint64, error)
}

// TransferGateway moves value in and out of custody. Both methods must be
// non-destructive on failure.
type TransferGateway interface {
	Lock(ctx context.Context, payer, amount, reference string) error
	Transfer(ctx context.Context, recipient, amount, reference string) error
}

// Notifier receives state-change notifications. All methods are
// fire-and-forget: implementations must not block or return errors.
type Notifier interface {
	EscrowCreated(id uint64, payer, payee, amount, serviceID string)
	PaymentLinked(id uint64, hash string)
	PaymentVerified(id uint64, payee string)
	EscrowCompleted(id uint64, payee, amount string)
	EscrowRefunded(id uint64, payer, amount string)
	EscrowDisputed(id uint64, disputer string)
}

// CreateRequest contains the parameters for creating an escrow. Amount is the
// value attached to the call; it is locked in custody at creation.
type CreateRequest struct {
	Payee            string `json:"payee" binding:"required"`
	ServiceID        string `json:"serviceId"`
	PaymentCode      string `json:"paymentCode"`
	UsesX402         bool   `json:"usesX402"`
	X402TokenAddress string `json:"x402TokenAddress"`
	Amount           string `json:"amount"`
}

// Service implements the escrow state machine over a Store.
type Service struct {
	store    Store
	gateway  TransferGateway
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	locks    sync.Map // per-escrow ID locks: one call = one transition attempt
}

// NewService creates a new escrow service with the given expiry timeout.
func NewService(store Store, gateway TransferGateway, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		store:   store,
		gateway: gateway,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithNotifier adds a notification sink for state changes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// escrowLock returns a mutex for the given escrow ID.
// This serializes state transitions (e.g. release and refund racing).
func (s *Service) escrowLock(id uint64) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Timeout returns the configured expiry period.
func (s *Service) Timeout() time.Duration {
	return s.timeout
}

// Create validates the request, locks the attached value in custody, and
// records a new pending escrow. Validation and custody intake happen before
// id allocation, so failed creations never consume an identifier.
func (s *Service) Create(ctx context.Context, payer string, req CreateRequest) (*Escrow, error) {
	payer = strings.ToLower(payer)
	payee := strings.ToLower(req.Payee)

	if req.Amount == "" {
		req.Amount = "0"
	}
	amt, ok := validation.ParseAmount(req.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}
	// Non-x402 escrows must lock value; x402 escrows may settle entirely
	// through the external channel.
	if !req.UsesX402 && amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	if amt.Sign() > 0 {
		if err := s.gateway.Lock(ctx, payer, req.Amount, req.PaymentCode); err != nil {
			return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
		}
	}

	// Best-effort refund of the custody lock if anything past this point
	// fails: without it a store failure strands the payer's funds.
	unlock := func() {
		if amt.Sign() > 0 {
			_ = s.gateway.Transfer(ctx, payer, req.Amount, req.PaymentCode)
		}
	}

	id, err := s.store.NextID(ctx)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to allocate escrow id: %w", err)
	}

	e := &Escrow{
		ID:               id,
		Payer:            payer,
		Payee:            payee,
		Amount:           req.Amount,
		ServiceID:        req.ServiceID,
		Status:           StatusPending,
		CreatedAt:        s.now(),
		PaymentCode:      req.PaymentCode,
		UsesX402:         req.UsesX402,
		X402TokenAddress: strings.ToLower(req.X402TokenAddress),
	}

	if err := s.store.Put(ctx, e); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	// Payer entry first; a self-dealing escrow is indexed twice on purpose.
	if err := s.store.AppendPartyIndex(ctx, payer, id); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to index payer: %w", err)
	}
	if err := s.store.AppendPartyIndex(ctx, payee, id); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to index payee: %w", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	metrics.EscrowOpsTotal.WithLabelValues("create", "ok").Inc()
	if s.notifier != nil {
		s.notifier.EscrowCreated(id, payer, payee, e.Amount, e.ServiceID)
	}

	return e, nil
}

// Release completes a pending escrow at the payer's request, moving the
// locked value to the payee. Unavailable once the escrow has expired and for
// external-channel escrows (those settle through ReleaseX402).
func (s *Service) Release(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(caller, e.Payer) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	// x402 escrows settle through the external channel, never here.
	if e.UsesX402 {
		return nil, ErrInvalidStatus
	}
	if s.expired(e) {
		return nil, ErrEscrowExpired
	}

	return s.complete(ctx, e, "release")
}

// AutoRelease completes an expired pending escrow at the payee's request.
// It is unavailable before the timeout has elapsed.
func (s *Service) AutoRelease(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(caller, e.Payee) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if !s.expired(e) {
		return nil, ErrInvalidStatus
	}

	return s.complete(ctx, e, "auto_release")
}

// complete transfers the locked value to the payee and persists the
// completed state. The transfer happens exactly once, immediately before the
// status write; on failure the record is untouched.
func (s *Service) complete(ctx context.Context, e *Escrow, op string) (*Escrow, error) {
	if err := s.gateway.Transfer(ctx, e.Payee, e.Amount, reference(e.ID)); err != nil {
		metrics.TransferFailuresTotal.Inc()
		metrics.EscrowOpsTotal.WithLabelValues(op, "transfer_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := s.now()
	e.Status = StatusCompleted
	e.CompletedAt = &now

	if err := s.store.Put(ctx, e); err != nil {
		// Funds already moved; retry once, then flag for manual resolution.
		if retryErr := s.store.Put(ctx, e); retryErr != nil {
			log.Printf("CRITICAL: escrow %d funds released to %s but status write failed: %v",
				e.ID, e.Payee, retryErr)
			return nil, fmt.Errorf("failed to persist escrow after fund release (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowCompletedTotal.Inc()
	metrics.EscrowOpsTotal.WithLabelValues(op, "ok").Inc()
	if s.notifier != nil {
		s.notifier.EscrowCompleted(e.ID, e.Payee, e.Amount)
	}
	return e, nil
}

// Refund returns a pending escrow's value to the payer. The payer may refund
// at any time; the payee may trigger a refund only once the escrow expires.
func (s *Service) Refund(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	authorized := strings.EqualFold(caller, e.Payer) ||
		(strings.EqualFold(caller, e.Payee) && s.expired(e))
	if !authorized {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	if err := s.gateway.Transfer(ctx, e.Payer, e.Amount, reference(e.ID)); err != nil {
		metrics.TransferFailuresTotal.Inc()
		metrics.EscrowOpsTotal.WithLabelValues("refund", "transfer_failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := s.now()
	e.Status = StatusRefunded
	e.CompletedAt = &now

	if err := s.store.Put(ctx, e); err != nil {
		if retryErr := s.store.Put(ctx, e); retryErr != nil {
			log.Printf("CRITICAL: escrow %d funds refunded to %s but status write failed: %v",
				e.ID, e.Payer, retryErr)
			return nil, fmt.Errorf("failed to persist escrow after refund (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowRefundedTotal.Inc()
	metrics.EscrowOpsTotal.WithLabelValues("refund", "ok").Inc()
	if s.notifier != nil {
		s.notifier.EscrowRefunded(e.ID, e.Payer, e.Amount)
	}
	return e, nil
}

// Dispute freezes a pending escrow. No transfer happens, CompletedAt stays
// unset, and no operation transitions out of the disputed state.
func (s *Service) Dispute(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !s.isParty(caller, e) {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	e.Status = StatusDisputed
	if err := s.store.Put(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowDisputedTotal.Inc()
	metrics.EscrowOpsTotal.WithLabelValues("dispute", "ok").Inc()
	if s.notifier != nil {
		s.notifier.EscrowDisputed(e.ID, strings.ToLower(caller))
	}
	return e, nil
}

// LinkX402 records the external payment hash for a pending x402 escrow.
// Relinking while the escrow is pending overwrites the stored hash, even
// after verification; no uniqueness check is performed.
func (s *Service) LinkX402(ctx context.Context, id uint64, caller, hash string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !s.isParty(caller, e) {
		return nil, ErrUnauthorized
	}
	if !e.UsesX402 {
		return nil, ErrInvalidStatus
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	e.X402PaymentHash = strings.ToLower(hash)
	if err := s.store.Put(ctx, e); err != nil {
		return nil, err
	}

	metrics.X402LinkedTotal.Inc()
	metrics.EscrowOpsTotal.WithLabelValues("x402_link", "ok").Inc()
	if s.notifier != nil {
		s.notifier.PaymentLinked(e.ID, e.X402PaymentHash)
	}
	return e, nil
}

// VerifyX402 marks the linked external payment as verified. This is a
// trusted assertion by the payee; no proof is checked.
func (s *Service) VerifyX402(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(caller, e.Payee) {
		return nil, ErrUnauthorized
	}
	if !e.UsesX402 {
		return nil, ErrInvalidStatus
	}
	if e.X402PaymentHash == "" {
		return nil, ErrInvalidStatus
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	e.X402Verified = true
	if err := s.store.Put(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("x402_verify", "ok").Inc()
	if s.notifier != nil {
		s.notifier.PaymentVerified(e.ID, e.Payee)
	}
	return e, nil
}

// ReleaseX402 completes a verified x402 escrow. The value already moved
// through the external channel, so no gateway transfer is made.
func (s *Service) ReleaseX402(ctx context.Context, id uint64, caller string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(caller, e.Payee) {
		return nil, ErrUnauthorized
	}
	if !e.UsesX402 {
		return nil, ErrInvalidStatus
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidStatus
	}
	if !e.X402Verified {
		return nil, ErrInvalidStatus
	}

	now := s.now()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	if err := s.store.Put(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowCompletedTotal.Inc()
	metrics.EscrowOpsTotal.WithLabelValues("x402_release", "ok").Inc()
	if s.notifier != nil {
		s.notifier.EscrowCompleted(e.ID, e.Payee, e.Amount)
	}
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// PartyEscrows returns the ordered escrow ids a party participates in.
func (s *Service) PartyEscrows(ctx context.Context, party string) ([]uint64, error) {
	return s.store.PartyEscrows(ctx, strings.ToLower(party))
}

// Count returns the total number of escrows ever created.
func (s *Service) Count(ctx context.Context) (uint64, error) {
	return s.store.Count(ctx)
}

// IsExpired reports whether the escrow's timeout has elapsed. An escrow
// exactly at the boundary is not yet expired.
func (s *Service) IsExpired(ctx context.Context, id uint64) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.expired(e), nil
}

// X402PaymentHash returns the linked external payment hash, or "" if none.
func (s *Service) X402PaymentHash(ctx context.Context, id uint64) (string, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.X402PaymentHash, nil
}

// UsesX402 reports whether the escrow settles through the external channel.
func (s *Service) UsesX402(ctx context.Context, id uint64) (bool, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.UsesX402, nil
}

func (s *Service) expired(e *Escrow) bool {
	return s.now().Sub(e.CreatedAt) > s.timeout
}

func (s *Service) isParty(caller string, e *Escrow) bool {
	return strings.EqualFold(caller, e.Payer) || strings.EqualFold(caller, e.Payee)
}

// reference builds the custody reference for an escrow's gateway movements.
func reference(id uint64) string {
	return fmt.Sprintf("escrow-%d", id)
}
