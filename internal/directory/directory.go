// Package directory implements the service directory: providers publish
// priced service listings, consumers discover them, and call outcomes feed
// a per-provider reputation score.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/validation"
)

// Category is the closed set of service categories a listing may carry.
type Category string

const (
	CategoryTextProcessing  Category = "text_processing"
	CategoryImageGeneration Category = "image_generation"
	CategoryDataAnalysis    Category = "data_analysis"
	CategoryTranslation     Category = "translation"
	CategoryComputation     Category = "computation"
)

// Categories lists every valid category, in registration-form order.
var Categories = []Category{
	CategoryTextProcessing,
	CategoryImageGeneration,
	CategoryDataAnalysis,
	CategoryTranslation,
	CategoryComputation,
}

// ValidCategory reports whether c is a member of the closed category set.
func ValidCategory(c Category) bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrUnauthorized    = errors.New("caller is not the service provider")
	ErrInvalidInput    = errors.New("invalid input")
)

// Service is a published listing. Counters track recorded call outcomes;
// they feed the provider reputation score but are never decremented.
type Service struct {
	ID          uint64    `json:"id"`
	Provider    string    `json:"provider"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Price       string    `json:"price"`
	Endpoint    string    `json:"endpoint"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`

	TotalRequests      uint64 `json:"totalRequests"`
	SuccessfulRequests uint64 `json:"successfulRequests"`

	SupportsX402       bool   `json:"supportsX402"`
	X402PaymentToken   string `json:"x402PaymentToken,omitempty"`
	X402PaymentAmount  string `json:"x402PaymentAmount,omitempty"`
	X402GatewayAddress string `json:"x402GatewayAddress,omitempty"`
	X402ChainID        uint64 `json:"x402ChainId,omitempty"`
}

// Store is the persistence interface for the directory.
type Store interface {
	Get(ctx context.Context, id uint64) (*Service, error)
	Put(ctx context.Context, svc *Service) error
	NextID(ctx context.Context) (uint64, error)
	AppendProviderIndex(ctx context.Context, provider string, id uint64) error
	ProviderServices(ctx context.Context, provider string) ([]uint64, error)
	ListActive(ctx context.Context, limit int) ([]*Service, error)
	ListByCategory(ctx context.Context, category Category, limit int) ([]*Service, error)
	ListX402(ctx context.Context, limit int) ([]*Service, error)
	Count(ctx context.Context) (uint64, error)
	SetReputation(ctx context.Context, provider string, score uint32) error
	Reputation(ctx context.Context, provider string) (uint32, error)
}

// Notifier receives directory lifecycle events. Implementations must not
// block; the directory calls them synchronously on the request path.
type Notifier interface {
	ServiceRegistered(serviceID uint64, provider, name, price string)
	ServiceUpdated(serviceID uint64, provider string, active bool)
	X402PaymentRecorded(serviceID uint64, provider, paymentHash string, success bool)
	ReputationUpdated(provider string, score uint32)
}

// RegisterRequest is the payload for publishing a new service.
type RegisterRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description" binding:"required"`
	Category    Category `json:"category" binding:"required"`
	Price       string   `json:"price" binding:"required"`
	Endpoint    string   `json:"endpoint" binding:"required"`

	SupportsX402       bool   `json:"supportsX402,omitempty"`
	X402PaymentToken   string `json:"x402PaymentToken,omitempty"`
	X402PaymentAmount  string `json:"x402PaymentAmount,omitempty"`
	X402GatewayAddress string `json:"x402GatewayAddress,omitempty"`
	X402ChainID        uint64 `json:"x402ChainId,omitempty"`
}

// X402Params carries the x402 payment configuration of a listing.
type X402Params struct {
	SupportsX402   bool   `json:"supportsX402"`
	PaymentToken   string `json:"x402PaymentToken,omitempty"`
	PaymentAmount  string `json:"x402PaymentAmount,omitempty"`
	GatewayAddress string `json:"x402GatewayAddress,omitempty"`
	ChainID        uint64 `json:"x402ChainId,omitempty"`
}

// Directory coordinates listing registration, provider-only mutations, and
// call accounting over a Store.
type Directory struct {
	store    Store
	notifier Notifier
	now      func() time.Time

	// per-service mutexes serialize counter updates across concurrent calls
	locks sync.Map
}

// NewDirectory creates a directory over the given store.
func NewDirectory(store Store) *Directory {
	return &Directory{
		store: store,
		now:   time.Now,
	}
}

// WithNotifier attaches a lifecycle event sink.
func (d *Directory) WithNotifier(n Notifier) *Directory {
	d.notifier = n
	return d
}

// WithClock overrides the time source. Test hook.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

func (d *Directory) serviceLock(id uint64) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// validateX402 checks that an x402-enabled configuration carries a payment
// token and a positive payment amount.
func validateX402(token, amount string) error {
	if !validation.IsValidAddress(token) {
		return ErrInvalidInput
	}
	amt, ok := validation.ParseAmount(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidInput
	}
	return nil
}

// Register publishes a new service for the given provider. Name, description,
// and endpoint must be non-empty and the price positive. When SupportsX402 is
// set, the payment token and amount are mandatory. Ids are assigned only
// after validation passes, so rejected requests never consume one.
func (d *Directory) Register(ctx context.Context, provider string, req RegisterRequest) (*Service, error) {
	provider = strings.ToLower(provider)

	if strings.TrimSpace(req.Name) == "" ||
		strings.TrimSpace(req.Description) == "" ||
		strings.TrimSpace(req.Endpoint) == "" {
		return nil, ErrInvalidInput
	}
	if !ValidCategory(req.Category) {
		return nil, ErrInvalidInput
	}
	price, ok := validation.ParseAmount(req.Price)
	if !ok || price.Sign() <= 0 {
		return nil, ErrInvalidInput
	}
	if req.SupportsX402 {
		if err := validateX402(req.X402PaymentToken, req.X402PaymentAmount); err != nil {
			return nil, err
		}
	}

	id, err := d.store.NextID(ctx)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		ID:          id,
		Provider:    provider,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Price:       req.Price,
		Endpoint:    req.Endpoint,
		Active:      true,
		CreatedAt:   d.now().UTC(),

		SupportsX402:       req.SupportsX402,
		X402PaymentToken:   strings.ToLower(req.X402PaymentToken),
		X402PaymentAmount:  req.X402PaymentAmount,
		X402GatewayAddress: strings.ToLower(req.X402GatewayAddress),
		X402ChainID:        req.X402ChainID,
	}

	if err := d.store.Put(ctx, svc); err != nil {
		return nil, err
	}
	if err := d.store.AppendProviderIndex(ctx, provider, id); err != nil {
		return nil, err
	}

	metrics.ServicesRegisteredTotal.Inc()
	if d.notifier != nil {
		d.notifier.ServiceRegistered(svc.ID, svc.Provider, svc.Name, svc.Price)
	}
	return svc, nil
}

// Get returns the service with the given id.
func (d *Directory) Get(ctx context.Context, id uint64) (*Service, error) {
	return d.store.Get(ctx, id)
}

// SetStatus activates or deactivates a listing. Provider only.
func (d *Directory) SetStatus(ctx context.Context, id uint64, caller string, active bool) (*Service, error) {
	mu := d.serviceLock(id)
	mu.Lock()
	defer mu.Unlock()

	svc, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.Provider != strings.ToLower(caller) {
		return nil, ErrUnauthorized
	}

	svc.Active = active
	if err := d.store.Put(ctx, svc); err != nil {
		return nil, err
	}
	if d.notifier != nil {
		d.notifier.ServiceUpdated(svc.ID, svc.Provider, svc.Active)
	}
	return svc, nil
}

// SetPrice updates the listing price. Provider only; price must be positive.
func (d *Directory) SetPrice(ctx context.Context, id uint64, caller, price string) (*Service, error) {
	amt, ok := validation.ParseAmount(price)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidInput
	}

	mu := d.serviceLock(id)
	mu.Lock()
	defer mu.Unlock()

	svc, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.Provider != strings.ToLower(caller) {
		return nil, ErrUnauthorized
	}

	svc.Price = price
	if err := d.store.Put(ctx, svc); err != nil {
		return nil, err
	}
	if d.notifier != nil {
		d.notifier.ServiceUpdated(svc.ID, svc.Provider, svc.Active)
	}
	return svc, nil
}

// SetX402Params replaces the x402 payment configuration of a listing.
// Provider only. Enabling x402 requires a payment token and amount; disabling
// clears nothing, the stored fields are overwritten with whatever was sent.
func (d *Directory) SetX402Params(ctx context.Context, id uint64, caller string, p X402Params) (*Service, error) {
	if p.SupportsX402 {
		if err := validateX402(p.PaymentToken, p.PaymentAmount); err != nil {
			return nil, err
		}
	}

	mu := d.serviceLock(id)
	mu.Lock()
	defer mu.Unlock()

	svc, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.Provider != strings.ToLower(caller) {
		return nil, ErrUnauthorized
	}

	svc.SupportsX402 = p.SupportsX402
	svc.X402PaymentToken = strings.ToLower(p.PaymentToken)
	svc.X402PaymentAmount = p.PaymentAmount
	svc.X402GatewayAddress = strings.ToLower(p.GatewayAddress)
	svc.X402ChainID = p.ChainID

	if err := d.store.Put(ctx, svc); err != nil {
		return nil, err
	}
	if d.notifier != nil {
		d.notifier.ServiceUpdated(svc.ID, svc.Provider, svc.Active)
	}
	return svc, nil
}

// RecordCall records the outcome of one service call: counters always move
// forward, and the provider's reputation score is recomputed from the
// aggregate across all of the provider's listings.
func (d *Directory) RecordCall(ctx context.Context, id uint64, success bool) (*Service, error) {
	mu := d.serviceLock(id)
	mu.Lock()
	defer mu.Unlock()

	svc, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	svc.TotalRequests++
	if success {
		svc.SuccessfulRequests++
	}
	if err := d.store.Put(ctx, svc); err != nil {
		return nil, err
	}

	result := "failure"
	if success {
		result = "success"
	}
	metrics.ServiceCallsTotal.WithLabelValues(result).Inc()

	if err := d.recomputeReputation(ctx, svc.Provider); err != nil {
		return nil, err
	}
	return svc, nil
}

// RecordX402Payment records an external x402 payment made against a listing.
// Provider only, and the listing must have x402 enabled. The payment counts
// as a service call for reputation purposes.
func (d *Directory) RecordX402Payment(ctx context.Context, id uint64, caller, paymentHash string, success bool) (*Service, error) {
	if !validation.IsValidTxHash(paymentHash) {
		return nil, ErrInvalidInput
	}

	mu := d.serviceLock(id)
	mu.Lock()
	defer mu.Unlock()

	svc, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc.Provider != strings.ToLower(caller) {
		return nil, ErrUnauthorized
	}
	if !svc.SupportsX402 {
		return nil, ErrInvalidInput
	}

	svc.TotalRequests++
	if success {
		svc.SuccessfulRequests++
	}
	if err := d.store.Put(ctx, svc); err != nil {
		return nil, err
	}

	result := "failure"
	if success {
		result = "success"
	}
	metrics.X402PaymentsTotal.WithLabelValues(result).Inc()

	if d.notifier != nil {
		d.notifier.X402PaymentRecorded(svc.ID, svc.Provider, strings.ToLower(paymentHash), success)
	}
	if err := d.recomputeReputation(ctx, svc.Provider); err != nil {
		return nil, err
	}
	return svc, nil
}

// recomputeReputation derives the provider score from recorded outcomes:
// successful calls * 100 / total calls, 0 when nothing has been recorded.
func (d *Directory) recomputeReputation(ctx context.Context, provider string) error {
	ids, err := d.store.ProviderServices(ctx, provider)
	if err != nil {
		return err
	}

	var total, successful uint64
	for _, id := range ids {
		svc, err := d.store.Get(ctx, id)
		if err != nil {
			return err
		}
		total += svc.TotalRequests
		successful += svc.SuccessfulRequests
	}

	var score uint32
	if total > 0 {
		score = uint32(successful * 100 / total)
	}
	if err := d.store.SetReputation(ctx, provider, score); err != nil {
		return err
	}
	if d.notifier != nil {
		d.notifier.ReputationUpdated(provider, score)
	}
	return nil
}

// Reputation returns the provider's score on the 0-100 scale. Providers with
// no recorded calls score zero.
func (d *Directory) Reputation(ctx context.Context, provider string) (uint32, error) {
	return d.store.Reputation(ctx, strings.ToLower(provider))
}

// ProviderServices returns every listing published by the provider, in
// registration order.
func (d *Directory) ProviderServices(ctx context.Context, provider string) ([]*Service, error) {
	ids, err := d.store.ProviderServices(ctx, strings.ToLower(provider))
	if err != nil {
		return nil, err
	}
	out := make([]*Service, 0, len(ids))
	for _, id := range ids {
		svc, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// ActiveServices returns up to limit active listings in id order.
func (d *Directory) ActiveServices(ctx context.Context, limit int) ([]*Service, error) {
	return d.store.ListActive(ctx, limit)
}

// ServicesByCategory returns up to limit active listings in the category.
func (d *Directory) ServicesByCategory(ctx context.Context, category Category, limit int) ([]*Service, error) {
	if !ValidCategory(category) {
		return nil, ErrInvalidInput
	}
	return d.store.ListByCategory(ctx, category, limit)
}

// X402Services returns up to limit active listings that accept x402 payments.
func (d *Directory) X402Services(ctx context.Context, limit int) ([]*Service, error) {
	return d.store.ListX402(ctx, limit)
}

// Count returns the total number of listings ever registered.
func (d *Directory) Count(ctx context.Context) (uint64, error) {
	return d.store.Count(ctx)
}
