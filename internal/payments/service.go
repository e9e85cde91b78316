// Package payments charges the one-time premium upgrade through the
// payment processor and flips the account to premium once the charge
// settles.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/overmarklabs/overmark/internal/faults"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingProcess  = errors.New("payment processor client is required")
	errMissingAccounts = errors.New("account upgrader is required")
	errMissingProvider = errors.New("id provider is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingIntent   = errors.New("payment intent identifier is required")
	errNotSettled      = errors.New("payment has not settled")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "payments.service.new"
	opCreate     = "payments.create_intent"
	opConfirm    = "payments.confirm"
)

// IntentClient is the slice of the processor API the service uses.
type IntentClient interface {
	Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// stripeIntentClient calls the hosted processor API.
type stripeIntentClient struct{}

func (stripeIntentClient) Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (stripeIntentClient) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, params)
}

// NewStripeClient configures the processor SDK with the secret key and
// returns a client backed by the hosted API.
func NewStripeClient(secretKey string) IntentClient {
	stripe.Key = secretKey
	return stripeIntentClient{}
}

// Upgrader flips an account to premium. Satisfied by the account service.
type Upgrader interface {
	GrantPremium(ctx context.Context, userID, processorCustomerID string) error
}

// IDProvider issues payment record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the payment service.
type ServiceConfig struct {
	Database   *gorm.DB
	Client     IntentClient
	Accounts   Upgrader
	IDProvider IDProvider
	Clock      func() time.Time
	PriceCents int64
	Currency   string
	Logger     *zap.Logger
}

// Service creates upgrade charges and settles them.
type Service struct {
	db         *gorm.DB
	client     IntentClient
	accounts   Upgrader
	ids        IDProvider
	clock      func() time.Time
	priceCents int64
	currency   string
	logger     *zap.Logger
}

// NewService constructs the payment service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Client == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_client", errMissingProcess)
	}
	if cfg.Accounts == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_accounts", errMissingAccounts)
	}
	if cfg.IDProvider == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_id_provider", errMissingProvider)
	}
	priceCents := cfg.PriceCents
	if priceCents <= 0 {
		priceCents = 999
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		client:     cfg.Client,
		accounts:   cfg.Accounts,
		ids:        cfg.IDProvider,
		clock:      clock,
		priceCents: priceCents,
		currency:   currency,
		logger:     logger,
	}, nil
}

// CreateIntent opens a charge for the premium upgrade and returns the
// intent id plus the client secret the browser needs to collect payment.
func (s *Service) CreateIntent(ctx context.Context, userID string) (intentID, clientSecret string, err error) {
	if userID == "" {
		return "", "", faults.New(faults.KindValidation, opCreate, "missing_user_id", errMissingUserID)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(s.priceCents),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	intent, err := s.client.Create(params)
	if err != nil {
		s.logError(opCreate, "processor_failed", err, zap.String("user_id", userID))
		return "", "", faults.New(faults.KindInternal, opCreate, "processor_failed", err)
	}
	return intent.ID, intent.ClientSecret, nil
}

// Confirm re-reads the intent from the processor and, only when it has
// settled, records the payment and upgrades the account. The processor is
// the source of truth; client-side claims of success are never trusted.
func (s *Service) Confirm(ctx context.Context, userID, intentID string) (*Payment, error) {
	if userID == "" {
		return nil, faults.New(faults.KindValidation, opConfirm, "missing_user_id", errMissingUserID)
	}
	if intentID == "" {
		return nil, faults.New(faults.KindValidation, opConfirm, "missing_intent_id", errMissingIntent)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := s.client.Get(intentID, params)
	if err != nil {
		s.logError(opConfirm, "processor_failed", err, zap.String("intent_id", intentID))
		return nil, faults.New(faults.KindInternal, opConfirm, "processor_failed", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, faults.New(faults.KindValidation, opConfirm, "not_settled",
			fmt.Errorf("%w: status %s", errNotSettled, intent.Status))
	}

	id, err := s.ids.NewID()
	if err != nil {
		return nil, faults.New(faults.KindInternal, opConfirm, "id_generation_failed", err)
	}
	payment := &Payment{
		ID:          id,
		UserID:      userID,
		IntentID:    intent.ID,
		AmountCents: intent.Amount,
		Currency:    string(intent.Currency),
	}
	if err := s.db.WithContext(ctx).Create(payment).Error; err != nil {
		s.logError(opConfirm, "record_insert_failed", err, zap.String("intent_id", intentID))
		return nil, faults.New(faults.KindInternal, opConfirm, "record_insert_failed", err)
	}

	customerID := ""
	if intent.Customer != nil {
		customerID = intent.Customer.ID
	}
	if err := s.accounts.GrantPremium(ctx, userID, customerID); err != nil {
		s.logError(opConfirm, "upgrade_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	return payment, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("payment service error", attrs...)
}
