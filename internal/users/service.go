package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/overmarklabs/overmark/internal/faults"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingProvider = errors.New("id provider is required")
	errMissingIdentity = errors.New("identity provider and subject are required")
	errMissingUserID   = errors.New("user identifier is required")
	errQuotaExhausted  = errors.New("free export quota exhausted")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew  = "users.service.new"
	opResolve     = "users.resolve"
	opGet         = "users.get"
	opCheckExport = "users.check_export"
	opIncrement   = "users.increment_usage"
	opGrant       = "users.grant_premium"
	opWhatsApp    = "users.attach_whatsapp"
)

// Identity is the subset of verified token claims the account layer needs.
type Identity struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// IDProvider issues canonical user identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	FreeQuota  int
	Logger     *zap.Logger
}

// Service manages accounts, the free-tier export quota and premium state.
type Service struct {
	db        *gorm.DB
	ids       IDProvider
	clock     func() time.Time
	freeQuota int
	logger    *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_id_provider", errMissingProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	freeQuota := cfg.FreeQuota
	if freeQuota < 0 {
		freeQuota = 0
	}
	return &Service{
		db:        cfg.Database,
		ids:       cfg.IDProvider,
		clock:     clock,
		freeQuota: freeQuota,
		logger:    logger,
	}, nil
}

// Resolve returns the account bound to the verified identity, creating it
// on first sight. Email and display name are refreshed from the claims on
// every call.
func (s *Service) Resolve(ctx context.Context, identity Identity) (*User, error) {
	if identity.Provider == "" || identity.Subject == "" {
		return nil, faults.New(faults.KindValidation, opResolve, "missing_identity", errMissingIdentity)
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Take(&user).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{}
		if identity.Email != "" && identity.Email != user.Email {
			updates["email"] = identity.Email
			user.Email = identity.Email
		}
		if identity.DisplayName != "" && identity.DisplayName != user.DisplayName {
			updates["display_name"] = identity.DisplayName
			user.DisplayName = identity.DisplayName
		}
		if len(updates) > 0 {
			if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
				s.logError(opResolve, "refresh_failed", err, zap.String("user_id", user.ID))
				return nil, faults.New(faults.KindInternal, opResolve, "refresh_failed", err)
			}
		}
		return &user, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		id, idErr := s.ids.NewID()
		if idErr != nil {
			return nil, faults.New(faults.KindInternal, opResolve, "id_generation_failed", idErr)
		}
		user = User{
			ID:          id,
			Provider:    identity.Provider,
			Subject:     identity.Subject,
			Email:       identity.Email,
			DisplayName: identity.DisplayName,
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
				DoNothing: true,
			}).
			Create(&user).Error; err != nil {
			s.logError(opResolve, "create_failed", err, zap.String("subject", identity.Subject))
			return nil, faults.New(faults.KindInternal, opResolve, "create_failed", err)
		}
		if err := s.db.WithContext(ctx).
			Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
			Take(&user).Error; err != nil {
			return nil, faults.New(faults.KindInternal, opResolve, "reload_failed", err)
		}
		return &user, nil
	default:
		s.logError(opResolve, "query_failed", err, zap.String("subject", identity.Subject))
		return nil, faults.New(faults.KindInternal, opResolve, "query_failed", err)
	}
}

// Get returns the account with the given canonical id.
func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, faults.New(faults.KindValidation, opGet, "missing_user_id", errMissingUserID)
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.New(faults.KindNotFound, opGet, "not_found", err)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID))
		return nil, faults.New(faults.KindInternal, opGet, "query_failed", err)
	}
	return &user, nil
}

// CheckExportAllowed verifies the account may start another export.
// Premium accounts always may; free accounts are bounded by the quota.
func (s *Service) CheckExportAllowed(ctx context.Context, userID string) error {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsPremium {
		return nil
	}
	if user.ExportCount >= s.freeQuota {
		return faults.New(faults.KindQuota, opCheckExport, "quota_exhausted",
			fmt.Errorf("%w: %d of %d used", errQuotaExhausted, user.ExportCount, s.freeQuota))
	}
	return nil
}

// RemainingExports reports how many free exports are left. Premium
// accounts are unmetered and report -1.
func (s *Service) RemainingExports(user *User) int {
	if user.IsPremium {
		return -1
	}
	remaining := s.freeQuota - user.ExportCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IncrementUsage counts one completed export against the account. Callers
// invoke it only after the derived artifact has been durably stored.
func (s *Service) IncrementUsage(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("export_count", gorm.Expr("export_count + 1"))
	if result.Error != nil {
		s.logError(opIncrement, "update_failed", result.Error, zap.String("user_id", userID))
		return faults.New(faults.KindInternal, opIncrement, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return faults.New(faults.KindNotFound, opIncrement, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// GrantPremium upgrades the account and records the payment processor
// customer reference.
func (s *Service) GrantPremium(ctx context.Context, userID, processorCustomerID string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"is_premium":            true,
			"processor_customer_id": processorCustomerID,
		})
	if result.Error != nil {
		s.logError(opGrant, "update_failed", result.Error, zap.String("user_id", userID))
		return faults.New(faults.KindInternal, opGrant, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return faults.New(faults.KindNotFound, opGrant, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
}

// AttachWhatsApp records a verified WhatsApp number for notifications.
func (s *Service) AttachWhatsApp(ctx context.Context, userID, number string) error {
	if number == "" {
		return faults.New(faults.KindValidation, opWhatsApp, "missing_number", errors.New("whatsapp number is required"))
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("whatsapp_number", number)
	if result.Error != nil {
		s.logError(opWhatsApp, "update_failed", result.Error, zap.String("user_id", userID))
		return faults.New(faults.KindInternal, opWhatsApp, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return faults.New(faults.KindNotFound, opWhatsApp, "not_found", gorm.ErrRecordNotFound)
	}
	return nil
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
	s.logger.Error("account service error", attrs...)
}
