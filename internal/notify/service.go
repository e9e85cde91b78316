// Package notify sends WhatsApp notifications for account and export
// events and verifies numbers with one-time codes.
package notify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/overmarklabs/overmark/internal/faults"
)

const (
	otpLength = 6
	otpTTL    = 10 * time.Minute

	// maxOTPAttempts bounds code guesses per session. The session is
	// discarded once the limit is reached; the user must request a new
	// code.
	maxOTPAttempts = 5
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingProvider = errors.New("id provider is required")
	errMissingNumber   = errors.New("whatsapp number is required")
	errCodeMismatch    = errors.New("verification code does not match")
	errCodeExpired     = errors.New("verification code has expired")
	errTooManyAttempts = errors.New("too many verification attempts")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "notify.service.new"
	opNotify     = "notify.send"
	opOTPRequest = "notify.otp.request"
	opOTPVerify  = "notify.otp.verify"
)

// IDProvider issues session identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the notification service.
// Sender may be nil; the service then logs messages instead of sending.
type ServiceConfig struct {
	Database   *gorm.DB
	Sender     Sender
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service renders templates, delivers WhatsApp messages and runs the
// number verification flow.
type Service struct {
	db     *gorm.DB
	sender Sender
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the notification service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, faults.New(faults.KindInternal, opServiceNew, "missing_id_provider", errMissingProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sender := cfg.Sender
	if sender == nil {
		sender = &logSender{logger: logger}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:     cfg.Database,
		sender: sender,
		ids:    cfg.IDProvider,
		clock:  clock,
		logger: logger,
	}, nil
}

// Notify renders the template and delivers it to the number. Delivery
// failures are logged and returned but never abort the caller's flow;
// notifications are best effort.
func (s *Service) Notify(number string, template Template, data map[string]string) error {
	if number == "" {
		return faults.New(faults.KindValidation, opNotify, "missing_number", errMissingNumber)
	}
	body, err := Render(template, data)
	if err != nil {
		return faults.New(faults.KindInternal, opNotify, "render_failed", err)
	}
	if err := s.sender.Send(number, body); err != nil {
		s.logger.Warn("whatsapp delivery failed",
			zap.String("template", string(template)),
			zap.Error(err))
		return faults.New(faults.KindInternal, opNotify, "delivery_failed", err)
	}
	return nil
}

// RequestOTP creates a verification session for the number and sends the
// code. Any previous sessions of the account are discarded.
func (s *Service) RequestOTP(ctx context.Context, userID, number string) (*WhatsAppSession, error) {
	if number == "" {
		return nil, faults.New(faults.KindValidation, opOTPRequest, "missing_number", errMissingNumber)
	}
	code, err := generateCode(otpLength)
	if err != nil {
		return nil, faults.New(faults.KindInternal, opOTPRequest, "code_generation_failed", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return nil, faults.New(faults.KindInternal, opOTPRequest, "id_generation_failed", err)
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&WhatsAppSession{}).Error; err != nil {
		return nil, faults.New(faults.KindInternal, opOTPRequest, "cleanup_failed", err)
	}

	session := &WhatsAppSession{
		ID:        id,
		UserID:    userID,
		Number:    number,
		Code:      code,
		ExpiresAt: s.clock().UTC().Add(otpTTL),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, faults.New(faults.KindInternal, opOTPRequest, "session_insert_failed", err)
	}

	if err := s.Notify(number, TemplateOTP, map[string]string{
		"code":            code,
		"expires_minutes": strconv.Itoa(int(otpTTL.Minutes())),
	}); err != nil {
		return nil, err
	}
	return session, nil
}

// VerifyOTP checks the submitted code against the account's pending
// session and marks it verified. It returns the verified number.
func (s *Service) VerifyOTP(ctx context.Context, userID, code string) (string, error) {
	var session WhatsAppSession
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND verified = ?", userID, false).
		Order("created_at DESC").
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", faults.New(faults.KindNotFound, opOTPVerify, "no_pending_session", err)
	}
	if err != nil {
		return "", faults.New(faults.KindInternal, opOTPVerify, "query_failed", err)
	}
	if s.clock().UTC().After(session.ExpiresAt) {
		return "", faults.New(faults.KindValidation, opOTPVerify, "code_expired", errCodeExpired)
	}
	if session.Code != code {
		if session.Attempts+1 >= maxOTPAttempts {
			if err := s.db.WithContext(ctx).
				Delete(&WhatsAppSession{}, "id = ?", session.ID).Error; err != nil {
				return "", faults.New(faults.KindInternal, opOTPVerify, "cleanup_failed", err)
			}
			return "", faults.New(faults.KindValidation, opOTPVerify, "too_many_attempts", errTooManyAttempts)
		}
		if err := s.db.WithContext(ctx).Model(&WhatsAppSession{}).
			Where("id = ?", session.ID).
			Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return "", faults.New(faults.KindInternal, opOTPVerify, "update_failed", err)
		}
		return "", faults.New(faults.KindValidation, opOTPVerify, "code_mismatch", errCodeMismatch)
	}
	if err := s.db.WithContext(ctx).Model(&WhatsAppSession{}).
		Where("id = ?", session.ID).
		Update("verified", true).Error; err != nil {
		return "", faults.New(faults.KindInternal, opOTPVerify, "update_failed", err)
	}
	return session.Number, nil
}

func generateCode(length int) (string, error) {
	digits := make([]byte, 0, length)
	for len(digits) < length {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("draw digit: %w", err)
		}
		digits = append(digits, byte('0'+n.Int64()))
	}
	return string(digits), nil
}
