package notify

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/overmarklabs/overmark/internal/faults"
)

type recordingSender struct {
	sent []sentMessage
	err  error
}

type sentMessage struct {
	to   string
	body string
}

func (r *recordingSender) Send(to, body string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentMessage{to: to, body: body})
	return nil
}

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("session-%d", p.next), nil
}

func newTestService(t *testing.T, now time.Time) (*Service, *recordingSender, *time.Time) {
	t.Helper()
	dsn := fmt.Sprintf("file:notify_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&WhatsAppSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clockTime := now
	sender := &recordingSender{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Sender:     sender,
		IDProvider: &sequenceIDProvider{},
		Clock:      func() time.Time { return clockTime },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, sender, &clockTime
}

func TestRenderTemplates(t *testing.T) {
	testCases := []struct {
		name     string
		template Template
		data     map[string]string
		want     string
	}{
		{
			name:     "export complete",
			template: TemplateExportComplete,
			data:     map[string]string{"filename": "lecture.pdf", "url": "https://storage.test/x"},
			want:     "lecture.pdf",
		},
		{
			name:     "export failed",
			template: TemplateExportFailed,
			data:     map[string]string{"filename": "clip.mp4", "reason": "encoder crashed"},
			want:     "encoder crashed",
		},
		{
			name:     "upgrade",
			template: TemplateUpgradeSuccess,
			data:     map[string]string{"name": "Reviewer"},
			want:     "Reviewer",
		},
		{
			name:     "payment",
			template: TemplatePaymentReceived,
			data:     map[string]string{"amount": "$9.99", "reference": "pi_123"},
			want:     "pi_123",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			body, err := Render(testCase.template, testCase.data)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if !strings.Contains(body, testCase.want) {
				t.Fatalf("body %q does not mention %q", body, testCase.want)
			}
		})
	}

	if _, err := Render(Template("bogus"), nil); err == nil {
		t.Fatalf("unknown template accepted")
	}
}

func TestNotifyDelivers(t *testing.T) {
	service, sender, _ := newTestService(t, time.Unix(1700000000, 0))
	err := service.Notify("+15550001111", TemplateExportComplete, map[string]string{
		"filename": "clip.mp4",
		"url":      "https://storage.test/d/clip.mp4",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].to != "+15550001111" {
		t.Fatalf("sent = %+v", sender.sent)
	}
}

func TestOTPRoundTrip(t *testing.T) {
	service, sender, _ := newTestService(t, time.Unix(1700000000, 0))
	ctx := context.Background()

	session, err := service.RequestOTP(ctx, "user-1", "+15550001111")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if len(session.Code) != otpLength {
		t.Fatalf("code length = %d", len(session.Code))
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0].body, session.Code) {
		t.Fatalf("otp message not delivered: %+v", sender.sent)
	}

	number, err := service.VerifyOTP(ctx, "user-1", session.Code)
	if err != nil {
		t.Fatalf("verify otp: %v", err)
	}
	if number != "+15550001111" {
		t.Fatalf("number = %q", number)
	}
}

func TestOTPRejectsWrongCode(t *testing.T) {
	service, _, _ := newTestService(t, time.Unix(1700000000, 0))
	ctx := context.Background()

	session, err := service.RequestOTP(ctx, "user-1", "+15550001111")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	wrong := "000000"
	if wrong == session.Code {
		wrong = "111111"
	}
	_, err = service.VerifyOTP(ctx, "user-1", wrong)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindValidation)
	}
}

func TestOTPLocksOutAfterRepeatedMismatches(t *testing.T) {
	service, _, _ := newTestService(t, time.Unix(1700000000, 0))
	ctx := context.Background()

	session, err := service.RequestOTP(ctx, "user-1", "+15550001111")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	wrong := "000000"
	if wrong == session.Code {
		wrong = "111111"
	}

	for attempt := 1; attempt < maxOTPAttempts; attempt++ {
		_, err = service.VerifyOTP(ctx, "user-1", wrong)
		if !strings.Contains(faults.CodeOf(err), "code_mismatch") {
			t.Fatalf("attempt %d code = %q", attempt, faults.CodeOf(err))
		}
	}

	_, err = service.VerifyOTP(ctx, "user-1", wrong)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindValidation)
	}
	if !strings.Contains(faults.CodeOf(err), "too_many_attempts") {
		t.Fatalf("code = %q", faults.CodeOf(err))
	}

	// The session is gone; even the right code no longer verifies.
	_, err = service.VerifyOTP(ctx, "user-1", session.Code)
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindNotFound)
	}
}

func TestOTPExpires(t *testing.T) {
	service, _, clockTime := newTestService(t, time.Unix(1700000000, 0))
	ctx := context.Background()

	session, err := service.RequestOTP(ctx, "user-1", "+15550001111")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	*clockTime = clockTime.Add(otpTTL + time.Minute)

	_, err = service.VerifyOTP(ctx, "user-1", session.Code)
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindValidation)
	}
	if !strings.Contains(faults.CodeOf(err), "code_expired") {
		t.Fatalf("code = %q", faults.CodeOf(err))
	}
}

func TestOTPNoPendingSession(t *testing.T) {
	service, _, _ := newTestService(t, time.Unix(1700000000, 0))
	_, err := service.VerifyOTP(context.Background(), "user-1", "123456")
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("fault kind = %q, want %q", faults.KindOf(err), faults.KindNotFound)
	}
}
