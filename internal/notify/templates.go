package notify

import (
	"errors"
	"fmt"
)

// Template identifies one of the canned notification messages.
type Template string

const (
	TemplateUpgradeSuccess  Template = "upgrade_success"
	TemplateExportComplete  Template = "export_complete"
	TemplateExportFailed    Template = "export_failed"
	TemplatePaymentReceived Template = "payment_received"
	TemplateOTP             Template = "otp"
)

var errUnknownTemplate = errors.New("unknown notification template")

// Render produces the message body for a template. Data keys depend on the
// template; missing keys render as empty strings.
func Render(template Template, data map[string]string) (string, error) {
	get := func(key string) string { return data[key] }
	switch template {
	case TemplateUpgradeSuccess:
		return fmt.Sprintf(
			"🎉 Welcome to Premium, %s! You now have unlimited exports. Thank you for upgrading.",
			get("name")), nil
	case TemplateExportComplete:
		return fmt.Sprintf(
			"✅ Your export of %s is ready. Download it here: %s",
			get("filename"), get("url")), nil
	case TemplateExportFailed:
		return fmt.Sprintf(
			"❌ Your export of %s failed: %s. You have not been charged an export.",
			get("filename"), get("reason")), nil
	case TemplatePaymentReceived:
		return fmt.Sprintf(
			"💳 Payment of %s received. Receipt: %s",
			get("amount"), get("reference")), nil
	case TemplateOTP:
		return fmt.Sprintf(
			"Your verification code is %s. It expires in %s minutes.",
			get("code"), get("expires_minutes")), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownTemplate, template)
	}
}
