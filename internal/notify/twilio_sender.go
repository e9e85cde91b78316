package notify

import (
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Sender delivers one WhatsApp message to a number in E.164 form.
type Sender interface {
	Send(to, body string) error
}

// TwilioSender sends WhatsApp messages through the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender builds the sender. The from number is the WhatsApp
// business number without the channel prefix.
func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{client: client, from: from}
}

func (s *TwilioSender) Send(to, body string) error {
	params := &openapi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom("whatsapp:" + s.from)
	params.SetBody(body)
	_, err := s.client.Api.CreateMessage(params)
	return err
}

// logSender stands in when Twilio credentials are absent; messages are
// logged instead of delivered so the rest of the flow keeps working in
// development setups.
type logSender struct {
	logger *zap.Logger
}

func (s *logSender) Send(to, body string) error {
	s.logger.Info("whatsapp delivery skipped, no messaging credentials",
		zap.String("to", to),
		zap.String("body", body))
	return nil
}
