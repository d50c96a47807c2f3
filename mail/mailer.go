// Package mail sends account verification mails through an external HTTP mail
// relay. When no endpoint is configured, mails are logged instead so that
// local setups can complete signup without infrastructure.
package mail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/globals"
)

type Mailer interface {
	Send(recipient, subject, body string) error
}

// New selects the HTTP mailer if an endpoint is configured, the log mailer
// otherwise.
func New(cfg *config.Config) Mailer {
	if cfg.MailConfig.Endpoint != "" {
		return &HTTPMailer{
			endpoint: cfg.MailConfig.Endpoint,
			authKey:  cfg.MailConfig.AuthKey,
			client:   &http.Client{Timeout: 10 * time.Second},
		}
	}
	return &LogMailer{}
}

// HTTPMailer posts mails as JSON to a mail relay endpoint.
type HTTPMailer struct {
	endpoint string
	authKey  string
	client   *http.Client
}

func (m *HTTPMailer) Send(recipient, subject, body string) error {
	payload, err := json.Marshal(map[string]string{
		"to":      recipient,
		"subject": subject,
		"content": body,
		"auth":    m.authKey,
	})
	if err != nil {
		return err
	}
	resp, err := m.client.Post(m.endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail relay returned status %d", resp.StatusCode)
	}
	return nil
}

// LogMailer writes the mail to the application log.
type LogMailer struct{}

func (m *LogMailer) Send(recipient, subject, body string) error {
	globals.AppLogger.Info("mail (no endpoint configured)", "to", recipient, "subject", subject, "body", body)
	return nil
}
