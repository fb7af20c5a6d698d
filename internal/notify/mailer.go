package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

const defaultSendTimeout = 30 * time.Second

// SMTPMailer sends through a plain SMTP relay. Each call dials, sends and
// closes; the sweep cadence is slow enough that connection reuse is not worth
// the state.
type SMTPMailer struct {
	dialer      *gomail.Dialer
	from        string
	sendTimeout time.Duration
}

func NewSMTPMailer(host string, port int, user, pass, from string) *SMTPMailer {
	return &SMTPMailer{
		dialer:      gomail.NewDialer(host, port, user, pass),
		from:        from,
		sendTimeout: defaultSendTimeout,
	}
}

func (m *SMTPMailer) SendEmail(to, subject, htmlBody, textBody string) (string, error) {
	id := uuid.NewString()

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@pulse>", id))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	// The dialer only bounds the TCP dial; a relay that accepts and then goes
	// silent would hold the sweep hostage without a deadline on the protocol
	// exchange itself. Expiry counts as a failed dispatch.
	done := make(chan error, 1)
	go func() { done <- m.dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send to %s failed: %w", to, err)
		}
	case <-time.After(m.sendTimeout):
		return "", fmt.Errorf("smtp send to %s timed out after %s", to, m.sendTimeout)
	}
	return id, nil
}
