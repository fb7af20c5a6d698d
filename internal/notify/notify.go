// Package notify wraps the outbound notification gateways. Each send is
// at-most-once; retries belong to the escalation sweep, not the gateway.
package notify

// Mailer delivers one email and returns the gateway's delivery id.
type Mailer interface {
	SendEmail(to, subject, htmlBody, textBody string) (string, error)
}

// SMSSender delivers one SMS and returns the gateway's delivery id.
type SMSSender interface {
	SendSMS(to, body string) (string, error)
}
