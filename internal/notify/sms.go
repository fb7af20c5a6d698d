package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSMS posts messages to a generic HTTP SMS gateway
// (POST {to, message} with a bearer token).
type WebhookSMS struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookSMS(url, token string) *WebhookSMS {
	return &WebhookSMS{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *WebhookSMS) SendSMS(to, body string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"to":      to,
		"message": body,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, raw)
	}

	// An empty 2xx body is a valid accept without a delivery id.
	if len(raw) == 0 {
		return "", nil
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("sms gateway returned unparseable body: %w", err)
	}
	return result.ID, nil
}
