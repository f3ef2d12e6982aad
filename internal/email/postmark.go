package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

const defaultEndpoint = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	endpoint    string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithEndpoint overrides the Postmark API URL.
func WithEndpoint(url string) Option {
	return func(cl *Client) {
		cl.endpoint = url
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		endpoint:    defaultEndpoint,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream,omitempty"`
}

func planName(p model.Plan) string {
	switch p {
	case model.PlanPlus:
		return "Plus"
	case model.PlanPro:
		return "Pro"
	}
	return "Free"
}

// SendLicenseKey mails a newly issued license key to its owner.
func (c *Client) SendLicenseKey(ctx context.Context, toEmail, key string, plan model.Plan, expiresAt *time.Time) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := fmt.Sprintf("Your LabelDesk %s license", planName(plan))
	validity := "It stays valid while your subscription is active."
	if expiresAt != nil {
		validity = fmt.Sprintf("It is valid until %s and renews with your subscription.", expiresAt.UTC().Format("2006-01-02"))
	}
	account := c.baseURL + "/account"

	textBody := fmt.Sprintf("Thanks for subscribing to LabelDesk %s.\n\nYour license key:\n\n    %s\n\n%s\n\nManage your subscription at %s",
		planName(plan), key, validity, account)
	htmlBody := fmt.Sprintf(
		`<p>Thanks for subscribing to LabelDesk %s.</p><p>Your license key:</p><p><code>%s</code></p><p>%s</p><p><a href="%s">Manage your subscription</a></p>`,
		planName(plan), html.EscapeString(key), validity, html.EscapeString(account),
	)

	return c.send(ctx, postmarkEmail{
		From:          c.fromEmail,
		To:            toEmail,
		Subject:       subject,
		HtmlBody:      htmlBody,
		TextBody:      textBody,
		MessageStream: "outbound",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
