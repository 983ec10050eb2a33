package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Email providers
const (
	EmailProviderResend   = "resend"
	EmailProviderSendGrid = "sendgrid"
	EmailProviderSMTP     = "smtp"
)

// ErrEmailNotConfigured is returned when no usable provider is configured
var ErrEmailNotConfigured = errors.New("email provider is not configured")

// EmailConfig selects and configures the outbound email provider
type EmailConfig struct {
	Provider string
	APIKey   string
	From     string

	// Endpoint overrides the provider API URL
	Endpoint string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// EmailMessage represents an outbound email
type EmailMessage struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// RetryPolicy is the fixed-delay retry configuration shared by HTTP and email
type RetryPolicy struct {
	RetryCount   int
	RetryDelayMs int
}

// EmailResult is the normalized outcome of a send
type EmailResult struct {
	OK       bool        `json:"ok"`
	Status   int         `json:"status"`
	Provider string      `json:"provider"`
	Response interface{} `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
	Retry    RetryInfo   `json:"retry"`
}

// EmailSender delivers email through a provider
type EmailSender interface {
	// Send delivers msg. Provider failures are reported in the result.
	Send(ctx context.Context, msg *EmailMessage, policy RetryPolicy) *EmailResult

	// Provider returns the provider name
	Provider() string

	// DefaultFrom returns the configured sender address
	DefaultFrom() string
}

// NewEmailSender builds the sender for cfg.Provider
func NewEmailSender(cfg EmailConfig, client *HTTPClient) (EmailSender, error) {
	switch strings.ToLower(cfg.Provider) {
	case EmailProviderResend:
		if cfg.APIKey == "" {
			return nil, ErrEmailNotConfigured
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "https://api.resend.com/emails"
		}
		return &apiEmailSender{provider: EmailProviderResend, endpoint: endpoint, cfg: cfg, client: client}, nil

	case EmailProviderSendGrid:
		if cfg.APIKey == "" {
			return nil, ErrEmailNotConfigured
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "https://api.sendgrid.com/v3/mail/send"
		}
		return &apiEmailSender{provider: EmailProviderSendGrid, endpoint: endpoint, cfg: cfg, client: client}, nil

	case EmailProviderSMTP:
		if cfg.SMTPHost == "" {
			return nil, ErrEmailNotConfigured
		}
		if cfg.SMTPPort == 0 {
			cfg.SMTPPort = 587
		}
		return &smtpEmailSender{cfg: cfg, send: smtp.SendMail}, nil

	case "":
		return nil, ErrEmailNotConfigured

	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.Provider)
	}
}

// apiEmailSender posts messages to an HTTP email API
type apiEmailSender struct {
	provider string
	endpoint string
	cfg      EmailConfig
	client   *HTTPClient
}

func (s *apiEmailSender) Provider() string    { return s.provider }
func (s *apiEmailSender) DefaultFrom() string { return s.cfg.From }

func (s *apiEmailSender) Send(ctx context.Context, msg *EmailMessage, policy RetryPolicy) *EmailResult {
	resp := s.client.Do(ctx, &HTTPRequest{
		URL:    s.endpoint,
		Method: "POST",
		Headers: map[string]string{
			"Authorization": "Bearer " + s.cfg.APIKey,
		},
		Body:         s.payload(msg),
		RetryCount:   policy.RetryCount,
		RetryDelayMs: policy.RetryDelayMs,
	})

	result := &EmailResult{
		OK:       resp.OK,
		Status:   resp.Status,
		Provider: s.provider,
		Response: resp.Body,
		Retry:    resp.Retry,
	}
	if resp.Failed() {
		result.Error = resp.Error
	} else if !resp.OK {
		result.Error = fmt.Sprintf("%s responded with status %d", s.provider, resp.Status)
	}
	return result
}

func (s *apiEmailSender) payload(msg *EmailMessage) map[string]interface{} {
	if s.provider == EmailProviderSendGrid {
		to := make([]map[string]string, 0, len(msg.To))
		for _, addr := range msg.To {
			to = append(to, map[string]string{"email": addr})
		}
		content := []map[string]string{}
		if msg.Text != "" {
			content = append(content, map[string]string{"type": "text/plain", "value": msg.Text})
		}
		if msg.HTML != "" {
			content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
		}
		return map[string]interface{}{
			"personalizations": []map[string]interface{}{{"to": to}},
			"from":             map[string]string{"email": msg.From},
			"subject":          msg.Subject,
			"content":          content,
		}
	}

	body := map[string]interface{}{
		"from":    msg.From,
		"to":      msg.To,
		"subject": msg.Subject,
	}
	if msg.Text != "" {
		body["text"] = msg.Text
	}
	if msg.HTML != "" {
		body["html"] = msg.HTML
	}
	return body
}

// smtpEmailSender relays messages through an SMTP server
type smtpEmailSender struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *smtpEmailSender) Provider() string    { return EmailProviderSMTP }
func (s *smtpEmailSender) DefaultFrom() string { return s.cfg.From }

func (s *smtpEmailSender) Send(ctx context.Context, msg *EmailMessage, policy RetryPolicy) *EmailResult {
	result := &EmailResult{Provider: EmailProviderSMTP}
	info := RetryInfo{RetryCount: max(policy.RetryCount, 0), RetryDelayMs: max(policy.RetryDelayMs, 0)}

	data, err := ComposeMessage(msg)
	if err != nil {
		result.Error = err.Error()
		info.LastError = err.Error()
		result.Retry = info
		return result
	}

	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	var lastErr error
	info.Attempts = RetryFixed(ctx, info.RetryCount, time.Duration(info.RetryDelayMs)*time.Millisecond, func(int) bool {
		lastErr = s.send(addr, auth, msg.From, msg.To, data)
		return lastErr == nil
	})

	if lastErr != nil {
		result.Error = lastErr.Error()
		info.LastError = lastErr.Error()
	} else {
		result.OK = true
		result.Status = 250
		info.LastOk = true
		info.LastStatus = 250
		result.Response = map[string]interface{}{"accepted": msg.To}
	}
	result.Retry = info
	return result
}

// ComposeMessage renders msg as an RFC 5322 message
func ComposeMessage(msg *EmailMessage) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	to := make([]*mail.Address, 0, len(msg.To))
	for _, raw := range msg.To {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	body := msg.Text
	contentType := "text/plain"
	if msg.HTML != "" {
		body = msg.HTML
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}
