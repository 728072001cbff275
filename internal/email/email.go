package email

import (
	"bytes"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"text/template"

	"crmlicense.app/licensing/internal/logger"
)

var ErrNotConfigured = errors.New("SMTP configuration missing")

type Sender interface {
	Send(to, subject, body string) error
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(to, subject, body string) error {
	if s.cfg.Host == "" || s.cfg.Port == "" || s.cfg.Username == "" || s.cfg.Password == "" {
		logger.Error("SMTP configuration missing")
		return ErrNotConfigured
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value")
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", s.cfg.From, to, subject, body))

	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	return s.sendMail(addr, auth, s.cfg.From, []string{to}, msg)
}

// NopSender logs instead of delivering; used when SMTP is not configured.
type NopSender struct{}

func (NopSender) Send(to, subject, _ string) error {
	logger.Info("Email delivery disabled, skipping message", map[string]interface{}{
		"to":      to,
		"subject": subject,
	})
	return nil
}

// Message is one captured email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// RecordingSender keeps every message in memory.
type RecordingSender struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *RecordingSender) Send(to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, Message{To: to, Subject: subject, Body: body})
	return nil
}

func (r *RecordingSender) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

type LicenseIssued struct {
	CustomerName string
	LicenseKey   string
	Package      string
	LicenseType  string
	ExpiresOn    string
	UserLimit    int
	Modules      []string
	AmountPaid   string
}

var licenseIssuedTemplate = template.Must(template.New("license_issued").Parse(`Hello {{.CustomerName}},

Thank you for your purchase. Your CRM license is ready.

License key: {{.LicenseKey}}
{{- if .Package}}
Package:     {{.Package}}
{{- end}}
Type:        {{.LicenseType}}
Expires:     {{if .ExpiresOn}}{{.ExpiresOn}}{{else}}never{{end}}
Users:       {{.UserLimit}}
{{- if .AmountPaid}}
Amount paid: {{.AmountPaid}}
{{- end}}
{{- if .Modules}}
Modules:     {{.Modules}}
{{- end}}

Enter the key on the plugin's license page to activate it.
`))

// RenderLicenseIssued returns subject and body for a new-license notice.
func RenderLicenseIssued(data LicenseIssued) (string, string, error) {
	var buf bytes.Buffer
	view := struct {
		LicenseIssued
		Modules string
	}{data, strings.Join(data.Modules, ", ")}
	if err := licenseIssuedTemplate.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("render license email: %w", err)
	}
	return "Your CRM license key", buf.String(), nil
}
